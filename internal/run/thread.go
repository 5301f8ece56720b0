package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/specialistvlad/bdsgo/internal/scope"
	"github.com/zclconf/go-cty/cty"
)

// Frame is one program counter entry: the node that opened it, how many of
// its child runs have completed and the scope it opened, if any. Calls holds
// the results of function calls that completed while the current child was
// evaluated, in completion order.
type Frame struct {
	Node  string
	Index int
	Scope string
	Calls []cty.Value

	sc      *scope.Scope
	resumed bool
	replay  int
}

func (f *Frame) advance() {
	f.Index++
	f.Calls = nil
	f.replay = 0
}

// Resumed reports whether the frame was restored from a checkpoint rather
// than opened fresh.
func (f *Frame) Resumed() bool { return f.resumed }

// Thread is one sequential interpreter walking a statement tree.
type Thread struct {
	ID string

	rt     *Runtime
	parent *Thread
	logger *slog.Logger

	mu       sync.Mutex
	state    RunState
	exitCode int
	err      error
	children []*Thread
	done     chan struct{}

	// Owned by the thread's goroutine. Mutations happen with the gate held
	// so snapshots see them whole.
	root  Statement
	call  Callable
	args  []cty.Value
	base  *scope.Scope
	scope *scope.Scope
	pc    []*Frame
	stack []cty.Value

	recoverPath []Frame
	gateHeld    bool
	leafDone    bool
}

func newThread(rt *Runtime, id string, parent *Thread, base *scope.Scope) *Thread {
	return &Thread{
		ID:     id,
		rt:     rt,
		parent: parent,
		base:   base,
		scope:  base,
		done:   make(chan struct{}),
		logger: rt.logger().With("threadID", id),
	}
}

// Runtime returns the runtime the thread belongs to.
func (t *Thread) Runtime() *Runtime { return t.rt }

// Context returns the runtime's context, cancelled when the program exits.
func (t *Thread) Context() context.Context { return t.rt.context() }

// Logger returns the thread's logger.
func (t *Thread) Logger() *slog.Logger { return t.logger }

// Parent returns the spawning thread, nil for the root.
func (t *Thread) Parent() *Thread { return t.parent }

// Children returns the threads spawned by t in spawn order.
func (t *Thread) Children() []*Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Thread(nil), t.children...)
}

// State returns the current run-state.
func (t *Thread) State() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState changes the run-state. Loops use it to consume BREAK and CONTINUE,
// functions to consume RETURN.
func (t *Thread) SetState(s RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// ExitCode returns the thread's exit code.
func (t *Thread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Err returns the error that made the thread fail, if any.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the thread is terminal.
func (t *Thread) Done() <-chan struct{} { return t.done }

// IsOK reports whether a finished thread counts as successful for a waiter.
func (t *Thread) IsOK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Finished || (t.state == Exit && t.exitCode == 0)
}

// Scope returns the innermost scope.
func (t *Thread) Scope() *scope.Scope { return t.scope }

// Recovering reports whether the thread is still replaying its saved frames.
func (t *Thread) Recovering() bool { return t.State() == CheckpointRecover }

// RecoverNext returns the node id of the next saved frame while recovering.
func (t *Thread) RecoverNext() string {
	d := len(t.pc)
	if !t.Recovering() || d >= len(t.recoverPath) {
		return ""
	}
	return t.recoverPath[d].Node
}

// Push puts v on the operand stack.
func (t *Thread) Push(v cty.Value) {
	t.locked(func() { t.stack = append(t.stack, v) })
}

// Pop removes the top of the operand stack. An empty stack yields a null.
func (t *Thread) Pop() cty.Value {
	v := cty.NullVal(cty.DynamicPseudoType)
	t.locked(func() {
		if n := len(t.stack); n > 0 {
			v = t.stack[n-1]
			t.stack = t.stack[:n-1]
		}
	})
	return v
}

// Declare adds a symbol to the innermost scope.
func (t *Thread) Declare(sym scope.Symbol) error {
	var err error
	t.locked(func() { err = t.scope.Add(sym) })
	return err
}

// Eval evaluates e with the checkpoint gate held, so compound statements see
// their conditions evaluated atomically. A nil expression yields null.
func (t *Thread) Eval(e Expression) (cty.Value, error) {
	v := cty.NullVal(cty.DynamicPseudoType)
	if e == nil {
		return v, nil
	}
	var err error
	t.locked(func() { v, err = e.Eval(t) })
	return v, err
}

// locked runs fn with the read side of the checkpoint gate held, taking it
// only if this thread does not hold it already.
func (t *Thread) locked(fn func()) {
	if t.gateHeld {
		fn()
		return
	}
	t.rt.gate.RLock()
	t.gateHeld = true
	defer func() {
		t.gateHeld = false
		t.rt.gate.RUnlock()
	}()
	fn()
}

// Blocking runs fn with the checkpoint gate released, so snapshots can
// proceed while the thread waits. The current statement is replayed on
// resume if a snapshot is taken meanwhile.
func (t *Thread) Blocking(fn func() error) error {
	if !t.gateHeld {
		return fn()
	}
	t.rt.gate.RUnlock()
	defer t.rt.gate.RLock()
	return fn()
}

// Enter opens a frame for n. A non-nil parent opens a new scope nested in it.
// While recovering the saved frame for this depth is reinstated instead, and
// n must be the node that opened it.
func (t *Thread) Enter(n Node, parent *scope.Scope) (*Frame, error) {
	var f *Frame
	var err error
	t.locked(func() {
		d := len(t.pc)
		if t.state == CheckpointRecover {
			if d >= len(t.recoverPath) || t.recoverPath[d].Node != n.NodeID() {
				err = fmt.Errorf("%w: node %s is not on the saved path of thread %s", ErrCheckpointRecover, n.NodeID(), t.ID)
				return
			}
			saved := t.recoverPath[d]
			f = &Frame{Node: saved.Node, Index: saved.Index, Scope: saved.Scope, resumed: true}
			if saved.Scope != "" {
				sc, ok := t.rt.restoredScope(saved.Scope)
				if !ok {
					err = fmt.Errorf("%w: scope %s of node %s not restored", ErrCheckpointRecover, saved.Scope, saved.Node)
					return
				}
				t.scope = sc
				f.sc = sc
			}
			if d == len(t.recoverPath)-1 {
				t.mu.Lock()
				t.state = Running
				t.mu.Unlock()
				t.recoverPath = nil
				t.logger.Debug("Checkpoint position reached.", "node", n.NodeID(), "index", f.Index)
			}
		} else {
			f = &Frame{Node: n.NodeID()}
			if parent != nil {
				sc := t.rt.scopeIDs.New(parent, n.NodeID())
				t.scope = sc
				f.Scope = sc.ID
				f.sc = sc
			}
		}
		t.pc = append(t.pc, f)
	})
	return f, err
}

// Within opens a frame for n, runs fn and unwinds the frame. Function calls
// use it; unlike Run it does not count as a completed child of the caller.
func (t *Thread) Within(n Node, parent *scope.Scope, fn func(f *Frame) error) error {
	depth, saved := len(t.pc), t.scope
	f, err := t.Enter(n, parent)
	if err != nil {
		return err
	}
	defer t.locked(func() {
		t.pc = t.pc[:depth]
		t.scope = saved
	})
	return fn(f)
}

// Call runs the function call opened at site and records its result in the
// enclosing frame. While recovering, results recorded before the snapshot are
// handed out again without running the call, and a call that is not on the
// saved path runs with recovery suspended.
func (t *Thread) Call(site Node, parent *scope.Scope, fn func(f *Frame) (cty.Value, error)) (cty.Value, error) {
	if v, ok := t.replayCall(); ok {
		return v, nil
	}
	var result cty.Value
	body := func(f *Frame) error {
		var err error
		result, err = fn(f)
		return err
	}
	var err error
	if t.Recovering() && t.RecoverNext() != site.NodeID() {
		t.logger.Debug("Running call off the saved path.", "node", site.NodeID())
		err = t.suspendRecovery(func() error { return t.Within(site, parent, body) })
	} else {
		err = t.Within(site, parent, body)
	}
	if err != nil {
		return cty.NilVal, err
	}
	t.locked(func() {
		if n := len(t.pc); n > 0 {
			f := t.pc[n-1]
			f.Calls = append(f.Calls, result)
			f.replay = len(f.Calls)
		}
	})
	return result, nil
}

func (t *Thread) replayCall() (v cty.Value, ok bool) {
	if !t.Recovering() {
		return v, false
	}
	t.locked(func() {
		n := len(t.pc)
		if n == 0 {
			return
		}
		if f := t.pc[n-1]; f.resumed && f.replay < len(f.Calls) {
			v, ok = f.Calls[f.replay], true
			f.replay++
		}
	})
	return v, ok
}

// suspendRecovery runs fn as ordinary code and returns to recovery afterwards
// unless fn ended the thread's run.
func (t *Thread) suspendRecovery(fn func() error) error {
	var path []Frame
	t.locked(func() {
		path = t.recoverPath
		t.recoverPath = nil
	})
	t.SetState(Running)
	err := fn()
	t.locked(func() {
		t.recoverPath = path
		t.mu.Lock()
		if t.state == Running {
			t.state = CheckpointRecover
		}
		t.mu.Unlock()
	})
	return err
}

// CompleteStatement marks the current leaf statement as completed before it
// returns. Checkpoint statements call it so that the snapshot they take
// resumes after them.
func (t *Thread) CompleteStatement() {
	t.locked(func() {
		if t.leafDone {
			return
		}
		t.leafDone = true
		if n := len(t.pc); n > 0 {
			t.pc[n-1].advance()
		}
	})
}

// Run executes s and records it as a completed child of the current frame.
// It is the single dispatch point for statements: errors and panics become
// FATAL_ERROR, and the EXIT of any thread in the tree is observed here.
func (t *Thread) Run(s Statement) {
	if s == nil || !t.proceed() {
		return
	}
	depth, saved := len(t.pc), t.scope
	settle := func() {
		t.pc = t.pc[:depth]
		t.scope = saved
		if !t.leafDone && depth > 0 {
			t.pc[depth-1].advance()
		}
		t.leafDone = false
	}

	var err error
	if _, ok := s.(Compound); ok {
		err = t.execute(s)
		t.locked(settle)
	} else {
		t.locked(func() {
			err = t.execute(s)
			settle()
		})
	}
	if err == nil && t.Recovering() && depth < len(t.recoverPath) {
		err = fmt.Errorf("%w: statement %s completed before the saved position was reached", ErrCheckpointRecover, s.NodeID())
	}
	if err != nil {
		t.fail(s, err)
	}
}

// proceed observes a program exit and reports whether statements may run.
func (t *Thread) proceed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rt.Exiting() && !t.state.IsTerminal() {
		t.state = Exit
		t.exitCode = t.rt.ExitCode()
	}
	return t.state.Proceeds()
}

func (t *Thread) execute(s Statement) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", s.NodeID(), r)
		}
	}()
	return s.Execute(t)
}

func (t *Thread) fail(n Node, err error) {
	t.mu.Lock()
	if t.state == Exit || t.state == FatalError {
		t.mu.Unlock()
		return
	}
	// Blocked statements fail with a cancelled context once the program
	// exits; that is not an error of their own.
	if t.rt.Exiting() {
		t.state = Exit
		t.exitCode = t.rt.ExitCode()
		t.mu.Unlock()
		return
	}
	t.state = FatalError
	t.exitCode = ExitCodeFatal
	t.err = fmt.Errorf("%s: %w", n.NodeID(), err)
	t.mu.Unlock()
	t.logger.Error("Fatal error.", "node", n.NodeID(), "error", err)
}

// Exit stops the whole thread tree with code.
func (t *Thread) Exit(code int) {
	t.mu.Lock()
	t.state = Exit
	t.exitCode = code
	t.mu.Unlock()
	t.rt.exit(code)
}

// Spawn starts a child thread running body with t's current scope as its
// base, and returns it.
func (t *Thread) Spawn(body Statement) *Thread {
	child := t.rt.spawn(t, func(c *Thread) { c.root = body })
	return child
}

// SpawnCall starts a child thread running call with pre-evaluated args.
func (t *Thread) SpawnCall(call Callable, args []cty.Value) *Thread {
	return t.rt.spawn(t, func(c *Thread) {
		c.call = call
		c.args = args
	})
}

// WaitThreads blocks until the given threads (all children when ids is
// empty) are terminal, and reports whether all of them ended successfully.
func (t *Thread) WaitThreads(ids []string) (bool, error) {
	targets := t.Children()
	if len(ids) > 0 {
		targets = targets[:0]
		for _, id := range ids {
			th, ok := t.rt.Thread(id)
			if !ok {
				return false, fmt.Errorf("wait: unknown thread %q", id)
			}
			targets = append(targets, th)
		}
	}
	ctx := t.Context()
	err := t.Blocking(func() error {
		for _, th := range targets {
			select {
			case <-th.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	ok := true
	for _, th := range targets {
		ok = ok && th.IsOK()
	}
	return ok, nil
}

// Wait blocks until the named tasks and threads are terminal. An empty list
// waits for every task and every child thread. It reports whether all of
// them ended successfully.
func (t *Thread) Wait(ids []string) (bool, error) {
	var tasks, threads []string
	for _, id := range ids {
		if _, ok := t.rt.Thread(id); ok {
			threads = append(threads, id)
		} else {
			tasks = append(tasks, id)
		}
	}
	ctx := t.Context()
	sched := t.rt.Scheduler()

	tasksOK := true
	err := t.Blocking(func() error {
		var err error
		if len(ids) == 0 {
			tasksOK, err = sched.WaitAll(ctx)
		} else if len(tasks) > 0 {
			tasksOK, err = sched.Wait(ctx, tasks)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if len(ids) > 0 && len(threads) == 0 {
		return tasksOK, nil
	}
	threadsOK, err := t.WaitThreads(threads)
	if err != nil {
		return false, err
	}
	return tasksOK && threadsOK, nil
}

// main is the body of the thread's goroutine.
func (t *Thread) main() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.state = FatalError
			t.exitCode = ExitCodeFatal
			t.err = fmt.Errorf("panic: %v", r)
			t.mu.Unlock()
		}
		t.report()
	}()

	t.logger.Debug("Thread started.", "state", t.State())
	switch {
	case t.call != nil:
		t.runCall()
	default:
		t.Run(t.root)
	}

	if !t.State().IsTerminal() {
		if _, err := t.WaitThreads(nil); err != nil && !t.rt.Exiting() {
			t.logger.Warn("Waiting for child threads failed.", "error", err)
		}
		t.mu.Lock()
		if !t.state.IsTerminal() {
			t.state = Finished
		}
		t.mu.Unlock()
	}
}

func (t *Thread) runCall() {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in call %s: %v", t.call.NodeID(), r)
			}
		}()
		_, err = t.call.Invoke(t, t.args)
	}()
	if err != nil {
		t.fail(t.call, err)
	}
}

func (t *Thread) report() {
	st := t.State()
	t.logger.Debug("Thread finished.", "state", st, "exitCode", t.ExitCode())
	if st == FatalError && t.parent == nil {
		t.rt.Diagnostic("Fatal error: %v", t.Err())
	} else if st == FatalError {
		t.rt.Diagnostic("Fatal error in thread %s: %v", t.ID, t.Err())
	}
}

// Frames returns a copy of the program counter.
func (t *Thread) Frames() []Frame {
	out := make([]Frame, len(t.pc))
	for i, f := range t.pc {
		out[i] = *f
		out[i].Calls = append([]cty.Value(nil), f.Calls...)
	}
	return out
}
