package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/scheduler"
	"github.com/specialistvlad/bdsgo/internal/scope"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/zclconf/go-cty/cty"
)

// Exit codes of a whole run.
const (
	ExitOK          = 0
	ExitTaskFailure = 1
)

// Checkpointer persists a snapshot of the runtime.
type Checkpointer interface {
	SaveFile(ctx context.Context, rt *Runtime, path string) error
}

// Backends is the executioner registry as seen by the runtime.
type Backends interface {
	Shutdown(ctx context.Context) error
}

// Options configures a Runtime. Scheduler is required.
type Options struct {
	Config       *config.Config
	Scheduler    *scheduler.Scheduler
	Backends     Backends
	Natives      map[string]Native
	Stdout       io.Writer
	Stderr       io.Writer
	Checkpointer Checkpointer
	// CheckpointFile is where checkpoint statements without a file name and
	// failed waits write.
	CheckpointFile string
}

// Runtime is the context object of one program run. It owns the thread
// table, the checkpoint gate and the program's global scope.
type Runtime struct {
	ID string

	cfg          *config.Config
	program      Program
	sched        *scheduler.Scheduler
	backends     Backends
	natives      map[string]Native
	stdout       io.Writer
	stderr       io.Writer
	checkpointer Checkpointer
	chpFile      string
	global       *scope.Scope
	scopeIDs     scope.IDs

	gate sync.RWMutex

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	log      *slog.Logger
	threads  map[string]*Thread
	order    []string
	root     *Thread
	restored map[string]*scope.Scope
	wg       *conc.WaitGroup

	outMu    sync.Mutex
	exiting  atomic.Bool
	exitCode atomic.Int64
}

// New builds a runtime for program. The global scope is filled from the
// configuration's task options and constants.
func New(program Program, opts Options) (*Runtime, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("runtime needs a scheduler")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	var bindings []scope.Binding
	for _, s := range cfg.GlobalSymbols() {
		bindings = append(bindings, scope.Binding{Name: s.Name, Value: s.Value, Constant: s.Constant})
	}
	global, err := scope.NewGlobal(bindings)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		ID:           uuid.NewString(),
		cfg:          cfg,
		program:      program,
		sched:        opts.Scheduler,
		backends:     opts.Backends,
		natives:      opts.Natives,
		stdout:       opts.Stdout,
		stderr:       opts.Stderr,
		checkpointer: opts.Checkpointer,
		chpFile:      opts.CheckpointFile,
		global:       global,
		ctx:          context.Background(),
		threads:      make(map[string]*Thread),
		wg:           conc.NewWaitGroup(),
	}
	if rt.stdout == nil {
		rt.stdout = os.Stdout
	}
	if rt.stderr == nil {
		rt.stderr = os.Stderr
	}
	if rt.natives == nil {
		rt.natives = make(map[string]Native)
	}
	if rt.chpFile == "" {
		rt.chpFile = "bds.chp"
	}
	return rt, nil
}

// Config returns the run's configuration.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Program returns the program being run.
func (rt *Runtime) Program() Program { return rt.program }

// Scheduler returns the task scheduler.
func (rt *Runtime) Scheduler() *scheduler.Scheduler { return rt.sched }

// ScopeIDs returns the allocator of the run's scope ids.
func (rt *Runtime) ScopeIDs() *scope.IDs { return &rt.scopeIDs }

// Global returns the global scope.
func (rt *Runtime) Global() *scope.Scope { return rt.global }

// Native looks up a Go function by name.
func (rt *Runtime) Native(name string) (Native, bool) {
	n, ok := rt.natives[name]
	return n, ok
}

// CheckpointFile is the default checkpoint path.
func (rt *Runtime) CheckpointFile() string { return rt.chpFile }

// Print writes s to the program's stdout.
func (rt *Runtime) Print(s string) {
	rt.outMu.Lock()
	defer rt.outMu.Unlock()
	_, _ = io.WriteString(rt.stdout, s)
}

// Diagnostic prints one line on the program's stderr.
func (rt *Runtime) Diagnostic(format string, args ...any) {
	rt.outMu.Lock()
	defer rt.outMu.Unlock()
	fmt.Fprintf(rt.stderr, format+"\n", args...)
}

func (rt *Runtime) context() context.Context {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.ctx
}

func (rt *Runtime) logger() *slog.Logger {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.log == nil {
		return slog.Default()
	}
	return rt.log
}

// Exiting reports whether some thread executed exit.
func (rt *Runtime) Exiting() bool { return rt.exiting.Load() }

// ExitCode is the value of the first exit.
func (rt *Runtime) ExitCode() int { return int(rt.exitCode.Load()) }

func (rt *Runtime) exit(code int) {
	if rt.exiting.CompareAndSwap(false, true) {
		rt.exitCode.Store(int64(code))
		rt.logger().Debug("Program exit requested.", "exitCode", code)
		rt.mu.Lock()
		cancel := rt.cancel
		rt.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// Thread returns a thread by id.
func (rt *Runtime) Thread(id string) (*Thread, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.threads[id]
	return t, ok
}

// Threads returns every thread in creation order.
func (rt *Runtime) Threads() []*Thread {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Thread, 0, len(rt.order))
	for _, id := range rt.order {
		out = append(out, rt.threads[id])
	}
	return out
}

// Root returns the root thread once the run has started or been restored.
func (rt *Runtime) Root() *Thread {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.root
}

func (rt *Runtime) register(t *Thread) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.threads[t.ID] = t
	rt.order = append(rt.order, t.ID)
	if t.parent == nil {
		rt.root = t
	}
}

func (rt *Runtime) spawn(parent *Thread, setup func(*Thread)) *Thread {
	var child *Thread
	parent.locked(func() {
		parent.mu.Lock()
		id := fmt.Sprintf("%s.%d", parent.ID, len(parent.children)+1)
		child = newThread(rt, id, parent, parent.scope)
		setup(child)
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
		rt.register(child)
	})
	child.logger.Debug("Thread spawned.", "parent", parent.ID)
	rt.wg.Go(child.main)
	return child
}

func (rt *Runtime) restoredScope(id string) (*scope.Scope, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sc, ok := rt.restored[id]
	return sc, ok
}

// Run interprets the program from the start, waits for every task and
// returns the process exit code.
func (rt *Runtime) Run(ctx context.Context) (int, error) {
	root := newThread(rt, "t0", nil, rt.global)
	root.root = rt.program.Root()
	rt.register(root)
	return rt.execute(ctx, root)
}

// Resume continues a run restored with Restore.
func (rt *Runtime) Resume(ctx context.Context) (int, error) {
	root := rt.Root()
	if root == nil {
		return 0, errors.New("resume: nothing restored")
	}
	return rt.execute(ctx, root)
}

func (rt *Runtime) execute(ctx context.Context, root *Thread) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.mu.Lock()
	rt.ctx = runCtx
	rt.cancel = cancel
	rt.log = ctxlog.FromContext(ctx).With("runID", rt.ID)
	rt.mu.Unlock()
	logger := rt.logger()

	rt.sched.Start(ctx)
	defer rt.sched.Stop()

	// Threads restored from a checkpoint other than the root get their own
	// goroutines; the root runs here.
	for _, t := range rt.Threads() {
		if t != root && !t.State().IsTerminal() && !isClosed(t.done) {
			rt.wg.Go(t.main)
		}
	}
	logger.Info("Program started.", "resume", root.State() == CheckpointRecover)
	if !isClosed(root.done) {
		root.main()
	}

	code, err := rt.finish(ctx, root)
	rt.wg.Wait()
	if rt.backends != nil {
		if serr := rt.backends.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("Shutting down executioners failed.", "error", serr)
		}
	}
	sum := rt.sched.Summary()
	logger.Info("Program finished.", "exitCode", code, "tasks", sum.Total, "done", sum.Done, "failed", sum.Failed)
	return code, err
}

// finish decides the exit code once the root thread has stopped. A root that
// exited or failed kills every task; a root that finished waits for them.
func (rt *Runtime) finish(ctx context.Context, root *Thread) (int, error) {
	logger := rt.logger()
	switch root.State() {
	case Exit:
		rt.sched.KillAll(ctx)
		return root.ExitCode(), nil
	case FatalError:
		code := root.ExitCode()
		if code == 0 {
			code = ExitCodeFatal
		}
		rt.exit(code)
		rt.sched.KillAll(ctx)
		return code, nil
	}
	if rt.Exiting() {
		rt.sched.KillAll(ctx)
		return rt.ExitCode(), nil
	}

	ok, err := rt.sched.WaitAll(rt.context())
	if err != nil {
		return ExitTaskFailure, fmt.Errorf("waiting for tasks: %w", err)
	}
	if !ok {
		sum := rt.sched.Summary()
		logger.Error("Tasks failed.", "failed", sum.Failed, "names", sum.FailedNames)
		rt.Diagnostic("Error: %d task(s) failed: %v", sum.Failed, sum.FailedNames)
		return ExitTaskFailure, nil
	}
	return ExitOK, nil
}

// Checkpoint writes a checkpoint to path, or to the default file when path is
// empty. The caller must not hold the gate.
func (rt *Runtime) Checkpoint(ctx context.Context, path string) (string, error) {
	if rt.checkpointer == nil {
		return "", errors.New("checkpoints are not enabled")
	}
	if path == "" {
		path = rt.chpFile
	}
	if err := rt.checkpointer.SaveFile(ctx, rt, path); err != nil {
		return "", err
	}
	rt.logger().Info("Checkpoint written.", "path", path)
	return path, nil
}

// ThreadState is the serializable state of one thread.
type ThreadState struct {
	ID        string
	ParentID  string
	Statement string
	State     RunState
	ExitCode  int
	Base      string
	Current   string
	PC        []Frame
	Stack     []cty.Value
	Children  []string
	Call      string
	Args      []cty.Value
}

// Snapshot is a consistent view of the runtime. Scopes are ordered parents
// first.
type Snapshot struct {
	RunID   string
	Scopes  []*scope.Scope
	Threads []ThreadState
	Tasks   []*task.Task
}

// Snapshot pauses every thread at a safe point and calls fn with the state.
// Threads stay paused until fn returns.
func (rt *Runtime) Snapshot(fn func(*Snapshot) error) error {
	rt.gate.Lock()
	defer rt.gate.Unlock()

	snap := &Snapshot{RunID: rt.ID, Tasks: rt.sched.Tasks()}
	scopes := make(map[string]*scope.Scope)
	collect := func(sc *scope.Scope) {
		for _, s := range sc.Chain() {
			scopes[s.ID] = s
		}
	}
	for _, t := range rt.Threads() {
		st := ThreadState{
			ID:       t.ID,
			State:    t.State(),
			ExitCode: t.ExitCode(),
			Base:     t.base.ID,
			Current:  t.scope.ID,
			PC:       t.Frames(),
			Stack:    append([]cty.Value(nil), t.stack...),
			Args:     append([]cty.Value(nil), t.args...),
		}
		if t.parent != nil {
			st.ParentID = t.parent.ID
		}
		if t.root != nil {
			st.Statement = t.root.NodeID()
		}
		if t.call != nil {
			st.Call = t.call.NodeID()
		}
		for _, c := range t.Children() {
			st.Children = append(st.Children, c.ID)
		}
		collect(t.base)
		collect(t.scope)
		for _, f := range t.pc {
			if f.sc != nil {
				collect(f.sc)
			}
		}
		snap.Threads = append(snap.Threads, st)
	}

	for _, sc := range scopes {
		snap.Scopes = append(snap.Scopes, sc)
	}
	sort.Slice(snap.Scopes, func(i, j int) bool {
		di, dj := len(snap.Scopes[i].Chain()), len(snap.Scopes[j].Chain())
		if di != dj {
			return di < dj
		}
		return snap.Scopes[i].ID < snap.Scopes[j].ID
	})
	return fn(snap)
}

// Restore installs threads loaded from a checkpoint. Scopes maps every saved
// scope id to its rebuilt scope. Threads that were not terminal continue in
// CHECKPOINT_RECOVER when Resume is called.
func (rt *Runtime) Restore(scopes map[string]*scope.Scope, states []ThreadState) error {
	rt.mu.Lock()
	rt.restored = scopes
	rt.mu.Unlock()

	lookupScope := func(id string) (*scope.Scope, error) {
		if id == scope.GlobalID {
			return rt.global, nil
		}
		sc, ok := scopes[id]
		if !ok {
			return nil, fmt.Errorf("restore: unknown scope %q", id)
		}
		return sc, nil
	}

	built := make(map[string]*Thread, len(states))
	for _, st := range states {
		base, err := lookupScope(st.Base)
		if err != nil {
			return err
		}
		if _, err := lookupScope(st.Current); err != nil {
			return err
		}
		// Recovery starts from the base scope and re-enters the saved frames.
		t := newThread(rt, st.ID, nil, base)
		t.exitCode = st.ExitCode
		t.stack = append([]cty.Value(nil), st.Stack...)
		t.args = append([]cty.Value(nil), st.Args...)
		if st.Statement != "" {
			n, ok := rt.program.Node(st.Statement)
			s, isStmt := n.(Statement)
			if !ok || !isStmt {
				return fmt.Errorf("restore: thread %s: unknown statement %q", st.ID, st.Statement)
			}
			t.root = s
		}
		if st.Call != "" {
			n, ok := rt.program.Node(st.Call)
			c, isCall := n.(Callable)
			if !ok || !isCall {
				return fmt.Errorf("restore: thread %s: unknown call %q", st.ID, st.Call)
			}
			t.call = c
		}
		if t.root == nil && t.call == nil && !st.State.IsTerminal() {
			if st.ParentID != "" {
				return fmt.Errorf("restore: thread %s has neither a statement nor a call to run", st.ID)
			}
			t.root = rt.program.Root()
		}
		switch {
		case st.State.IsTerminal():
			t.state = st.State
			close(t.done)
		case len(st.PC) == 0:
			t.state = Running
		default:
			t.state = CheckpointRecover
			t.recoverPath = append([]Frame(nil), st.PC...)
		}
		built[st.ID] = t
	}

	for _, st := range states {
		t := built[st.ID]
		if st.ParentID != "" {
			p, ok := built[st.ParentID]
			if !ok {
				return fmt.Errorf("restore: thread %s: unknown parent %q", st.ID, st.ParentID)
			}
			t.parent = p
		}
		for _, cid := range st.Children {
			c, ok := built[cid]
			if !ok {
				return fmt.Errorf("restore: thread %s: unknown child %q", st.ID, cid)
			}
			t.children = append(t.children, c)
		}
	}
	for _, st := range states {
		rt.register(built[st.ID])
	}
	if rt.Root() == nil {
		return errors.New("restore: no root thread")
	}
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
