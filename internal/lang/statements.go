package lang

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/scope"
	"github.com/zclconf/go-cty/cty"
)

// Block runs its statements in a fresh scope.
type Block struct {
	Meta
	run.CompoundNode
	Stmts []run.Statement
}

func (b *Block) children() []run.Node { return stmts(b.Stmts) }

// Execute runs the statements from the frame's resume index and stops at the
// first one that leaves the thread in a non-proceeding state.
func (b *Block) Execute(t *run.Thread) error {
	f, err := t.Enter(b, t.Scope())
	if err != nil {
		return err
	}
	for i := f.Index; i < len(b.Stmts); i++ {
		t.Run(b.Stmts[i])
		if !t.State().Proceeds() {
			return nil
		}
	}
	return nil
}

// VarDeclaration declares Name in the current scope. Without Init the
// variable holds the zero value of Type.
type VarDeclaration struct {
	Meta
	Name string
	Type cty.Type
	Init run.Expression
}

func (d *VarDeclaration) children() []run.Node { return kids(d.Init) }

func (d *VarDeclaration) Execute(t *run.Thread) error {
	v := Zero(d.Type)
	if d.Init != nil {
		var err error
		if v, err = d.Init.Eval(t); err != nil {
			return err
		}
	}
	ty := d.Type
	if ty == cty.NilType {
		ty = cty.DynamicPseudoType
	}
	return t.Declare(scope.Symbol{Name: d.Name, Type: ty, Value: v})
}

// ExprStatement evaluates X for its side effects.
type ExprStatement struct {
	Meta
	X run.Expression
}

func (s *ExprStatement) children() []run.Node { return kids(s.X) }

func (s *ExprStatement) Execute(t *run.Thread) error {
	_, err := t.Eval(s.X)
	return err
}

// If runs Then or Else.
type If struct {
	Meta
	run.CompoundNode
	Cond run.Expression
	Then run.Statement
	Else run.Statement
}

func (s *If) children() []run.Node { return kids(s.Cond, s.Then, s.Else) }

func (s *If) Execute(t *run.Thread) error {
	f, err := t.Enter(s, nil)
	if err != nil {
		return err
	}
	if f.Index > 0 {
		return nil
	}
	if t.Recovering() {
		// Otherwise the saved position lies in a call made by the condition.
		switch next := t.RecoverNext(); {
		case present(s.Then) && next == s.Then.NodeID():
			t.Run(s.Then)
			return nil
		case present(s.Else) && next == s.Else.NodeID():
			t.Run(s.Else)
			return nil
		}
	}
	v, err := t.Eval(s.Cond)
	if err != nil {
		return err
	}
	if err := lostPosition(t, s.ID); err != nil {
		return err
	}
	cond, err := Bool(v)
	if err != nil {
		return fmt.Errorf("if condition: %w", err)
	}
	if cond {
		t.Run(nonNil(s.Then))
	} else {
		t.Run(nonNil(s.Else))
	}
	return nil
}

// For is the C-style loop. Its frame index encodes progress: 0 means Init
// has not run, odd values mean the condition and body are next and even
// values mean Update is next.
type For struct {
	Meta
	run.CompoundNode
	Init   run.Statement
	Cond   run.Expression
	Update run.Statement
	Body   run.Statement
}

func (s *For) children() []run.Node { return kids(s.Init, s.Cond, s.Update, s.Body) }

func (s *For) Execute(t *run.Thread) error {
	f, err := t.Enter(s, t.Scope())
	if err != nil {
		return err
	}
	if f.Index == 0 {
		t.Run(orNop(s.Init))
	}
	for t.State().Proceeds() {
		if f.Index%2 == 0 {
			t.Run(orNop(s.Update))
			continue
		}
		if s.Cond != nil && !resumesAt(t, s.Body) {
			ok, err := evalBool(t, s.Cond)
			if err != nil {
				return fmt.Errorf("for condition: %w", err)
			}
			if err := lostPosition(t, s.ID); err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		t.Run(orNop(s.Body))
		if stop := loopControl(t); stop {
			return nil
		}
	}
	return nil
}

// While repeats Body while Cond holds.
type While struct {
	Meta
	run.CompoundNode
	Cond run.Expression
	Body run.Statement
}

func (s *While) children() []run.Node { return kids(s.Cond, s.Body) }

func (s *While) Execute(t *run.Thread) error {
	if _, err := t.Enter(s, nil); err != nil {
		return err
	}
	for t.State().Proceeds() {
		if !resumesAt(t, s.Body) {
			ok, err := evalBool(t, s.Cond)
			if err != nil {
				return fmt.Errorf("while condition: %w", err)
			}
			if err := lostPosition(t, s.ID); err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		t.Run(orNop(s.Body))
		if stop := loopControl(t); stop {
			return nil
		}
	}
	return nil
}

// ForList binds Var to each element of List in turn. Maps iterate their
// keys. The list is evaluated again when a checkpoint is resumed and the
// iteration continues at the saved index.
type ForList struct {
	Meta
	run.CompoundNode
	Var  string
	List run.Expression
	Body run.Statement
}

func (s *ForList) children() []run.Node { return kids(s.List, s.Body) }

func (s *ForList) Execute(t *run.Thread) error {
	f, err := t.Enter(s, t.Scope())
	if err != nil {
		return err
	}
	v, err := t.Eval(s.List)
	if err != nil {
		return err
	}
	elems, err := elements(v)
	if err != nil {
		return fmt.Errorf("for %s: %w", s.Var, err)
	}
	for i := f.Index; i < len(elems); i++ {
		if err := t.Declare(scope.Symbol{Name: s.Var, Type: cty.DynamicPseudoType, Value: elems[i]}); err != nil {
			return err
		}
		t.Run(orNop(s.Body))
		if stop := loopControl(t); stop {
			return nil
		}
	}
	return nil
}

// resumesAt reports whether recovery continues into s, in which case the
// condition guarding s was already true when the snapshot was taken.
func resumesAt(t *run.Thread, s run.Statement) bool {
	return t.Recovering() && present(s) && t.RecoverNext() == s.NodeID()
}

// lostPosition fails a statement that is still recovering after its
// condition ran, since the saved position is then in none of its parts.
func lostPosition(t *run.Thread, id string) error {
	if !t.Recovering() {
		return nil
	}
	return fmt.Errorf("%w: saved position %q is not inside %s", run.ErrCheckpointRecover, t.RecoverNext(), id)
}

func elements(v cty.Value) ([]cty.Value, error) {
	if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !v.CanIterateElements() {
		return nil, fmt.Errorf("cannot iterate over %s", ty.FriendlyName())
	}
	var out []cty.Value
	for it := v.ElementIterator(); it.Next(); {
		k, e := it.Element()
		if ty.IsMapType() || ty.IsObjectType() {
			out = append(out, k)
		} else {
			out = append(out, e)
		}
	}
	return out, nil
}

// loopControl consumes BREAK and CONTINUE after a loop body and reports
// whether the loop must stop.
func loopControl(t *run.Thread) bool {
	switch t.State() {
	case run.Break:
		t.SetState(run.Running)
		return true
	case run.Continue:
		t.SetState(run.Running)
		return false
	case run.Running, run.CheckpointRecover:
		return false
	default:
		return true
	}
}

func evalBool(t *run.Thread, e run.Expression) (bool, error) {
	v, err := t.Eval(e)
	if err != nil {
		return false, err
	}
	return Bool(v)
}

// Break leaves the nearest loop.
type Break struct{ Meta }

func (*Break) children() []run.Node { return nil }

func (*Break) Execute(t *run.Thread) error {
	t.SetState(run.Break)
	return nil
}

// Continue skips to the next iteration of the nearest loop.
type Continue struct{ Meta }

func (*Continue) children() []run.Node { return nil }

func (*Continue) Execute(t *run.Thread) error {
	t.SetState(run.Continue)
	return nil
}

// Return leaves the current function, pushing X.
type Return struct {
	Meta
	X run.Expression
}

func (s *Return) children() []run.Node { return kids(s.X) }

func (s *Return) Execute(t *run.Thread) error {
	v, err := t.Eval(s.X)
	if err != nil {
		return err
	}
	t.Push(v)
	t.SetState(run.Return)
	return nil
}

// Exit stops the program with the value of X, 0 when absent.
type Exit struct {
	Meta
	X run.Expression
}

func (s *Exit) children() []run.Node { return kids(s.X) }

func (s *Exit) Execute(t *run.Thread) error {
	code := int64(0)
	if s.X != nil {
		v, err := s.X.Eval(t)
		if err != nil {
			return err
		}
		if code, err = Int(v); err != nil {
			return fmt.Errorf("exit: %w", err)
		}
	}
	t.Exit(int(code))
	return nil
}

// Error prints its message and exits with code 1.
type Error struct {
	Meta
	X run.Expression
}

func (s *Error) children() []run.Node { return kids(s.X) }

func (s *Error) Execute(t *run.Thread) error {
	v, err := t.Eval(s.X)
	if err != nil {
		return err
	}
	t.Runtime().Diagnostic("Error: %s", Str(v))
	t.Exit(1)
	return nil
}

// Print writes X to the runtime's stdout.
type Print struct {
	Meta
	X       run.Expression
	Newline bool
}

func (s *Print) children() []run.Node { return kids(s.X) }

func (s *Print) Execute(t *run.Thread) error {
	v, err := t.Eval(s.X)
	if err != nil {
		return err
	}
	out := Str(v)
	if s.Newline {
		out += "\n"
	}
	t.Runtime().Print(out)
	return nil
}

// Checkpoint saves the whole runtime to File, or to the default checkpoint
// file. A resumed program continues after this statement.
type Checkpoint struct {
	Meta
	File run.Expression
}

func (s *Checkpoint) children() []run.Node { return kids(s.File) }

func (s *Checkpoint) Execute(t *run.Thread) error {
	path := ""
	if s.File != nil {
		v, err := s.File.Eval(t)
		if err != nil {
			return err
		}
		path = Str(v)
	}
	t.CompleteStatement()
	return t.Blocking(func() error {
		_, err := t.Runtime().Checkpoint(t.Context(), path)
		return err
	})
}

// Par runs Body on a new thread.
type Par struct {
	Meta
	Body run.Statement
}

func (s *Par) children() []run.Node { return kids(s.Body) }

func (s *Par) Execute(t *run.Thread) error {
	t.Spawn(orNop(s.Body))
	return nil
}

// Wait blocks until the listed tasks and threads finish, or until every task
// and child thread finishes when IDs is absent. A failure is fatal; with
// checkpoint_on_failure a checkpoint is written first so that a resumed run
// retries the wait.
type Wait struct {
	Meta
	IDs run.Expression
}

func (s *Wait) children() []run.Node { return kids(s.IDs) }

// ErrWaitFailed is returned by a wait statement whose tasks or threads failed.
var ErrWaitFailed = errors.New("wait failed")

func (s *Wait) Execute(t *run.Thread) error {
	ids, err := waitIDs(t, s.IDs)
	if err != nil {
		return err
	}
	ok, err := t.Wait(ids)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	rt := t.Runtime()
	if rt.Config().CheckpointOnFailure {
		err := t.Blocking(func() error {
			path, err := rt.Checkpoint(t.Context(), "")
			if err == nil {
				rt.Diagnostic("Checkpoint saved to %s", path)
			}
			return err
		})
		if err != nil {
			t.Logger().Warn("Checkpoint on failure not written.", "error", err)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one task or thread failed", ErrWaitFailed)
	}
	return fmt.Errorf("%w: %v", ErrWaitFailed, ids)
}

func waitIDs(t *run.Thread, e run.Expression) ([]string, error) {
	if e == nil {
		return nil, nil
	}
	v, err := e.Eval(t)
	if err != nil {
		return nil, err
	}
	return Strings(v)
}

// Kill stops the listed tasks.
type Kill struct {
	Meta
	IDs run.Expression
}

func (s *Kill) children() []run.Node { return kids(s.IDs) }

func (s *Kill) Execute(t *run.Thread) error {
	ids, err := waitIDs(t, s.IDs)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := t.Runtime().Thread(id); ok {
			return fmt.Errorf("kill: %s is a thread, only tasks can be killed", id)
		}
		if err := t.Runtime().Scheduler().Kill(t.Context(), id); err != nil {
			return err
		}
	}
	return nil
}

// nop stands in for absent loop parts so they still count as a step.
type nop struct{ Meta }

func (*nop) children() []run.Node { return nil }
func (*nop) Execute(*run.Thread) error { return nil }

var noop = &nop{Meta{ID: "nop"}}

func present(s run.Statement) bool { return len(kids(s)) == 1 }

func orNop(s run.Statement) run.Statement {
	if present(s) {
		return s
	}
	return noop
}

func nonNil(s run.Statement) run.Statement {
	if present(s) {
		return s
	}
	return nil
}
