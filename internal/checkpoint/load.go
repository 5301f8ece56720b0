package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/scope"
	"github.com/specialistvlad/bdsgo/internal/task"
)

var (
	// ErrVersion means the file is not a checkpoint of a supported version.
	ErrVersion = errors.New("unsupported checkpoint version")
	// ErrUnresolved means a record refers to an id that is neither in the
	// file nor in the program.
	ErrUnresolved = errors.New("unresolved checkpoint reference")
)

// ScopeRecord is one saved scope with its variables.
type ScopeRecord struct {
	ID     string
	Parent string
	Node   string
	Vars   []scope.Symbol
}

// Checkpoint is the content of a checkpoint file.
type Checkpoint struct {
	Version int
	RunID   string
	SavedAt time.Time
	// Scopes are in file order, parents first. The global scope has no S
	// record and appears with ID scope.GlobalID only if it had variables.
	Scopes  []*ScopeRecord
	Threads []run.ThreadState
	Tasks   []task.Record
}

func (c *Checkpoint) scope(id string) *ScopeRecord {
	for _, s := range c.Scopes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Load reads a checkpoint and resolves every id it holds against the file
// itself and against program. Threads that had not ended are set to
// CHECKPOINT_RECOVER.
func Load(r io.Reader, program run.Program) (*Checkpoint, error) {
	c, err := parse(r)
	if err != nil {
		return nil, err
	}
	if err := c.resolve(program); err != nil {
		return nil, err
	}
	for i := range c.Threads {
		if !c.Threads[i].State.IsTerminal() {
			c.Threads[i].State = run.CheckpointRecover
		}
	}
	return c, nil
}

func parse(r io.Reader) (*Checkpoint, error) {
	c := &Checkpoint{}
	scopes := make(map[string]*ScopeRecord)
	getScope := func(id string) *ScopeRecord {
		s, ok := scopes[id]
		if !ok {
			s = &ScopeRecord{ID: id}
			scopes[id] = s
			c.Scopes = append(c.Scopes, s)
		}
		return s
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if c.Version == 0 {
			if err := c.header(fields); err != nil {
				return nil, err
			}
			continue
		}
		var err error
		switch fields[0] {
		case "S":
			err = parseScope(fields, getScope)
		case "V":
			err = parseVar(fields, getScope)
		case "T":
			var st run.ThreadState
			if st, err = parseThread(fields); err == nil {
				c.Threads = append(c.Threads, st)
			}
		case "K":
			var rec task.Record
			if rec, err = parseTask(fields); err == nil {
				c.Tasks = append(c.Tasks, rec)
			}
		default:
			err = fmt.Errorf("unknown record tag %q", fields[0])
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint line %d: %w", n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	if c.Version == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrVersion)
	}
	return c, nil
}

func (c *Checkpoint) header(f []string) error {
	if len(f) != 4 || f[0] != "H" {
		return fmt.Errorf("%w: missing header", ErrVersion)
	}
	v, err := strconv.Atoi(f[1])
	if err != nil || v != Version {
		return fmt.Errorf("%w: %s (want %d)", ErrVersion, f[1], Version)
	}
	c.Version = v
	if c.RunID, err = unquote(f[2]); err != nil {
		return err
	}
	ts, err := unquote(f[3])
	if err != nil {
		return err
	}
	if c.SavedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return fmt.Errorf("header time: %w", err)
	}
	return nil
}

func want(f []string, n int) error {
	if len(f) != n {
		return fmt.Errorf("%s record has %d fields, want %d", f[0], len(f), n)
	}
	return nil
}

func unquoteAll(fs ...string) ([]string, error) {
	out := make([]string, len(fs))
	for i, f := range fs {
		s, err := unquote(f)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func parseScope(f []string, get func(string) *ScopeRecord) error {
	if err := want(f, 4); err != nil {
		return err
	}
	u, err := unquoteAll(f[1], f[2], f[3])
	if err != nil {
		return err
	}
	s := get(u[0])
	s.Parent, s.Node = u[1], u[2]
	return nil
}

func parseVar(f []string, get func(string) *ScopeRecord) error {
	if err := want(f, 6); err != nil {
		return err
	}
	u, err := unquoteAll(f[1], f[5])
	if err != nil {
		return err
	}
	scopeID, name, ok := strings.Cut(u[0], "/")
	if !ok {
		return fmt.Errorf("bad variable key %q", u[0])
	}
	ty, err := decodeType(f[2])
	if err != nil {
		return fmt.Errorf("variable %s: %w", u[0], err)
	}
	val, err := decodeValue(f[3])
	if err != nil {
		return fmt.Errorf("variable %s: %w", u[0], err)
	}
	constant, err := strconv.ParseBool(f[4])
	if err != nil {
		return fmt.Errorf("variable %s: %w", u[0], err)
	}
	s := get(scopeID)
	s.Vars = append(s.Vars, scope.Symbol{Name: name, Type: ty, Value: val, Constant: constant, Function: u[1]})
	return nil
}

func parseThread(f []string) (run.ThreadState, error) {
	var st run.ThreadState
	if err := want(f, 13); err != nil {
		return st, err
	}
	u, err := unquoteAll(f[1], f[2], f[3], f[6], f[7], f[11])
	if err != nil {
		return st, err
	}
	st.ID, st.ParentID, st.Statement, st.Base, st.Current, st.Call = u[0], u[1], u[2], u[3], u[4], u[5]
	if st.State, err = run.ParseRunState(f[4]); err != nil {
		return st, err
	}
	if st.ExitCode, err = strconv.Atoi(f[5]); err != nil {
		return st, fmt.Errorf("thread %s exit code: %w", st.ID, err)
	}
	var pc []frame
	if err := json.Unmarshal([]byte(f[8]), &pc); err != nil {
		return st, fmt.Errorf("thread %s program counter: %w", st.ID, err)
	}
	for _, fr := range pc {
		rf := run.Frame{Node: fr.Node, Index: fr.Index, Scope: fr.Scope}
		if len(fr.Calls) > 0 {
			if rf.Calls, err = decodeValues(string(fr.Calls)); err != nil {
				return st, fmt.Errorf("thread %s call results at %s: %w", st.ID, fr.Node, err)
			}
		}
		st.PC = append(st.PC, rf)
	}
	if st.Stack, err = decodeValues(f[9]); err != nil {
		return st, fmt.Errorf("thread %s stack: %w", st.ID, err)
	}
	if err := json.Unmarshal([]byte(f[10]), &st.Children); err != nil {
		return st, fmt.Errorf("thread %s children: %w", st.ID, err)
	}
	if st.Args, err = decodeValues(f[12]); err != nil {
		return st, fmt.Errorf("thread %s arguments: %w", st.ID, err)
	}
	return st, nil
}

func parseTask(f []string) (task.Record, error) {
	var rec task.Record
	if err := want(f, 3); err != nil {
		return rec, err
	}
	id, err := unquote(f[1])
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(f[2]), &rec); err != nil {
		return rec, fmt.Errorf("task %s: %w", id, err)
	}
	if rec.ID != id {
		return rec, fmt.Errorf("task record %s holds task %s", id, rec.ID)
	}
	return rec, nil
}

// resolve is the second pass: every id must name a record of the file or a
// node of the program.
func (c *Checkpoint) resolve(program run.Program) error {
	unresolved := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrUnresolved}, args...)...)
	}
	hasScope := func(id string) bool { return id == scope.GlobalID || c.scope(id) != nil }
	hasNode := func(id string) bool {
		_, ok := program.Node(id)
		return ok
	}

	for _, s := range c.Scopes {
		if s.ID != scope.GlobalID && !hasScope(s.Parent) {
			return unresolved("scope %s: parent scope %s", s.ID, s.Parent)
		}
		if s.Node != "" && !hasNode(s.Node) {
			return unresolved("scope %s: node %s", s.ID, s.Node)
		}
		for _, v := range s.Vars {
			if v.Function != "" && !hasNode(v.Function) {
				return unresolved("function %s in scope %s: node %s", v.Name, s.ID, v.Function)
			}
		}
	}

	threads := make(map[string]bool, len(c.Threads))
	for _, st := range c.Threads {
		threads[st.ID] = true
	}
	for _, st := range c.Threads {
		if st.ParentID != "" && !threads[st.ParentID] {
			return unresolved("thread %s: parent %s", st.ID, st.ParentID)
		}
		for _, id := range st.Children {
			if !threads[id] {
				return unresolved("thread %s: child %s", st.ID, id)
			}
		}
		for _, id := range []string{st.Statement, st.Call} {
			if id != "" && !hasNode(id) {
				return unresolved("thread %s: node %s", st.ID, id)
			}
		}
		for _, id := range []string{st.Base, st.Current} {
			if !hasScope(id) {
				return unresolved("thread %s: scope %s", st.ID, id)
			}
		}
		for _, f := range st.PC {
			if !hasNode(f.Node) {
				return unresolved("thread %s: frame node %s", st.ID, f.Node)
			}
			if f.Scope != "" && !hasScope(f.Scope) {
				return unresolved("thread %s: frame scope %s", st.ID, f.Scope)
			}
		}
	}

	tasks := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		tasks[t.ID] = true
	}
	for _, t := range c.Tasks {
		for _, id := range t.After {
			if !tasks[id] {
				return unresolved("task %s: dependency %s", t.ID, id)
			}
		}
		if t.ReplacedBy != "" && !tasks[t.ReplacedBy] {
			return unresolved("task %s: retry %s", t.ID, t.ReplacedBy)
		}
		if t.ThreadID != "" && !threads[t.ThreadID] {
			return unresolved("task %s: thread %s", t.ID, t.ThreadID)
		}
		if t.NodeID != "" && !hasNode(t.NodeID) {
			return unresolved("task %s: node %s", t.ID, t.NodeID)
		}
	}
	return nil
}

// Restore installs a loaded checkpoint into a runtime built for the same
// program. Tasks are registered with the scheduler first, then scopes are
// rebuilt and the threads handed to the runtime. Call rt.Resume afterwards.
func Restore(ctx context.Context, rt *run.Runtime, c *Checkpoint) error {
	logger := ctxlog.FromContext(ctx)

	scopes := make(map[string]*scope.Scope, len(c.Scopes))
	for _, s := range c.Scopes {
		if s.ID == scope.GlobalID {
			continue
		}
		rt.ScopeIDs().Reserve(s.ID)
		scopes[s.ID] = scope.NewWithID(s.ID, nil, s.Node)
	}
	for _, s := range c.Scopes {
		if s.ID == scope.GlobalID {
			for _, v := range s.Vars {
				if v.Constant {
					continue
				}
				if err := rt.Global().Add(v); err != nil {
					return fmt.Errorf("restore global %s: %w", v.Name, err)
				}
			}
			continue
		}
		sc := scopes[s.ID]
		if s.Parent == scope.GlobalID {
			sc.SetParent(rt.Global())
		} else {
			sc.SetParent(scopes[s.Parent])
		}
		for _, v := range s.Vars {
			if err := sc.Add(v); err != nil {
				return fmt.Errorf("restore %s in scope %s: %w", v.Name, s.ID, err)
			}
		}
	}

	tasks := make([]*task.Task, 0, len(c.Tasks))
	for _, rec := range c.Tasks {
		t, err := task.FromRecord(rec)
		if err != nil {
			return fmt.Errorf("restore task %s: %w", rec.ID, err)
		}
		tasks = append(tasks, t)
	}

	if err := rt.Restore(scopes, c.Threads); err != nil {
		return err
	}
	rt.ID = c.RunID
	if err := rt.Scheduler().Restore(ctx, tasks); err != nil {
		return err
	}
	logger.Info("Checkpoint restored.", "runID", c.RunID, "savedAt", c.SavedAt, "threads", len(c.Threads), "tasks", len(tasks))
	return nil
}
