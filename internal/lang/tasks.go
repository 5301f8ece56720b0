package lang

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/zclconf/go-cty/cty"
)

// DepOperator is `Outputs <- Inputs`. On its own it yields whether the
// outputs need to be rebuilt.
type DepOperator struct {
	Meta
	Outputs run.Expression
	Inputs  run.Expression
}

func (d *DepOperator) children() []run.Node { return kids(d.Outputs, d.Inputs) }

func (d *DepOperator) Eval(t *run.Thread) (cty.Value, error) {
	dep, err := d.dependency(t)
	if err != nil {
		return cty.NilVal, err
	}
	need, err := dep.NeedsUpdate(t.Runtime().Scheduler().PendingOutput)
	if err != nil {
		return cty.NilVal, err
	}
	return cty.BoolVal(need), nil
}

func (d *DepOperator) dependency(t *run.Thread) (task.Dependency, error) {
	var dep task.Dependency
	for _, side := range []struct {
		e   run.Expression
		dst *[]string
	}{{d.Outputs, &dep.Outputs}, {d.Inputs, &dep.Inputs}} {
		if side.e == nil {
			continue
		}
		v, err := side.e.Eval(t)
		if err != nil {
			return dep, err
		}
		if *side.dst, err = Strings(v); err != nil {
			return dep, fmt.Errorf("dependency operator: %w", err)
		}
	}
	return dep, nil
}

// Goal activates the tasks needed to produce Paths and yields their ids in
// execution order.
type Goal struct {
	Meta
	Paths run.Expression
}

func (g *Goal) children() []run.Node { return kids(g.Paths) }

func (g *Goal) Eval(t *run.Thread) (cty.Value, error) {
	v, err := g.Paths.Eval(t)
	if err != nil {
		return cty.NilVal, err
	}
	paths, err := Strings(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("goal: %w", err)
	}
	ids, err := t.Runtime().Scheduler().Goal(t.Context(), paths)
	if err != nil {
		return cty.NilVal, err
	}
	return StringList(ids), nil
}

// TaskOption is one `name := value` entry of a task's option list.
type TaskOption struct {
	Name  string
	Value run.Expression
}

// Task declares a task and yields its id, or an empty string when Dep says
// the outputs are up to date. Options not given explicitly come from the
// variables of the same name in scope.
type Task struct {
	Meta
	Options []TaskOption
	Dep     *DepOperator
	// After holds task ids the task waits for in addition to its inputs.
	After    run.Expression
	Deferred bool
	Program  run.Expression
}

func (k *Task) children() []run.Node {
	ns := []run.Node{k.Dep, k.After, k.Program}
	for _, o := range k.Options {
		ns = append(ns, o.Value)
	}
	return kids(ns...)
}

var optionNames = []string{
	config.OptSystem, config.OptCpus, config.OptMem, config.OptQueue, config.OptNode,
	config.OptRetry, config.OptTimeout, config.OptWallTimeout, config.OptCanFail,
	config.OptAllowEmpty, config.OptTaskName,
}

func (k *Task) Eval(t *run.Thread) (cty.Value, error) {
	opts, err := k.options(t)
	if err != nil {
		return cty.NilVal, err
	}
	var dep task.Dependency
	if k.Dep != nil {
		if dep, err = k.Dep.dependency(t); err != nil {
			return cty.NilVal, err
		}
		need, err := dep.NeedsUpdate(t.Runtime().Scheduler().PendingOutput)
		if err != nil {
			return cty.NilVal, err
		}
		if !need {
			t.Logger().Debug("Task outputs up to date.", "node", k.ID, "outputs", dep.Outputs)
			return cty.StringVal(""), nil
		}
	}
	prog, err := t.Eval(k.Program)
	if err != nil {
		return cty.NilVal, err
	}

	tk, err := k.build(t, opts, Str(prog))
	if err != nil {
		return cty.NilVal, err
	}
	tk.Inputs, tk.Outputs = dep.Inputs, dep.Outputs
	if k.After != nil {
		v, err := k.After.Eval(t)
		if err != nil {
			return cty.NilVal, err
		}
		if tk.After, err = Strings(v); err != nil {
			return cty.NilVal, fmt.Errorf("task after: %w", err)
		}
	}
	if err := t.Runtime().Scheduler().Add(t.Context(), tk); err != nil {
		return cty.NilVal, err
	}
	return cty.StringVal(tk.ID), nil
}

func (k *Task) options(t *run.Thread) (map[string]cty.Value, error) {
	opts := make(map[string]cty.Value, len(optionNames))
	for _, name := range optionNames {
		if sym, ok := t.Scope().Get(name); ok && !sym.IsFunction() {
			opts[name] = sym.Value
		}
	}
	for _, o := range k.Options {
		v, err := o.Value.Eval(t)
		if err != nil {
			return nil, err
		}
		opts[o.Name] = v
	}
	return opts, nil
}

func (k *Task) build(t *run.Thread, opts map[string]cty.Value, program string) (*task.Task, error) {
	str := func(name string) string {
		if v, ok := opts[name]; ok {
			return Str(v)
		}
		return ""
	}
	num := func(name string, def int64) (int64, error) {
		v, ok := opts[name]
		if !ok || v.IsNull() {
			return def, nil
		}
		n, err := Int(v)
		if err != nil {
			return 0, fmt.Errorf("task option %s: %w", name, err)
		}
		return n, nil
	}
	flag := func(name string) (bool, error) {
		v, ok := opts[name]
		if !ok || v.IsNull() {
			return false, nil
		}
		b, err := Bool(v)
		if err != nil {
			return false, fmt.Errorf("task option %s: %w", name, err)
		}
		return b, nil
	}

	cfg := t.Runtime().Config()
	name := str(config.OptTaskName)
	if name == "" {
		name = k.ID
	}
	id := fmt.Sprintf("task.%s.%s", safeName(name), strings.SplitN(uuid.NewString(), "-", 2)[0])
	tk := task.New(id, name, program)
	tk.NodeID = k.ID
	tk.ThreadID = t.ID
	tk.Deferred = k.Deferred
	tk.Dir = cfg.TaskDir
	tk.Resources.System = str(config.OptSystem)
	tk.Resources.Queue = str(config.OptQueue)
	tk.Resources.Node = str(config.OptNode)

	var err error
	var cpus, retry int64
	if cpus, err = num(config.OptCpus, int64(cfg.Cpus)); err != nil {
		return nil, err
	}
	tk.Resources.Cpus = int(cpus)
	if tk.Resources.Mem, err = num(config.OptMem, cfg.Mem); err != nil {
		return nil, err
	}
	if tk.Resources.Timeout, err = num(config.OptTimeout, cfg.Timeout); err != nil {
		return nil, err
	}
	if tk.Resources.WallTimeout, err = num(config.OptWallTimeout, cfg.WallTimeout); err != nil {
		return nil, err
	}
	if retry, err = num(config.OptRetry, int64(cfg.Retry)); err != nil {
		return nil, err
	}
	tk.MaxRetry = int(retry)
	if tk.CanFail, err = flag(config.OptCanFail); err != nil {
		return nil, err
	}
	if tk.AllowEmpty, err = flag(config.OptAllowEmpty); err != nil {
		return nil, err
	}
	if tk.Resources.Cpus < 0 {
		return nil, fmt.Errorf("task option %s must not be negative (%d)", config.OptCpus, tk.Resources.Cpus)
	}
	if tk.MaxRetry < 0 {
		return nil, fmt.Errorf("task option %s must not be negative (%d)", config.OptRetry, tk.MaxRetry)
	}
	return tk, nil
}

// safeName keeps task ids usable as file names.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
