package lang

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/scope"
	"github.com/zclconf/go-cty/cty"
)

// Param is one declared function parameter.
type Param struct {
	Name string
	Type cty.Type
}

// FunctionDeclaration binds Name in the current scope. The binding refers to
// the declaration by node id, so it survives checkpoints.
type FunctionDeclaration struct {
	Meta
	Name    string
	Params  []Param
	Returns cty.Type
	Body    *Block
}

func (d *FunctionDeclaration) children() []run.Node { return kids(d.Body) }

func (d *FunctionDeclaration) Execute(t *run.Thread) error {
	return t.Declare(scope.Symbol{
		Name:     d.Name,
		Type:     cty.DynamicPseudoType,
		Value:    cty.NullVal(cty.DynamicPseudoType),
		Function: d.ID,
	})
}

// errHalted reports that the callee ended the thread. The thread already
// carries the outcome, so the caller only has to stop.
var errHalted = errors.New("thread halted inside function call")

// call runs the body in a scope nested in the declaring scope. Parameters are
// only declared on a fresh call; a resumed frame already has them.
func (d *FunctionDeclaration) call(t *run.Thread, site run.Node, decl *scope.Scope, args []cty.Value) (cty.Value, error) {
	if len(args) != len(d.Params) {
		return cty.NilVal, fmt.Errorf("function %s expects %d arguments, got %d", d.Name, len(d.Params), len(args))
	}
	return t.Call(site, decl, func(f *run.Frame) (cty.Value, error) {
		if !f.Resumed() {
			for i, p := range d.Params {
				ty := p.Type
				if ty == cty.NilType {
					ty = cty.DynamicPseudoType
				}
				if err := t.Declare(scope.Symbol{Name: p.Name, Type: ty, Value: args[i]}); err != nil {
					return cty.NilVal, fmt.Errorf("function %s: %w", d.Name, err)
				}
			}
		}
		result := Zero(d.Returns)
		t.Run(d.Body)
		switch t.State() {
		case run.Return:
			t.SetState(run.Running)
			result = t.Pop()
		case run.FatalError, run.Exit:
			return cty.NilVal, errHalted
		case run.Break, run.Continue:
			t.SetState(run.Running)
		}
		if d.Returns != cty.NilType && d.Returns != cty.DynamicPseudoType && !result.IsNull() {
			return castTo(result, d.Returns)
		}
		return result, nil
	})
}

// FunctionCall calls a user function by name.
type FunctionCall struct {
	Meta
	Name string
	Args []run.Expression
}

func (c *FunctionCall) children() []run.Node { return exprs(c.Args) }

func (c *FunctionCall) Eval(t *run.Thread) (cty.Value, error) {
	args, err := evalArgs(t, c.Args)
	if err != nil {
		return cty.NilVal, err
	}
	return c.Invoke(t, args)
}

// Invoke runs the call with arguments already evaluated.
func (c *FunctionCall) Invoke(t *run.Thread, args []cty.Value) (cty.Value, error) {
	decl, d, err := c.resolve(t)
	if err != nil {
		return cty.NilVal, err
	}
	return d.call(t, c, decl, args)
}

func (c *FunctionCall) resolve(t *run.Thread) (*scope.Scope, *FunctionDeclaration, error) {
	decl, sym, ok := t.Scope().Lookup(c.Name)
	if !ok || !sym.IsFunction() {
		return nil, nil, fmt.Errorf("undefined function %q", c.Name)
	}
	n, ok := t.Runtime().Program().Node(sym.Function)
	if !ok {
		return nil, nil, fmt.Errorf("function %q refers to unknown node %s", c.Name, sym.Function)
	}
	d, ok := n.(*FunctionDeclaration)
	if !ok {
		return nil, nil, fmt.Errorf("node %s of %q is not a function declaration", sym.Function, c.Name)
	}
	return decl, d, nil
}

// NativeCall calls a function registered with the runtime.
type NativeCall struct {
	Meta
	Name string
	Args []run.Expression
}

func (c *NativeCall) children() []run.Node { return exprs(c.Args) }

func (c *NativeCall) Eval(t *run.Thread) (cty.Value, error) {
	fn, ok := t.Runtime().Native(c.Name)
	if !ok {
		return cty.NilVal, fmt.Errorf("undefined native function %q", c.Name)
	}
	args, err := evalArgs(t, c.Args)
	if err != nil {
		return cty.NilVal, err
	}
	v, err := fn(t, args)
	if err != nil {
		return cty.NilVal, fmt.Errorf("%s: %w", c.Name, err)
	}
	return v, nil
}

// ParCall runs Call on a new thread and yields the thread id. Arguments are
// evaluated by the caller.
type ParCall struct {
	Meta
	Call *FunctionCall
}

func (c *ParCall) children() []run.Node { return kids(c.Call) }

func (c *ParCall) Eval(t *run.Thread) (cty.Value, error) {
	if c.Call == nil {
		return cty.NilVal, errors.New("par without a function call")
	}
	if _, _, err := c.Call.resolve(t); err != nil {
		return cty.NilVal, err
	}
	args, err := evalArgs(t, c.Call.Args)
	if err != nil {
		return cty.NilVal, err
	}
	child := t.SpawnCall(c.Call, args)
	return cty.StringVal(child.ID), nil
}

func evalArgs(t *run.Thread, es []run.Expression) ([]cty.Value, error) {
	args := make([]cty.Value, len(es))
	for i, e := range es {
		v, err := e.Eval(t)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}
