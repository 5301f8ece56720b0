package lang

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Literal is a constant value.
type Literal struct {
	Meta
	Value cty.Value
}

func (*Literal) children() []run.Node { return nil }

func (l *Literal) Eval(*run.Thread) (cty.Value, error) { return l.Value, nil }

// List builds a list, or a tuple when the elements differ in type.
type List struct {
	Meta
	Elems []run.Expression
}

func (l *List) children() []run.Node { return exprs(l.Elems) }

func (l *List) Eval(t *run.Thread) (cty.Value, error) {
	vals, err := evalArgs(t, l.Elems)
	if err != nil {
		return cty.NilVal, err
	}
	if len(vals) == 0 {
		return cty.EmptyTupleVal, nil
	}
	ty, convs := convert.Unify(types(vals))
	if ty == cty.NilType || ty == cty.DynamicPseudoType {
		return cty.TupleVal(vals), nil
	}
	out := make([]cty.Value, len(vals))
	for i, v := range vals {
		out[i] = v
		if convs[i] == nil {
			continue
		}
		if out[i], err = convs[i](v); err != nil {
			return cty.TupleVal(vals), nil
		}
	}
	return cty.ListVal(out), nil
}

func types(vals []cty.Value) []cty.Type {
	out := make([]cty.Type, len(vals))
	for i, v := range vals {
		out[i] = v.Type()
	}
	return out
}

// VarRef reads a variable.
type VarRef struct {
	Meta
	Name string
}

func (*VarRef) children() []run.Node { return nil }

func (r *VarRef) Eval(t *run.Thread) (cty.Value, error) {
	sym, ok := t.Scope().Get(r.Name)
	if !ok {
		return cty.NilVal, fmt.Errorf("undefined variable %q", r.Name)
	}
	if sym.IsFunction() {
		return cty.NilVal, fmt.Errorf("%q is a function", r.Name)
	}
	return sym.Value, nil
}

// Assign stores X in the nearest binding of Name and yields the stored value.
type Assign struct {
	Meta
	Name string
	X    run.Expression
}

func (a *Assign) children() []run.Node { return kids(a.X) }

func (a *Assign) Eval(t *run.Thread) (cty.Value, error) {
	v, err := a.X.Eval(t)
	if err != nil {
		return cty.NilVal, err
	}
	return t.Scope().Set(a.Name, v)
}

// Binary applies Op to L and R. && and || short-circuit; + concatenates
// when either side is a string.
type Binary struct {
	Meta
	Op string
	L  run.Expression
	R  run.Expression
}

func (b *Binary) children() []run.Node { return kids(b.L, b.R) }

// ErrDivisionByZero is returned by / and % with a zero divisor.
var ErrDivisionByZero = errors.New("division by zero")

func (b *Binary) Eval(t *run.Thread) (cty.Value, error) {
	l, err := b.L.Eval(t)
	if err != nil {
		return cty.NilVal, err
	}
	if b.Op == "&&" || b.Op == "||" {
		lb, err := Bool(l)
		if err != nil {
			return cty.NilVal, fmt.Errorf("%s: %w", b.Op, err)
		}
		if (b.Op == "&&") != lb {
			return cty.BoolVal(lb), nil
		}
		r, err := b.R.Eval(t)
		if err != nil {
			return cty.NilVal, err
		}
		rb, err := Bool(r)
		if err != nil {
			return cty.NilVal, fmt.Errorf("%s: %w", b.Op, err)
		}
		return cty.BoolVal(rb), nil
	}
	r, err := b.R.Eval(t)
	if err != nil {
		return cty.NilVal, err
	}
	return binary(b.Op, l, r)
}

func binary(op string, l, r cty.Value) (cty.Value, error) {
	if l.IsNull() || r.IsNull() {
		switch op {
		case "==":
			return cty.BoolVal(l.IsNull() && r.IsNull()), nil
		case "!=":
			return cty.BoolVal(l.IsNull() != r.IsNull()), nil
		}
		return cty.NilVal, fmt.Errorf("operator %s on a null value", op)
	}
	switch op {
	case "==":
		return cty.BoolVal(equal(l, r)), nil
	case "!=":
		return cty.BoolVal(!equal(l, r)), nil
	}
	if op == "+" && (l.Type() == cty.String || r.Type() == cty.String) {
		return cty.StringVal(Str(l) + Str(r)), nil
	}
	if l.Type() == cty.String && r.Type() == cty.String {
		ls, rs := l.AsString(), r.AsString()
		switch op {
		case "<":
			return cty.BoolVal(ls < rs), nil
		case "<=":
			return cty.BoolVal(ls <= rs), nil
		case ">":
			return cty.BoolVal(ls > rs), nil
		case ">=":
			return cty.BoolVal(ls >= rs), nil
		}
	}
	if op == "+" && isSeq(l.Type()) && isSeq(r.Type()) {
		return cty.TupleVal(append(l.AsValueSlice(), r.AsValueSlice()...)), nil
	}

	ln, err := convert.Convert(l, cty.Number)
	if err != nil {
		return cty.NilVal, fmt.Errorf("operator %s: %s is not a number", op, l.Type().FriendlyName())
	}
	rn, err := convert.Convert(r, cty.Number)
	if err != nil {
		return cty.NilVal, fmt.Errorf("operator %s: %s is not a number", op, r.Type().FriendlyName())
	}
	switch op {
	case "+":
		return ln.Add(rn), nil
	case "-":
		return ln.Subtract(rn), nil
	case "*":
		return ln.Multiply(rn), nil
	case "/":
		if isZero(rn) {
			return cty.NilVal, ErrDivisionByZero
		}
		return ln.Divide(rn), nil
	case "%":
		if isZero(rn) {
			return cty.NilVal, ErrDivisionByZero
		}
		return ln.Modulo(rn), nil
	case "<":
		return ln.LessThan(rn), nil
	case "<=":
		return ln.LessThanOrEqualTo(rn), nil
	case ">":
		return ln.GreaterThan(rn), nil
	case ">=":
		return ln.GreaterThanOrEqualTo(rn), nil
	}
	return cty.NilVal, fmt.Errorf("unknown operator %q", op)
}

func equal(l, r cty.Value) bool {
	if !l.Type().Equals(r.Type()) {
		if c, err := convert.Convert(r, l.Type()); err == nil {
			r = c
		} else {
			return false
		}
	}
	return l.Equals(r).True()
}

// Unary applies - or ! to X.
type Unary struct {
	Meta
	Op string
	X  run.Expression
}

func (u *Unary) children() []run.Node { return kids(u.X) }

func (u *Unary) Eval(t *run.Thread) (cty.Value, error) {
	v, err := u.X.Eval(t)
	if err != nil {
		return cty.NilVal, err
	}
	switch u.Op {
	case "-":
		n, err := convert.Convert(v, cty.Number)
		if err != nil || n.IsNull() {
			return cty.NilVal, fmt.Errorf("unary -: %s is not a number", v.Type().FriendlyName())
		}
		return n.Negate(), nil
	case "!":
		b, err := Bool(v)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unary !: %w", err)
		}
		return cty.BoolVal(!b), nil
	}
	return cty.NilVal, fmt.Errorf("unknown operator %q", u.Op)
}

// Cast converts X to Type at run time.
type Cast struct {
	Meta
	Type cty.Type
	X    run.Expression
}

func (c *Cast) children() []run.Node { return kids(c.X) }

func (c *Cast) Eval(t *run.Thread) (cty.Value, error) {
	v, err := c.X.Eval(t)
	if err != nil {
		return cty.NilVal, err
	}
	return castTo(v, c.Type)
}

func castTo(v cty.Value, ty cty.Type) (cty.Value, error) {
	out, err := convert.Convert(v, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("cannot cast %s to %s: %w", v.Type().FriendlyName(), ty.FriendlyName(), err)
	}
	return out, nil
}

// WaitExpr is wait used as a value: it yields whether everything waited for
// succeeded instead of failing the thread.
type WaitExpr struct {
	Meta
	IDs run.Expression
}

func (w *WaitExpr) children() []run.Node { return kids(w.IDs) }

func (w *WaitExpr) Eval(t *run.Thread) (cty.Value, error) {
	ids, err := waitIDs(t, w.IDs)
	if err != nil {
		return cty.NilVal, err
	}
	ok, err := t.Wait(ids)
	if err != nil {
		return cty.NilVal, err
	}
	return cty.BoolVal(ok), nil
}

func isSeq(ty cty.Type) bool { return ty.IsListType() || ty.IsTupleType() }
