package lang

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Str renders v the way print and string interpolation show it.
func Str(v cty.Value) string {
	switch {
	case v.IsNull() || !v.IsKnown():
		return ""
	case v.Type() == cty.String:
		return v.AsString()
	case v.Type() == cty.Number:
		return v.AsBigFloat().Text('f', -1)
	case v.Type() == cty.Bool:
		return strconv.FormatBool(v.True())
	case v.CanIterateElements():
		var parts []string
		if v.Type().IsMapType() || v.Type().IsObjectType() {
			for it := v.ElementIterator(); it.Next(); {
				k, e := it.Element()
				parts = append(parts, Str(k)+" => "+Str(e))
			}
			return "{ " + strings.Join(parts, ", ") + " }"
		}
		for it := v.ElementIterator(); it.Next(); {
			_, e := it.Element()
			parts = append(parts, Str(e))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return v.GoString()
}

// Strings flattens strings and collections of strings into one slice,
// dropping empty entries.
func Strings(v cty.Value) ([]string, error) {
	if v.IsNull() {
		return nil, nil
	}
	if v.Type().IsListType() || v.Type().IsSetType() || v.Type().IsTupleType() {
		var out []string
		for it := v.ElementIterator(); it.Next(); {
			_, e := it.Element()
			sub, err := Strings(e)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return nil, fmt.Errorf("expected a string or a list of strings, got %s", v.Type().FriendlyName())
	}
	if s.AsString() == "" {
		return nil, nil
	}
	return []string{s.AsString()}, nil
}

// Int converts v to an int64, truncating reals.
func Int(v cty.Value) (int64, error) {
	n, err := convert.Convert(v, cty.Number)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %s", v.Type().FriendlyName())
	}
	if n.IsNull() {
		return 0, errors.New("expected a number, got null")
	}
	i, _ := n.AsBigFloat().Int64()
	return i, nil
}

// Bool converts v to a bool.
func Bool(v cty.Value) (bool, error) {
	b, err := convert.Convert(v, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("expected a bool, got %s", v.Type().FriendlyName())
	}
	if b.IsNull() {
		return false, errors.New("expected a bool, got null")
	}
	return b.True(), nil
}

// StringList builds a list value from ss.
func StringList(ss []string) cty.Value {
	if len(ss) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(ss))
	for i, s := range ss {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

// Zero returns the default value of a declared type.
func Zero(ty cty.Type) cty.Value {
	switch {
	case ty == cty.String:
		return cty.StringVal("")
	case ty == cty.Number:
		return cty.Zero
	case ty == cty.Bool:
		return cty.False
	case ty.IsListType():
		return cty.ListValEmpty(ty.ElementType())
	case ty.IsMapType():
		return cty.MapValEmpty(ty.ElementType())
	}
	return cty.NullVal(ty)
}

func isZero(v cty.Value) bool {
	return v.Type() == cty.Number && v.AsBigFloat().Sign() == 0
}

