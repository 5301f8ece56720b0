package checkpoint

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

func quote(s string) string { return strconv.Quote(s) }

func unquote(s string) (string, error) {
	out, err := strconv.Unquote(s)
	if err != nil {
		return "", fmt.Errorf("bad quoted field %s: %w", s, err)
	}
	return out, nil
}

// encodeValue writes v with its type so it decodes without a schema.
func encodeValue(v cty.Value) (string, error) {
	if v.Type() == cty.NilType || v.Type() == cty.DynamicPseudoType {
		return "null", nil
	}
	b, err := ctyjson.Marshal(v, cty.DynamicPseudoType)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeValue(s string) (cty.Value, error) {
	if s == "null" {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	return ctyjson.Unmarshal([]byte(s), cty.DynamicPseudoType)
}

func encodeValues(vs []cty.Value) (string, error) {
	raw := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		s, err := encodeValue(v)
		if err != nil {
			return "", err
		}
		raw[i] = json.RawMessage(s)
	}
	b, err := json.Marshal(raw)
	return string(b), err
}

func decodeValues(s string) ([]cty.Value, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make([]cty.Value, len(raw))
	for i, r := range raw {
		v, err := decodeValue(string(r))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeType(ty cty.Type) (string, error) {
	if ty == cty.NilType {
		ty = cty.DynamicPseudoType
	}
	b, err := ctyjson.MarshalType(ty)
	return string(b), err
}

func decodeType(s string) (cty.Type, error) {
	return ctyjson.UnmarshalType([]byte(s))
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}
