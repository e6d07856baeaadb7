package hook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ValueKind discriminates the JSON shapes accepted in tool inputs.
type ValueKind int

const (
	KindString ValueKind = iota
	KindNumber
	KindBool
	KindObject
)

// Value is one tool-input field. Tool inputs only ever carry strings,
// numbers, booleans, and nested objects; arrays and null fail to decode.
type Value struct {
	Kind   ValueKind
	Str    string
	Num    float64
	Bool   bool
	Object map[string]Value
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func ObjectValue(m map[string]Value) Value { return Value{Kind: KindObject, Object: m} }

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty tool input value")
	}
	switch data[0] {
	case '"':
		v.Kind = KindString
		return json.Unmarshal(data, &v.Str)
	case 't', 'f':
		v.Kind = KindBool
		return json.Unmarshal(data, &v.Bool)
	case '{':
		v.Kind = KindObject
		return json.Unmarshal(data, &v.Object)
	case '[':
		return errors.New("tool input arrays are not supported")
	case 'n':
		return errors.New("tool input null is not supported")
	default:
		v.Kind = KindNumber
		return json.Unmarshal(data, &v.Num)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindObject:
		if v.Object == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Object)
	}
	return nil, fmt.Errorf("invalid value kind %d", v.Kind)
}

// Clone returns a copy sharing no mutable state with v.
func (v Value) Clone() Value {
	if v.Kind != KindObject || v.Object == nil {
		return v
	}
	return Value{Kind: KindObject, Object: CloneValues(v.Object)}
}

// CloneValues deep-copies a tool-input map.
func CloneValues(m map[string]Value) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}
