package hook

import (
	"encoding/json"
	"testing"
)

func TestValueDecodeShapes(t *testing.T) {
	raw := []byte(`{"command":"ls -la","count":3,"recursive":true,"env":{"PATH":"/bin"}}`)

	var input map[string]Value
	if err := json.Unmarshal(raw, &input); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if v := input["command"]; v.Kind != KindString || v.Str != "ls -la" {
		t.Errorf("command = %+v, want string %q", v, "ls -la")
	}
	if v := input["count"]; v.Kind != KindNumber || v.Num != 3 {
		t.Errorf("count = %+v, want number 3", v)
	}
	if v := input["recursive"]; v.Kind != KindBool || !v.Bool {
		t.Errorf("recursive = %+v, want bool true", v)
	}
	env := input["env"]
	if env.Kind != KindObject {
		t.Fatalf("env kind = %v, want object", env.Kind)
	}
	if p := env.Object["PATH"]; p.Kind != KindString || p.Str != "/bin" {
		t.Errorf("env.PATH = %+v, want string /bin", p)
	}
}

func TestValueRejectsArraysAndNull(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`["a","b"]`), &v); err == nil {
		t.Error("expected error decoding array value")
	}
	if err := json.Unmarshal([]byte(`null`), &v); err == nil {
		t.Error("expected error decoding null value")
	}
}

func TestValueRoundTrip(t *testing.T) {
	in := ObjectValue(map[string]Value{
		"path":  StringValue("/tmp/x"),
		"depth": NumberValue(2),
		"all":   BoolValue(false),
	})

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != KindObject || len(out.Object) != 3 {
		t.Fatalf("round trip lost fields: %+v", out)
	}
	if out.Object["path"].Str != "/tmp/x" {
		t.Errorf("path = %q, want /tmp/x", out.Object["path"].Str)
	}
}

func TestValueCloneIsIndependent(t *testing.T) {
	orig := ObjectValue(map[string]Value{"k": StringValue("v")})
	cp := orig.Clone()
	cp.Object["k"] = StringValue("changed")

	if orig.Object["k"].Str != "v" {
		t.Errorf("clone mutated original: %q", orig.Object["k"].Str)
	}
}
