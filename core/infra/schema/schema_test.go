package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestEmbeddedSchemasCompile(t *testing.T) {
	ids := newRegistry(t).IDs()
	want := []string{CapabilityRequest, MemoryRetrieve, MemoryWrite}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("ids=%v want=%v", ids, want)
	}
}

func TestMemoryWriteValidation(t *testing.T) {
	r := newRegistry(t)
	ok := json.RawMessage(`{"org_id":"o1","space_id":"s1","user_id":"u1","kind":"journal","tags":["healing"],"significance":0.7,"payload":{"a":1}}`)
	if err := r.Validate(MemoryWrite, ok); err != nil {
		t.Fatalf("expected valid write: %v", err)
	}

	err := r.Validate(MemoryWrite, json.RawMessage(`{"org_id":"","space_id":"s1","user_id":"u1","significance":3}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	msg := verr.Error()
	for _, fragment := range []string{"org_id", "significance", "kind"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("message %q should mention %s", msg, fragment)
		}
	}
}

func TestMemoryRetrieveValidation(t *testing.T) {
	r := newRegistry(t)
	if err := r.Validate(MemoryRetrieve, map[string]any{
		"org_id": "o1", "space_id": "s1", "user_id": "u1",
		"query": map[string]any{"tags": []any{"healing"}},
		"limit": float64(5),
	}); err != nil {
		t.Fatalf("expected valid retrieve: %v", err)
	}
	err := r.Validate(MemoryRetrieve, map[string]any{
		"org_id": "o1", "space_id": "s1", "user_id": "u1",
		"query": map[string]any{"tags": "healing"},
	})
	if err == nil || !strings.Contains(err.Error(), "query.tags") {
		t.Fatalf("expected query.tags violation, got %v", err)
	}
}

func TestValidateUnknownAndBadJSON(t *testing.T) {
	r := newRegistry(t)
	if err := r.Validate("nope", map[string]any{}); err == nil {
		t.Fatalf("expected unknown schema error")
	}
	var verr *ValidationError
	if err := r.Validate(CapabilityRequest, []byte("{")); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for broken json, got %v", err)
	}
	if err := r.Validate(CapabilityRequest, []byte(`[]`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for non-object body, got %v", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := newRegistry(t)
	if err := r.Register("", []byte(`{}`)); err == nil {
		t.Fatalf("expected id error")
	}
	if err := r.Register("broken", []byte(`{"type":`)); err == nil {
		t.Fatalf("expected compile error")
	}
	if err := r.Register("custom", []byte(`{"type":"object","required":["x"]}`)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Validate("custom", map[string]any{}); err == nil {
		t.Fatalf("expected custom schema to apply")
	}
}
