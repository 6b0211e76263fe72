// Package schema validates request bodies against embedded JSON Schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Request schema ids.
const (
	CapabilityRequest = "capability_request"
	MemoryWrite       = "memory_write"
	MemoryRetrieve    = "memory_retrieve"
)

//go:embed schemas/*.json
var embedded embed.FS

// ValidationError is a readable schema violation.
type ValidationError struct {
	SchemaID string
	Problems []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return strings.Join(e.Problems, "; ")
}

// Registry holds compiled schemas by id.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewRegistry compiles every embedded request schema.
func NewRegistry() (*Registry, error) {
	r := &Registry{compiled: map[string]*jsonschema.Schema{}}
	entries, err := embedded.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := embedded.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := r.Register(strings.TrimSuffix(entry.Name(), ".json"), data); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles schema and stores it under id, replacing any previous one.
func (r *Registry) Register(id string, schema []byte) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("schema id required")
	}
	if len(schema) == 0 {
		return errors.New("schema body required")
	}
	resourceID := "inmemory://" + id
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema %s: %w", id, err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", id, err)
	}
	r.mu.Lock()
	r.compiled[id] = compiled
	r.mu.Unlock()
	return nil
}

// IDs lists registered schema ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.compiled))
	for id := range r.compiled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks value against the schema id. Violations come back as
// *ValidationError; an unknown id is a plain error.
func (r *Registry) Validate(id string, value any) error {
	r.mu.RLock()
	compiled, ok := r.compiled[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %q not registered", id)
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return &ValidationError{SchemaID: id, Problems: []string{"body is not valid JSON"}}
	}
	if err := compiled.Validate(payload); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{SchemaID: id, Problems: flatten(verr)}
		}
		return fmt.Errorf("validate %s: %w", id, err)
	}
	return nil
}

// flatten reports the leaf causes as "location: message", sorted.
func flatten(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, describe(e.InstanceLocation)+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	sort.Strings(out)
	return out
}

func describe(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "body"
	}
	return strings.ReplaceAll(pointer, "/", ".")
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	default:
		return value, nil
	}
}
