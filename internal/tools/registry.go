package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// StaticRegistry is a read-mostly in-memory registry, loadable from a JSON
// document. Production deployments swap in a client for the external
// registry service; this one backs tests and single-node setups.
type StaticRegistry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{specs: make(map[string]*Spec)}
}

// Register adds or replaces a tool spec, compiling its schemas.
func (r *StaticRegistry) Register(spec Spec) error {
	if spec.Address == "" {
		return fmt.Errorf("tool address cannot be empty")
	}
	if spec.Transport == "" {
		return fmt.Errorf("tool %q: transport cannot be empty", spec.Address)
	}
	if err := spec.compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Address] = &spec
	return nil
}

// Resolve returns the spec for a tool address.
func (r *StaticRegistry) Resolve(address string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[address]
	if !ok {
		return nil, &Error{Kind: "resolution", Message: fmt.Sprintf("tool %q not registered", address)}
	}
	return spec, nil
}

// Count returns the number of registered tools.
func (r *StaticRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// LoadFile registers every spec from a JSON file of the form
// {"tools": [<spec>, ...]}.
func (r *StaticRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var doc struct {
		Tools []Spec `json:"tools"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode registry file: %w", err)
	}
	for _, spec := range doc.Tools {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBuiltins registers the in-process tools used by tests and smoke
// deployments: echo, const, sleep, fail.
func (r *StaticRegistry) RegisterBuiltins() {
	for _, name := range []string{"echo", "const", "sleep", "fail"} {
		// Builtins are schemaless; their behavior is defined in builtin.go.
		_ = r.Register(Spec{Address: name, Transport: "builtin", Endpoint: name})
	}
}
