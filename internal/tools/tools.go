// Package tools resolves tool addresses and invokes tools over their
// transports. Tool implementations live outside the core; this package's
// responsibility ends at "send validated input, get validated output or a
// structured failure".
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Spec describes one resolvable tool.
type Spec struct {
	Address        string         `json:"address"`
	Transport      string         `json:"transport"` // "http", "exec", "builtin"
	Endpoint       string         `json:"endpoint"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	TimeoutDefault int            `json:"timeout_default,omitempty"`
	ScopesRequired []string       `json:"scopes_required,omitempty"`

	inputCompiled  *jsonschema.Schema
	outputCompiled *jsonschema.Schema
}

// Error is a structured tool failure. Retryable failures are re-attempted
// within the task's retry budget; the rest are terminal.
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool error (%s): %s", e.Kind, e.Message)
}

// Invocation carries a tool call's input and its context hints.
type Invocation struct {
	TaskID  string
	RunID   string
	Attempt int
	Args    map[string]any
}

// Registry resolves a tool address to its spec.
type Registry interface {
	Resolve(address string) (*Spec, error)
}

// Invoker executes a call over one transport.
type Invoker interface {
	Invoke(ctx context.Context, spec *Spec, inv Invocation) (map[string]any, error)
}

// Client ties a registry to its transports and enforces input/output
// schema validation around every call.
type Client struct {
	registry   Registry
	transports map[string]Invoker
}

// NewClient builds a client with the standard transports.
func NewClient(reg Registry) *Client {
	return NewClientWithTransports(reg, map[string]Invoker{
		"http":    NewHTTPInvoker(),
		"exec":    NewExecInvoker(""),
		"builtin": NewBuiltinInvoker(),
	})
}

// NewClientWithTransports builds a client over a custom transport set.
func NewClientWithTransports(reg Registry, transports map[string]Invoker) *Client {
	return &Client{registry: reg, transports: transports}
}

// Resolve exposes registry resolution, for scope checks ahead of a call.
func (c *Client) Resolve(address string) (*Spec, error) {
	return c.registry.Resolve(address)
}

// Call resolves the address, validates the input document, invokes the
// tool, and validates its output document.
func (c *Client) Call(ctx context.Context, address string, inv Invocation) (map[string]any, error) {
	spec, err := c.registry.Resolve(address)
	if err != nil {
		return nil, err
	}

	if err := spec.ValidateInput(inv.Args); err != nil {
		return nil, err
	}

	invoker, ok := c.transports[spec.Transport]
	if !ok {
		return nil, &Error{Kind: "transport", Message: fmt.Sprintf("unknown transport %q for tool %q", spec.Transport, address)}
	}

	out, err := invoker.Invoke(ctx, spec, inv)
	if err != nil {
		return nil, err
	}

	if err := spec.ValidateOutput(out); err != nil {
		return nil, err
	}
	return out, nil
}

// compile prepares the spec's schemas; call once at registration.
func (s *Spec) compile() error {
	var err error
	if s.InputSchema != nil {
		s.inputCompiled, err = compileSchema(s.Address+"/input", s.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q input schema: %w", s.Address, err)
		}
	}
	if s.OutputSchema != nil {
		s.outputCompiled, err = compileSchema(s.Address+"/output", s.OutputSchema)
		if err != nil {
			return fmt.Errorf("tool %q output schema: %w", s.Address, err)
		}
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "orbiter://tools/" + name + ".schema.json"
	if err := c.AddResource(url, normalizeJSON(schema)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ValidateInput checks the with-map against the declared input schema.
func (s *Spec) ValidateInput(args map[string]any) error {
	if s.inputCompiled == nil {
		return nil
	}
	if err := s.inputCompiled.Validate(normalizeJSON(args)); err != nil {
		return &Error{Kind: "schema", Message: fmt.Sprintf("input rejected by schema of %q: %v", s.Address, err)}
	}
	return nil
}

// ValidateOutput checks the tool's result against the declared output schema.
func (s *Spec) ValidateOutput(out map[string]any) error {
	if s.outputCompiled == nil {
		return nil
	}
	if err := s.outputCompiled.Validate(normalizeJSON(out)); err != nil {
		return &Error{Kind: "schema", Message: fmt.Sprintf("output rejected by schema of %q: %v", s.Address, err)}
	}
	return nil
}

// normalizeJSON round-trips a value through encoding so schema evaluation
// sees plain JSON types regardless of how the document was produced.
func normalizeJSON(v any) any {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return v
	}
	doc, err := jsonschema.UnmarshalJSON(&buf)
	if err != nil {
		return v
	}
	return doc
}
