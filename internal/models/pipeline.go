package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultStepTimeoutSeconds applies when a step omits timeout_seconds.
const DefaultStepTimeoutSeconds = 30

// Payload is the declarative pipeline document carried by a task.
type Payload struct {
	Params   map[string]any `json:"params,omitempty"`
	Pipeline []Step         `json:"pipeline"`
}

// Step is one tool invocation inside a pipeline.
type Step struct {
	ID             string         `json:"id"`
	Uses           string         `json:"uses"`
	With           map[string]any `json:"with,omitempty"`
	SaveAs         string         `json:"save_as,omitempty"`
	If             string         `json:"if,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Timeout returns the effective step timeout in seconds.
func (s *Step) Timeout() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return DefaultStepTimeoutSeconds
}

// payloadSchemaJSON is the shape every persisted pipeline document must
// satisfy. Uniqueness of step ids and save_as names is checked in code.
const payloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["pipeline"],
  "properties": {
    "params": {"type": "object"},
    "pipeline": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "uses"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "uses": {"type": "string", "minLength": 1},
          "with": {"type": "object"},
          "save_as": {"type": "string", "minLength": 1},
          "if": {"type": "string", "minLength": 1},
          "timeout_seconds": {"type": "integer", "minimum": 1}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var payloadSchema = mustCompilePayloadSchema()

func mustCompilePayloadSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("orbiter://payload.schema.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("orbiter://payload.schema.json")
}

// ParsePayload validates raw JSON against the pipeline document schema and
// decodes it. Malformed payloads are refused before persistence.
func ParsePayload(raw []byte) (*Payload, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("payload rejected by schema: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the constraints the document schema cannot express:
// unique step ids and unique save_as names.
func (p *Payload) Validate() error {
	if len(p.Pipeline) == 0 {
		return fmt.Errorf("pipeline must contain at least one step")
	}
	ids := make(map[string]bool, len(p.Pipeline))
	saves := make(map[string]bool, len(p.Pipeline))
	for i := range p.Pipeline {
		step := &p.Pipeline[i]
		if step.ID == "" {
			return fmt.Errorf("step %d: id is required", i)
		}
		if step.Uses == "" {
			return fmt.Errorf("step %q: uses is required", step.ID)
		}
		if ids[step.ID] {
			return fmt.Errorf("step id %q is duplicated", step.ID)
		}
		ids[step.ID] = true
		if step.SaveAs != "" {
			if saves[step.SaveAs] {
				return fmt.Errorf("save_as %q is reused", step.SaveAs)
			}
			saves[step.SaveAs] = true
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("step %q: timeout_seconds must be positive", step.ID)
		}
	}
	return nil
}
