package ir

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles a JSON Schema object (as produced by an Agent's
// outputSchema or a BatchPrompt's schema field) for repeated validation.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("ir: marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("ir: decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resource = "inline://schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("ir: add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("ir: compile schema: %w", err)
	}
	return compiled, nil
}

// ValidateAgainstSchema validates value (typically the output of an
// ObjectGenerator call or a terminal tool's input) against a compiled
// schema, returning a descriptive error on mismatch.
func ValidateAgainstSchema(schema *jsonschema.Schema, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ir: marshal value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("ir: decode value: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("ir: schema validation failed: %w", err)
	}
	return nil
}
