package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Validator checks a create payload against a JSON Schema document.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

func CompileValidator(name, schemaJSON string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	location := "https://jobsync.local/schemas/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	schema, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Validator{name: name, schema: schema}, nil
}

func MustCompileValidator(name, schemaJSON string) *Validator {
	v, err := CompileValidator(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) Validate(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, v.name, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, v.name, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, v.name, err)
	}
	return nil
}
