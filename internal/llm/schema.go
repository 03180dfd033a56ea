package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoJSON means the reply carried no parseable JSON.
var ErrNoJSON = errors.New("no JSON found in model reply")

// Schema validates model replies before they are decoded into Go values.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(name, schemaJSON string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	s, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompileSchema is CompileSchema for package-level schema literals.
func MustCompileSchema(name, schemaJSON string) *Schema {
	s, err := CompileSchema(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode extracts JSON from text, validates it and unmarshals into out.
// When listKey is set and the model returned a bare array, the array is
// wrapped as {listKey: [...]} first, since models often drop the envelope.
func (s *Schema) Decode(text, listKey string, out any) error {
	raw := ExtractJSON(text)
	if raw == "" {
		return ErrNoJSON
	}
	if listKey != "" && strings.HasPrefix(raw, "[") {
		wrapped, _ := json.Marshal(map[string]json.RawMessage{listKey: json.RawMessage(raw)})
		raw = string(wrapped)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid JSON: %w", s.name, err)
	}
	if err := s.schema.Validate(parsed); err != nil {
		return fmt.Errorf("%s: schema validation failed: %w", s.name, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%s: decode: %w", s.name, err)
	}
	return nil
}
