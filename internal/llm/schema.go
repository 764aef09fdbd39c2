package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// ResponseSchema is a named, strict JSON-object schema attached to an
// analysis request. The carrier-side model is instructed to emit only
// objects satisfying it.
type ResponseSchema struct {
	// Name labels the schema in the provider request (letters, digits,
	// underscores).
	Name string

	// Schema is the JSON-schema document as a generic map.
	Schema map[string]any
}

// IsZero reports whether the schema is unset.
func (s ResponseSchema) IsZero() bool {
	return s.Name == "" && s.Schema == nil
}

// SchemaFor derives a strict [ResponseSchema] from the struct type T using
// reflection over its json tags. Every field is required and additional
// properties are rejected, as OpenAI strict mode demands.
func SchemaFor[T any](name string) (ResponseSchema, error) {
	r := &jsonschema.Reflector{
		// Inline everything; strict mode does not follow $ref.
		DoNotReference: true,
		ExpandedStruct: true,
	}
	doc := r.Reflect(new(T))

	m, err := schemaToMap(doc)
	if err != nil {
		return ResponseSchema{}, fmt.Errorf("llm: reflect schema %q: %w", name, err)
	}
	// Strip document-level keys the completion API rejects.
	delete(m, "$schema")
	delete(m, "$id")
	delete(m, "version")

	return ResponseSchema{Name: name, Schema: m}, nil
}

// MustSchemaFor is [SchemaFor] for package-level schema variables; it panics
// on reflection failure, which can only happen from a malformed struct tag.
func MustSchemaFor[T any](name string) ResponseSchema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// schemaToMap round-trips a reflected schema through JSON into a generic map.
func schemaToMap(doc *jsonschema.Schema) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return m, nil
}
