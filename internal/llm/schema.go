package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildAttackReportJSONSchema returns a JSON-Schema (draft 2020-12 subset) as
// a generic map. We show it to the model as the output contract and use it
// locally to validate what comes back.
func BuildAttackReportJSONSchema() map[string]any {
	subtype := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"subtype":            map[string]any{"type": "string", "minLength": 1},
			"number":             map[string]any{"type": "integer", "minimum": 0},
			"additional_details": map[string]any{"type": "string"},
		},
		"required": []string{"subtype", "number"},
	}
	count := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"type":               map[string]any{"type": "string", "minLength": 1},
			"number":             map[string]any{"type": "integer", "minimum": 0},
			"additional_details": map[string]any{"type": "string"},
			"subtypes":           map[string]any{"type": "array", "items": subtype},
		},
		"required": []string{"type", "number"},
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"date":   map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
			"counts": map[string]any{"type": "array", "items": count},
		},
		"required": []string{"date", "counts"},
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
