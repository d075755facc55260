package router

import (
	"encoding/json"
	"fmt"
)

// ValidateToolParameters checks that a tool's parameter schema is a JSON
// object schema. This is a sanity check, not a full JSON Schema validator.
func ValidateToolParameters(schema json.RawMessage) error {
	var parsed map[string]any
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return fmt.Errorf("schema is not a JSON object: %w", err)
	}

	typ, ok := parsed["type"]
	if !ok {
		return fmt.Errorf("schema missing required \"type\" field")
	}
	if typ != "object" {
		return fmt.Errorf("parameter schema type must be \"object\", got %v", typ)
	}

	if props, ok := parsed["properties"]; ok {
		if _, isObj := props.(map[string]any); !isObj {
			return fmt.Errorf("schema \"properties\" must be an object")
		}
	}
	if reqRaw, ok := parsed["required"]; ok {
		reqSlice, ok := reqRaw.([]any)
		if !ok {
			return fmt.Errorf("schema \"required\" field must be an array")
		}
		for _, r := range reqSlice {
			if _, ok := r.(string); !ok {
				return fmt.Errorf("schema \"required\" entries must be strings")
			}
		}
	}
	return nil
}
