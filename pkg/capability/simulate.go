package capability

import (
	"encoding/json"
	"fmt"
)

// Simulate fabricates a result shaped by the manifest's output schema
// without side effects. When the manifest declares it cannot be simulated,
// Simulate reports that so the caller can skip with a placeholder.
func Simulate(manifest *Manifest) (any, error) {
	if len(manifest.OutputSchema) == 0 {
		return map[string]any{"simulated": true, "capability": manifest.ID}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(manifest.OutputSchema, &schema); err != nil {
		return nil, fmt.Errorf("capability %s output schema: %w", manifest.ID, err)
	}
	return valueFor(schema), nil
}

// valueFor builds a minimal instance satisfying common schema keywords.
// Validation keywords beyond type/enum/const/properties/items are ignored;
// the goal is a plausible placeholder, not exhaustive conformance.
func valueFor(schema map[string]any) any {
	if c, ok := schema["const"]; ok {
		return c
	}
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		return enum[0]
	}
	if d, ok := schema["default"]; ok {
		return d
	}
	switch typeName(schema) {
	case "object":
		out := map[string]any{}
		props, _ := schema["properties"].(map[string]any)
		for _, name := range requiredNames(schema) {
			if propSchema, ok := props[name].(map[string]any); ok {
				out[name] = valueFor(propSchema)
			} else {
				out[name] = nil
			}
		}
		return out
	case "array":
		if items, ok := schema["items"].(map[string]any); ok {
			min, _ := schema["minItems"].(float64)
			if min < 1 {
				return []any{}
			}
			arr := make([]any, int(min))
			for i := range arr {
				arr[i] = valueFor(items)
			}
			return arr
		}
		return []any{}
	case "string":
		return "simulated"
	case "number":
		if min, ok := schema["minimum"].(float64); ok {
			return min
		}
		return 0.0
	case "integer":
		if min, ok := schema["minimum"].(float64); ok {
			return int64(min)
		}
		return int64(0)
	case "boolean":
		return true
	case "null":
		return nil
	default:
		return map[string]any{"simulated": true}
	}
}

func typeName(schema map[string]any) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	if _, ok := schema["properties"]; ok {
		return "object"
	}
	if _, ok := schema["items"]; ok {
		return "array"
	}
	return ""
}

func requiredNames(schema map[string]any) []string {
	raw, _ := schema["required"].([]any)
	names := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			names = append(names, s)
		}
	}
	return names
}
