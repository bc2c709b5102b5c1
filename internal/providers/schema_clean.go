package providers

import "strings"

// Schema keywords some providers reject. Gemini's OpenAI-compat endpoint is
// the strictest: unknown keywords cause HTTP 400 instead of being ignored.
var geminiUnsupportedKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"default":              true,
	"examples":             true,
	"exclusiveMaximum":     true,
	"exclusiveMinimum":     true,
}

var baseUnsupportedKeys = map[string]bool{
	"$schema": true,
}

// CleanSchemaForProvider returns a copy of a JSON-schema parameters object
// with keywords the target provider rejects removed. The input map is never
// mutated.
func CleanSchemaForProvider(providerName string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object"}
	}
	drop := baseUnsupportedKeys
	if strings.Contains(strings.ToLower(providerName), "gemini") {
		drop = geminiUnsupportedKeys
	}
	return cleanSchemaMap(schema, drop)
}

// CleanToolSchemas converts tool definitions to the OpenAI wire shape with
// per-provider schema cleaning applied.
func CleanToolSchemas(providerName string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(providerName, t.Function.Parameters),
			},
		})
	}
	return out
}

func cleanSchemaMap(m map[string]interface{}, drop map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if drop[k] {
			continue
		}
		out[k] = cleanSchemaValue(v, drop)
	}
	return out
}

func cleanSchemaValue(v interface{}, drop map[string]bool) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return cleanSchemaMap(vv, drop)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = cleanSchemaValue(e, drop)
		}
		return out
	default:
		return v
	}
}
