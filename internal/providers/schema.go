package providers

// Keys some OpenAI-compatible backends reject in tool parameter schemas.
var strictUnsupportedKeys = map[string]bool{
	"$schema":  true,
	"$id":      true,
	"examples": true,
}

// NormalizeToolSchemas returns tools whose parameters are always an object
// schema with a properties map. Groq and Ollama reject tools without one.
// Backends listed as strict also lose keys they reject.
func NormalizeToolSchemas(providerName string, tools []ToolDefinition) []ToolDefinition {
	strict := providerName == "groq" || providerName == "ollama" || providerName == "dashscope"

	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		params := t.Function.Parameters
		if strict {
			params = stripKeys(params)
		}
		if params == nil {
			params = map[string]interface{}{}
		} else {
			params = shallowCopy(params)
		}
		if _, ok := params["type"]; !ok {
			params["type"] = "object"
		}
		if _, ok := params["properties"]; !ok {
			params["properties"] = map[string]interface{}{}
		}

		typ := t.Type
		if typ == "" {
			typ = "function"
		}
		out[i] = ToolDefinition{
			Type: typ,
			Function: ToolFunctionSchema{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func shallowCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// stripKeys recursively drops strictUnsupportedKeys.
func stripKeys(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if strictUnsupportedKeys[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = stripKeys(val)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = stripKeys(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
