package store

import (
	"encoding/json"
	"strings"
)

// SafeJSONMap decodes a JSON object template. Empty, "none", "null" and
// unparsable input all yield an empty map.
func SafeJSONMap(raw string) map[string]any {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "", "none", "null":
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// ParseToolIDs decodes the tools column of an agent row. It accepts a JSON
// array of strings or a JSON string that itself holds such an array.
func ParseToolIDs(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil && inner != "" {
		if err := json.Unmarshal([]byte(inner), &ids); err == nil {
			return ids
		}
	}
	return nil
}
