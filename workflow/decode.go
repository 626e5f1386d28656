package workflow

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"goa.design/weave/fault"
)

// DecodeJSON parses and validates a JSON definition document.
func DecodeJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fault.Validation("malformed definition document: %v", err)
	}
	return finishDecode(&def)
}

// DecodeYAML parses and validates a YAML definition document.
func DecodeYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fault.Validation("malformed definition document: %v", err)
	}
	normalizeNodes(def.Nodes)
	return finishDecode(&def)
}

func finishDecode(def *Definition) (*Definition, error) {
	if def.Status == "" {
		def.Status = StatusActive
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// normalizeNodes converts YAML's map[string]any-incompatible shapes
// (map[any]any does not occur with yaml.v3, but nested numbers decode as int)
// into the JSON-equivalent types the template resolver expects.
func normalizeNodes(nodes []Node) {
	for i := range nodes {
		n := &nodes[i]
		n.Config = normalizeMap(n.Config)
		n.InputMapping = normalizeMap(n.InputMapping)
		if len(n.Nodes) > 0 {
			normalizeNodes(n.Nodes)
		}
		if n.TaskTemplate != nil {
			n.TaskTemplate.Config = normalizeMap(n.TaskTemplate.Config)
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalizeValue(t[i])
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
