package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// parseYAML reads a list of mappings, or a single mapping as one record.
func parseYAML(path string, _ Options) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	switch v := normalizeYAML(doc).(type) {
	case nil:
		return nil, nil
	case []any:
		records := make([]Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("yaml item %d is not a mapping", i)
			}
			records = append(records, Record(m))
		}
		return records, nil
	case map[string]any:
		return []Record{Record(v)}, nil
	default:
		return nil, fmt.Errorf("yaml must contain a list of mappings")
	}
}

// normalizeYAML converts the map[interface{}]interface{} values produced by
// yaml.v2 into map[string]any recursively.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
