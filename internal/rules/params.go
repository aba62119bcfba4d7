package rules

import (
	"fmt"
	"strings"
)

// params reads typed values out of a rule's free-form parameter map.
// Values may arrive from JSON (float64) or YAML (int), so numbers are coerced.
type params map[string]any

// has reports whether key carries a value. An explicit null counts as absent.
func (p params) has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func (p params) float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}

func (p params) requiredFloat(key string) (float64, error) {
	if !p.has(key) {
		return 0, fmt.Errorf("param %q is required", key)
	}
	return p.float(key, 0)
}

func (p params) int(key string, def int) (int, error) {
	f, err := p.float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("param %q must be a whole number", key)
	}
	return int(f), nil
}

func (p params) requiredInt(key string) (int, error) {
	if !p.has(key) {
		return 0, fmt.Errorf("param %q is required", key)
	}
	return p.int(key, 0)
}

func (p params) string(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}

// upperSet reads a list of strings into an upper-cased set.
func (p params) upperSet(key string) (map[string]bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}

	var items []string
	switch list := v.(type) {
	case []string:
		items = list
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("param %q must be a list of strings", key)
			}
			items = append(items, s)
		}
	default:
		return nil, fmt.Errorf("param %q must be a list of strings, got %T", key, v)
	}

	set := make(map[string]bool, len(items))
	for _, s := range items {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = true
		}
	}
	return set, nil
}
