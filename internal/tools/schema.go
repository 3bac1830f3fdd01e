package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// validateArgs checks required keys and primitive types of the top-level
// properties in schema. Unknown keys are reported too, since they
// usually mean the model confused two tools.
func validateArgs(schema map[string]any, args map[string]any) []string {
	var problems []string
	props, _ := schema["properties"].(map[string]any)

	for _, key := range requiredKeys(schema) {
		if v, ok := args[key]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required argument %q", key))
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := args[k]
		prop, ok := props[k].(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown argument %q", k))
			continue
		}
		if v == nil {
			continue
		}
		types := schemaTypes(prop["type"])
		if len(types) == 0 {
			continue
		}
		if !matchesAny(v, types) {
			problems = append(problems, fmt.Sprintf("argument %q must be %s, got %s", k, joinTypes(types), jsonType(v)))
			continue
		}
		if p := checkRange(k, v, prop); p != "" {
			problems = append(problems, p)
		}
	}
	return problems
}

// checkRange applies the minimum and maximum keywords to numeric values.
func checkRange(key string, v any, prop map[string]any) string {
	f, ok := number(v)
	if !ok {
		return ""
	}
	if lo, ok := number(prop["minimum"]); ok && f < lo {
		return fmt.Sprintf("argument %q must be at least %v", key, lo)
	}
	if hi, ok := number(prop["maximum"]); ok && f > hi {
		return fmt.Sprintf("argument %q must be at most %v", key, hi)
	}
	return ""
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func schemaTypes(t any) []string {
	switch t := t.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func matchesAny(v any, types []string) bool {
	for _, t := range types {
		if matches(v, t) {
			return true
		}
	}
	return false
}

func matches(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := number(v)
		return ok
	case "integer":
		f, ok := number(v)
		return ok && f == math.Trunc(f)
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func joinTypes(types []string) string {
	if len(types) == 1 {
		return types[0]
	}
	out := types[0]
	for _, t := range types[1:] {
		out += " or " + t
	}
	return out
}
