package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coerce converts a raw client value into the canonical value for f.
//
//   - text: strings pass through, numbers and booleans are formatted, nil is "".
//   - boolean: "1"/"true" and "0"/"false" (any case); otherwise truthiness.
//   - integer: nil or "" means unset (nil); otherwise the value must parse.
//   - multi: a JSON array or comma string, normalised to "a,b,c".
func (f FieldDescriptor) Coerce(raw any) (any, error) {
	switch f.Type {
	case FieldBool:
		return coerceBool(raw), nil
	case FieldInt:
		return coerceInt(raw)
	case FieldMulti:
		return coerceMulti(raw)
	default:
		return coerceText(raw)
	}
}

func coerceText(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return boolText(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	default:
		return nil, fmt.Errorf("expected text, got %T", raw)
	}
}

func coerceBool(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true":
			return true
		case "0", "false":
			return false
		}
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

func coerceInt(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		// -2^63 converts exactly; 2^63 is already out of range.
		if v < -9.223372036854775808e18 || v >= 9.223372036854775808e18 {
			return nil, fmt.Errorf("integer %v out of range", v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v.String())
		}
		return n, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", raw)
	}
}

func coerceMulti(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[") {
			var items []any
			if err := json.Unmarshal([]byte(s), &items); err != nil {
				return nil, fmt.Errorf("malformed list: %v", err)
			}
			return joinItems(items)
		}
		return joinParts(strings.Split(s, ",")), nil
	case []string:
		return joinParts(v), nil
	case []any:
		return joinItems(v)
	default:
		return nil, fmt.Errorf("expected list or comma separated string, got %T", raw)
	}
}

func joinItems(items []any) (string, error) {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s, err := coerceText(item)
		if err != nil {
			return "", fmt.Errorf("list item: %w", err)
		}
		parts = append(parts, s.(string))
	}
	return joinParts(parts), nil
}

func joinParts(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

// Render formats a coerced value the way history stores it. Booleans are
// "True"/"False"; an unset integer renders as "".
func (f FieldDescriptor) Render(v any) string {
	switch f.Type {
	case FieldBool:
		b, _ := v.(bool)
		return boolText(b)
	case FieldInt:
		switch n := v.(type) {
		case int64:
			return strconv.FormatInt(n, 10)
		case int:
			return strconv.Itoa(n)
		}
		return ""
	default:
		s, _ := v.(string)
		return s
	}
}

// IsUnset reports whether v is the empty state of f.
func (f FieldDescriptor) IsUnset(v any) bool {
	switch f.Type {
	case FieldBool:
		return false
	case FieldInt:
		return v == nil
	default:
		s, _ := v.(string)
		return s == ""
	}
}

func boolText(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
