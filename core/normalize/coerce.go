package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Echo carries request-derived fallbacks for a normalizer.
type Echo struct {
	TraceID string
	Request map[string]any
}

// String returns a trimmed string field of the original request.
func (e Echo) String(name string) string {
	return stringField(e.Request, name, "")
}

// asObject unwraps `{"data": {...}}` and `{"result": {...}}` envelopes and
// returns an empty map for anything that is not an object.
func asObject(raw any) map[string]any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	for i := 0; i < 2; i++ {
		inner, found := lookup(obj, "data")
		if !found {
			inner, found = lookup(obj, "result")
		}
		next, ok := inner.(map[string]any)
		if !found || !ok {
			break
		}
		obj = next
	}
	return obj
}

// lookup finds a field by its snake_case name or the camelCase variant.
func lookup(obj map[string]any, name string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	if v, ok := obj[name]; ok && v != nil {
		return v, true
	}
	if camel := camelCase(name); camel != name {
		if v, ok := obj[camel]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupAny(obj map[string]any, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := lookup(obj, name); ok {
			return v, true
		}
	}
	return nil, false
}

func camelCase(name string) string {
	if !strings.Contains(name, "_") {
		return name
	}
	parts := strings.Split(name, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

func stringField(obj map[string]any, name, fallback string) string {
	return stringAny(obj, fallback, name)
}

func stringAny(obj map[string]any, fallback string, names ...string) string {
	v, ok := lookupAny(obj, names...)
	if !ok {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func numberAny(obj map[string]any, fallback float64, names ...string) float64 {
	v, ok := lookupAny(obj, names...)
	if !ok {
		return fallback
	}
	f, ok := toFloat(v)
	if !ok {
		return fallback
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stringList keeps the non-empty string elements of an array field.
func stringList(obj map[string]any, names ...string) []string {
	out := []string{}
	v, ok := lookupAny(obj, names...)
	if !ok {
		return out
	}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// objectList keeps only the object elements of an array field.
func objectList(obj map[string]any, names ...string) []map[string]any {
	v, ok := lookupAny(obj, names...)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ElementForFacet maps a facet code to its element by first letter.
func ElementForFacet(facetCode string) string {
	facetCode = strings.TrimSpace(facetCode)
	if facetCode == "" {
		return "aether"
	}
	switch unicode.ToUpper([]rune(facetCode)[0]) {
	case 'F':
		return "fire"
	case 'W':
		return "water"
	case 'E':
		return "earth"
	case 'A':
		return "air"
	default:
		return "aether"
	}
}
