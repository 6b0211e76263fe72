// Package normalize turns loosely typed capability responses into stable,
// versioned response shapes. Every normalizer is pure and total: malformed
// fields degrade to defaults and nothing here returns an error.
package normalize

// Func normalizes one capability action's raw response.
type Func func(raw any, echo Echo, version string) any

var builtins = map[string]Func{
	"facet.detect": func(raw any, echo Echo, version string) any {
		return Facet(raw, echo, version)
	},
	"deliberation.deliberate": func(raw any, echo Echo, version string) any {
		return Deliberate(raw, echo, version)
	},
	"deliberation.review": func(raw any, echo Echo, version string) any {
		return Deliberate(raw, echo, version)
	},
	"practices.generate": func(raw any, echo Echo, version string) any {
		return Practices(raw, echo, version)
	},
}

// For returns the normalizer for capability.action, falling back to Generic.
func For(capability, action string) Func {
	if fn, ok := builtins[capability+"."+action]; ok {
		return fn
	}
	return func(raw any, echo Echo, version string) any {
		return Generic(raw, echo, version)
	}
}

// Generic passes an unknown capability's object through, stamping the
// resolved version and trace id over whatever the upstream echoed. Non-object
// bodies are wrapped under "result".
func Generic(raw any, echo Echo, version string) map[string]any {
	out := map[string]any{}
	if obj, ok := raw.(map[string]any); ok {
		for k, v := range obj {
			out[k] = v
		}
	} else if raw != nil {
		out["result"] = raw
	}
	delete(out, "behaviorVersion")
	delete(out, "traceId")
	out["behavior_version"] = version
	out["trace_id"] = echo.TraceID
	return out
}
