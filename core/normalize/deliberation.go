package normalize

import (
	"sort"
	"strconv"
	"strings"
)

type Perspective struct {
	Name     string `json:"name"`
	Framing  string `json:"framing"`
	Response string `json:"response"`
}

// Deliberation is the stable response for deliberation.deliberate and
// deliberation.review.
type Deliberation struct {
	Question        string        `json:"question"`
	Perspectives    []Perspective `json:"perspectives"`
	Synthesis       string        `json:"synthesis"`
	Provider        string        `json:"provider"`
	ElapsedSeconds  float64       `json:"elapsed_seconds"`
	BehaviorVersion string        `json:"behavior_version"`
	TraceID         string        `json:"trace_id"`
}

// Deliberate normalizes a committee deliberation. Perspectives come from a
// `perspectives` array or, failing that, a `responses` object keyed by agent
// name, ordered by name.
func Deliberate(raw any, echo Echo, version string) Deliberation {
	obj := asObject(raw)
	question := echo.String("question")
	if question == "" {
		question = echo.String("text")
	}
	out := Deliberation{
		Question:        stringAny(obj, question, "question"),
		Synthesis:       stringAny(obj, "", "synthesis", "summary"),
		Provider:        stringAny(obj, "", "provider", "provider_used"),
		ElapsedSeconds:  numberAny(obj, 0, "elapsed_seconds", "elapsed"),
		BehaviorVersion: version,
		TraceID:         echo.TraceID,
	}
	if out.ElapsedSeconds < 0 {
		out.ElapsedSeconds = 0
	}

	if list := objectList(obj, "perspectives", "reviews"); list != nil {
		out.Perspectives = make([]Perspective, 0, len(list))
		for i, p := range list {
			out.Perspectives = append(out.Perspectives, Perspective{
				Name:     stringAny(p, "agent-"+strconv.Itoa(i+1), "name", "agent"),
				Framing:  stringAny(p, "", "framing"),
				Response: stringAny(p, "", "response", "text"),
			})
		}
		return out
	}
	out.Perspectives = perspectivesFromResponses(obj)
	return out
}

func perspectivesFromResponses(obj map[string]any) []Perspective {
	out := []Perspective{}
	v, ok := lookup(obj, "responses")
	if !ok {
		return out
	}
	responses, ok := v.(map[string]any)
	if !ok {
		return out
	}
	names := make([]string, 0, len(responses))
	for name := range responses {
		if strings.TrimSpace(name) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		switch entry := responses[name].(type) {
		case map[string]any:
			out = append(out, Perspective{
				Name:     strings.TrimSpace(name),
				Framing:  stringAny(entry, "", "framing"),
				Response: stringAny(entry, "", "response", "text"),
			})
		case string:
			out = append(out, Perspective{Name: strings.TrimSpace(name), Response: strings.TrimSpace(entry)})
		}
	}
	return out
}
