package normalize

import "strings"

// FacetState is one scored state reported by the facet detector.
type FacetState struct {
	Code  string  `json:"code"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// FacetDetection is the stable facet.detect response.
type FacetDetection struct {
	FacetCode       string       `json:"facet_code"`
	Element         string       `json:"element"`
	Confidence      float64      `json:"confidence"`
	States          []FacetState `json:"states"`
	Summary         string       `json:"summary"`
	BehaviorVersion string       `json:"behavior_version"`
	TraceID         string       `json:"trace_id"`
}

// Facet normalizes a facet detector response. The request's facet_hint is
// the fallback facet code.
func Facet(raw any, echo Echo, version string) FacetDetection {
	obj := asObject(raw)
	out := FacetDetection{
		FacetCode:       stringAny(obj, echo.String("facet_hint"), "facet_code", "facet"),
		Summary:         stringAny(obj, "", "summary", "explanation"),
		Confidence:      clamp(numberAny(obj, 0, "confidence", "score"), 0, 1),
		States:          []FacetState{},
		BehaviorVersion: version,
		TraceID:         echo.TraceID,
	}
	out.Element = strings.ToLower(stringAny(obj, ElementForFacet(out.FacetCode), "element"))
	for _, s := range objectList(obj, "states", "detected_states") {
		state := FacetState{
			Code:  stringAny(s, "", "code", "state_code"),
			Label: stringAny(s, "", "label", "name"),
			Score: clamp(numberAny(s, 0, "score", "confidence", "weight"), 0, 1),
		}
		if state.Code == "" && state.Label == "" {
			continue
		}
		out.States = append(out.States, state)
	}
	return out
}
