package normalize

import (
	"math"
	"strconv"
	"strings"
)

const (
	unknownFacet = "UNK"

	// maxPracticeMinutes bounds duration_min; a request's
	// duration_available_min lowers it further.
	maxPracticeMinutes = 120
)

type Practice struct {
	ID                string   `json:"id"`
	FacetCode         string   `json:"facet_code"`
	Element           string   `json:"element"`
	Title             string   `json:"title"`
	DurationMin       int      `json:"duration_min"`
	Difficulty        string   `json:"difficulty"`
	Steps             []string `json:"steps"`
	Tags              []string `json:"tags"`
	Contraindications []string `json:"contraindications"`
}

// PracticeSet is the stable practices.generate response.
type PracticeSet struct {
	Practices       []Practice `json:"practices"`
	BehaviorVersion string     `json:"behavior_version"`
	TraceID         string     `json:"trace_id"`
}

// Practices normalizes generated practices. Missing facet codes fall back to
// the request's facet_code, then "UNK"; missing difficulty to the request's,
// then "easy"; missing elements to the request's element_preference, then
// the facet's element.
func Practices(raw any, echo Echo, version string) PracticeSet {
	obj := asObject(raw)
	facet := echo.String("facet_code")
	if facet == "" {
		facet = unknownFacet
	}
	difficulty := strings.ToLower(echo.String("difficulty"))
	if difficulty == "" {
		difficulty = "easy"
	}
	preferred := strings.ToLower(echo.String("element_preference"))
	maxMinutes := float64(maxPracticeMinutes)
	if available := numberAny(echo.Request, 0, "duration_available_min"); available > 0 && available < maxMinutes {
		maxMinutes = available
	}

	out := PracticeSet{Practices: []Practice{}, BehaviorVersion: version, TraceID: echo.TraceID}
	for i, p := range objectList(obj, "practices", "items") {
		code := stringAny(p, facet, "facet_code", "facet")
		element := preferred
		if element == "" {
			element = ElementForFacet(code)
		}
		minutes := clamp(math.Round(numberAny(p, 0, "duration_min", "minutes", "duration")), 0, maxMinutes)
		out.Practices = append(out.Practices, Practice{
			ID:                stringAny(p, "practice-"+strconv.Itoa(i+1), "id"),
			FacetCode:         code,
			Element:           strings.ToLower(stringAny(p, element, "element")),
			Title:             stringAny(p, "", "title", "name"),
			DurationMin:       int(minutes),
			Difficulty:        strings.ToLower(stringAny(p, difficulty, "difficulty")),
			Steps:             stringList(p, "steps", "instructions"),
			Tags:              stringList(p, "tags"),
			Contraindications: stringList(p, "contraindications"),
		})
	}
	return out
}
