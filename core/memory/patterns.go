package memory

import "sort"

const topN = 10

// computePatterns walks items oldest first. Transitions are counted between
// adjacent items whose facet codes are both set and differ.
func computePatterns(userID string, items []Item) Patterns {
	out := Patterns{
		UserID:           userID,
		FacetFrequency:   map[string]int{},
		TopEntities:      []LabelCount{},
		TopTags:          []LabelCount{},
		FacetTransitions: []Transition{},
		TotalItems:       len(items),
	}
	if len(items) == 0 {
		return out
	}

	ordered := make([]Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	earliest := ordered[0].Timestamp
	latest := ordered[len(ordered)-1].Timestamp
	out.TimeRange = TimeRange{Earliest: &earliest, Latest: &latest}

	entities := map[string]int{}
	tags := map[string]int{}
	transitions := map[[2]string]int{}
	for i, item := range ordered {
		if item.FacetCode != "" {
			out.FacetFrequency[item.FacetCode]++
		}
		for _, e := range item.Entities {
			entities[e]++
		}
		for _, t := range item.Tags {
			tags[t]++
		}
		if i == 0 {
			continue
		}
		prev := ordered[i-1].FacetCode
		if prev != "" && item.FacetCode != "" && prev != item.FacetCode {
			transitions[[2]string{prev, item.FacetCode}]++
		}
	}

	out.TopEntities = topLabels(entities)
	out.TopTags = topLabels(tags)
	for key, n := range transitions {
		out.FacetTransitions = append(out.FacetTransitions, Transition{From: key[0], To: key[1], Count: n})
	}
	sort.Slice(out.FacetTransitions, func(i, j int) bool {
		a, b := out.FacetTransitions[i], out.FacetTransitions[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	if len(out.FacetTransitions) > topN {
		out.FacetTransitions = out.FacetTransitions[:topN]
	}
	return out
}

func topLabels(counts map[string]int) []LabelCount {
	out := make([]LabelCount, 0, len(counts))
	for label, n := range counts {
		out = append(out, LabelCount{Label: label, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// dominantFacet is the most frequent facet code, ties going to the smallest
// code. Empty when no item carries a facet.
func dominantFacet(items []Item) string {
	counts := map[string]int{}
	for _, item := range items {
		if item.FacetCode != "" {
			counts[item.FacetCode]++
		}
	}
	best, bestN := "", 0
	for code, n := range counts {
		if n > bestN || (n == bestN && code < best) {
			best, bestN = code, n
		}
	}
	return best
}
