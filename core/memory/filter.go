package memory

import (
	"strings"
	"time"
)

// filter is a compiled Query. List predicates match when any listed value
// is present; time bounds are inclusive.
type filter struct {
	text     string
	facets   map[string]struct{}
	entities map[string]struct{}
	tags     map[string]struct{}
	kinds    map[Kind]struct{}
	minSig   *float64
	since    *time.Time
	until    *time.Time
}

func newFilter(q Query) filter {
	f := filter{
		text:     strings.ToLower(strings.TrimSpace(q.Text)),
		facets:   exactSet(q.FacetCodes),
		entities: foldedSet(q.Entities),
		tags:     foldedSet(q.Tags),
		minSig:   q.MinSignificance,
		since:    q.Since,
		until:    q.Until,
	}
	for _, k := range q.Kinds {
		if f.kinds == nil {
			f.kinds = map[Kind]struct{}{}
		}
		f.kinds[Kind(strings.ToLower(strings.TrimSpace(string(k))))] = struct{}{}
	}
	return f
}

func (f filter) match(item Item) bool {
	if len(f.facets) > 0 {
		if _, ok := f.facets[item.FacetCode]; !ok {
			return false
		}
	}
	if len(f.kinds) > 0 {
		if _, ok := f.kinds[item.Kind]; !ok {
			return false
		}
	}
	if len(f.entities) > 0 && !anyFolded(item.Entities, f.entities) {
		return false
	}
	if len(f.tags) > 0 && !anyFolded(item.Tags, f.tags) {
		return false
	}
	if f.minSig != nil && item.Significance < *f.minSig {
		return false
	}
	if f.since != nil && item.Timestamp.Before(*f.since) {
		return false
	}
	if f.until != nil && item.Timestamp.After(*f.until) {
		return false
	}
	if f.text != "" && !f.matchText(item) {
		return false
	}
	return true
}

// matchText is a case-insensitive substring search over content, payload,
// labels and facet code.
func (f filter) matchText(item Item) bool {
	if strings.Contains(strings.ToLower(item.Content), f.text) {
		return true
	}
	if len(item.Payload) > 0 && strings.Contains(strings.ToLower(string(item.Payload)), f.text) {
		return true
	}
	if strings.Contains(strings.ToLower(item.FacetCode), f.text) {
		return true
	}
	for _, labels := range [][]string{item.Tags, item.Entities} {
		for _, l := range labels {
			if strings.Contains(strings.ToLower(l), f.text) {
				return true
			}
		}
	}
	return false
}

func exactSet(values []string) map[string]struct{} {
	var out map[string]struct{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		if out == nil {
			out = map[string]struct{}{}
		}
		out[v] = struct{}{}
	}
	return out
}

func foldedSet(values []string) map[string]struct{} {
	var out map[string]struct{}
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v == "" {
			continue
		}
		if out == nil {
			out = map[string]struct{}{}
		}
		out[v] = struct{}{}
	}
	return out
}

func anyFolded(labels []string, set map[string]struct{}) bool {
	for _, l := range labels {
		if _, ok := set[strings.ToLower(l)]; ok {
			return true
		}
	}
	return false
}
