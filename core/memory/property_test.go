package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var (
	facetPool = []string{"", "W2", "E1", "F3", "A1"}
	tagPool   = []string{"healing", "rest", "grief", "joy"}
	modePool  = []string{"", "sanctuary", "SANCTUARY", "saved", "maybe", " Save", "save"}
)

func poolIndex(pool []string) gopter.Gen {
	return gen.IntRange(0, len(pool)-1)
}

// TestSanctuaryWritesNeverPersistProperty checks that any mode other than
// "save" leaves the store untouched and invisible to every query.
func TestSanctuaryWritesNeverPersistProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("non-save modes persist nothing", prop.ForAll(
		func(mi, fi, ti int) bool {
			mode, facet, tag := modePool[mi], facetPool[fi], tagPool[ti]
			s := NewService(NewMemoryBackend())
			ctx := context.Background()
			res, err := s.Write(ctx, Draft{Tenant: tenantA, Kind: KindJournal, FacetCode: facet, Tags: []string{tag}}, ParseMode(mode))
			if err != nil {
				return false
			}
			st, _ := s.Stats(ctx)
			q, _ := s.Query(ctx, Query{Tenant: tenantA, Tags: []string{tag}})
			if ParseMode(mode) == ModeSave {
				return res.Stored && st.Items == 1 && q.Total == 1
			}
			return !res.Stored && res.Item == nil && st.Items == 0 && q.Total == 0
		},
		poolIndex(modePool), poolIndex(facetPool), poolIndex(tagPool),
	))

	properties.TestingRun(t)
}

// TestTenantIsolationProperty writes under one tenant and queries another
// with arbitrary filters.
func TestTenantIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	other := []TenantContext{
		tenantB,
		{OrgID: "o2", SpaceID: "s1", UserID: "u1"},
		{OrgID: "o1", SpaceID: "s2", UserID: "u1"},
	}

	properties.Property("other tenants never see items", prop.ForAll(
		func(fi, ti int, text string, useFacet, useTag bool, which int) bool {
			facet, tag := facetPool[fi], tagPool[ti]
			s := NewService(NewMemoryBackend())
			ctx := context.Background()
			if _, err := s.Write(ctx, Draft{Tenant: tenantA, Kind: KindInsight, FacetCode: facet, Tags: []string{tag}, Content: text}, ModeSave); err != nil {
				return false
			}
			q := Query{Tenant: other[which], Text: text}
			if useFacet {
				q.FacetCodes = []string{facet}
			}
			if useTag {
				q.Tags = []string{tag}
			}
			res, err := s.Query(ctx, q)
			if err != nil || res.Total != 0 {
				return false
			}
			p, err := s.Patterns(ctx, other[which])
			if err != nil || p.TotalItems != 0 {
				return false
			}
			removed, _ := s.Delete(ctx, other[which], "anything")
			return !removed
		},
		poolIndex(facetPool), poolIndex(tagPool), gen.AlphaString(), gen.Bool(), gen.Bool(), gen.IntRange(0, len(other)-1),
	))

	properties.TestingRun(t)
}

// TestPatternsDeterminismProperty checks byte-identical output for repeated
// calls over the same item set.
func TestPatternsDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("patterns are repeatable", prop.ForAll(
		func(facets, tags []int) bool {
			s := NewService(NewMemoryBackend(), WithClock(newStepClock().Now))
			ctx := context.Background()
			for i, f := range facets {
				d := Draft{Tenant: tenantA, Kind: KindSession, FacetCode: facetPool[f]}
				if i < len(tags) {
					d.Tags = []string{tagPool[tags[i]]}
				}
				if _, err := s.Write(ctx, d, ModeSave); err != nil {
					return false
				}
			}
			a, err := s.Patterns(ctx, tenantA)
			if err != nil {
				return false
			}
			b, _ := s.Patterns(ctx, tenantA)
			ja, _ := json.Marshal(a)
			jb, _ := json.Marshal(b)
			return string(ja) == string(jb) && a.TotalItems == len(facets)
		},
		gen.SliceOf(poolIndex(facetPool)), gen.SliceOf(poolIndex(tagPool)),
	))

	properties.TestingRun(t)
}
