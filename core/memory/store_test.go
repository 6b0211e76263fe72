package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soullab/kernel-gateway/core/apierr"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

var (
	tenantA = TenantContext{OrgID: "o1", SpaceID: "s1", UserID: "u1"}
	tenantB = TenantContext{OrgID: "o1", SpaceID: "s1", UserID: "u2"}
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(newStepClock().Now)}, opts...)
	return NewService(NewMemoryBackend(), opts...)
}

func mustSave(t *testing.T, s *Service, d Draft) Item {
	t.Helper()
	res, err := s.Write(context.Background(), d, ModeSave)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !res.Stored || res.Item == nil {
		t.Fatalf("expected stored item, got %+v", res)
	}
	return *res.Item
}

func count(t *testing.T, s *Service) int {
	t.Helper()
	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st.Items
}

func TestParseModeFailsClosed(t *testing.T) {
	cases := map[string]Mode{
		"save":      ModeSave,
		" SAVE ":    ModeSave,
		"Save":      ModeSave,
		"":          ModeSanctuary,
		"sanctuary": ModeSanctuary,
		"saved":     ModeSanctuary,
		"persist":   ModeSanctuary,
		"s a v e":   ModeSanctuary,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Fatalf("ParseMode(%q)=%s want=%s", in, got, want)
		}
	}
}

func TestWriteSanctuaryPersistsNothing(t *testing.T) {
	notifier := &recordingNotifier{}
	s := newTestService(t, WithNotifier(notifier))
	res, err := s.Write(context.Background(), Draft{Tenant: tenantA, Kind: KindJournal, Content: "private"}, ModeSanctuary)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Stored || res.Reason != ReasonSanctuary || res.Item != nil {
		t.Fatalf("unexpected sanctuary result: %+v", res)
	}
	if count(t, s) != 0 {
		t.Fatalf("sanctuary write must not persist")
	}
	if len(notifier.events) != 0 {
		t.Fatalf("sanctuary write must not emit events")
	}
}

func TestWriteSaveBuildsItem(t *testing.T) {
	notifier := &recordingNotifier{}
	s := newTestService(t, WithNotifier(notifier))
	item := mustSave(t, s, Draft{
		Tenant:   TenantContext{OrgID: " o1 ", SpaceID: "s1", UserID: "u1"},
		Kind:     "Journal",
		Tags:     []string{" healing ", "", "healing", "rest"},
		Entities: []string{"Ana"},
		Payload:  json.RawMessage(`{"mood":"calm"}`),
	})
	if item.ID == "" || item.Timestamp.IsZero() || item.Mode != ModeSave {
		t.Fatalf("missing store-assigned fields: %+v", item)
	}
	if item.OrgID != "o1" || item.Kind != KindJournal {
		t.Fatalf("tenant/kind not normalized: %+v", item)
	}
	if item.Significance != DefaultSignificance {
		t.Fatalf("expected default significance, got %v", item.Significance)
	}
	if len(item.Tags) != 2 || item.Tags[0] != "healing" || item.Tags[1] != "rest" {
		t.Fatalf("tags not cleaned: %v", item.Tags)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != EventSaved || notifier.events[0].ID != item.ID {
		t.Fatalf("unexpected events: %+v", notifier.events)
	}
	data, err := json.Marshal(notifier.events[0])
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if containsKey(t, data, "content") || containsKey(t, data, "payload") {
		t.Fatalf("event must not carry content: %s", data)
	}
}

func containsKey(t *testing.T, data []byte, key string) bool {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, ok := m[key]
	return ok
}

func TestWriteValidation(t *testing.T) {
	s := newTestService(t)
	bad := 1.5
	cases := []Draft{
		{Tenant: TenantContext{OrgID: "o1", SpaceID: "s1"}, Kind: KindJournal},
		{Tenant: tenantA, Kind: "dream"},
		{Tenant: tenantA, Kind: KindInsight, Significance: &bad},
	}
	for _, d := range cases {
		_, err := s.Write(context.Background(), d, ModeSave)
		var apiErr *apierr.Error
		if !errors.As(err, &apiErr) || apiErr.Class != apierr.ClassBadInput {
			t.Fatalf("expected bad input for %+v, got %v", d, err)
		}
	}
	if count(t, s) != 0 {
		t.Fatalf("invalid drafts must not persist")
	}
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	s := newTestService(t)
	low, high := 0.2, 0.9
	first := mustSave(t, s, Draft{Tenant: tenantA, Kind: KindJournal, FacetCode: "W2", Tags: []string{"healing"}, Significance: &low, Content: "River walk"})
	second := mustSave(t, s, Draft{Tenant: tenantA, Kind: KindInsight, FacetCode: "F1", Entities: []string{"Ana"}, Significance: &high})
	third := mustSave(t, s, Draft{Tenant: tenantA, Kind: KindJournal, FacetCode: "W2", Tags: []string{"Rest"}, Payload: json.RawMessage(`{"note":"Ocean"}`)})
	mustSave(t, s, Draft{Tenant: tenantB, Kind: KindJournal, FacetCode: "W2", Tags: []string{"healing"}})

	ctx := context.Background()
	all, err := s.Query(ctx, Query{Tenant: tenantA})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if all.Total != 3 || all.Items[0].ID != third.ID || all.Items[2].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", all.Items)
	}
	if all.DominantFacet != "W2" {
		t.Fatalf("dominant facet=%q", all.DominantFacet)
	}

	floor := 0.5
	since := second.Timestamp
	cases := []struct {
		name string
		q    Query
		want []string
	}{
		{"tags any", Query{Tags: []string{"HEALING", "rest"}}, []string{third.ID, first.ID}},
		{"entities", Query{Entities: []string{"ana"}}, []string{second.ID}},
		{"facets", Query{FacetCodes: []string{"F1"}}, []string{second.ID}},
		{"kinds", Query{Kinds: []Kind{KindJournal}}, []string{third.ID, first.ID}},
		{"significance floor", Query{MinSignificance: &floor}, []string{third.ID, second.ID}},
		{"since inclusive", Query{Since: &since}, []string{third.ID, second.ID}},
		{"until inclusive", Query{Until: &since}, []string{second.ID, first.ID}},
		{"text content", Query{Text: "river"}, []string{first.ID}},
		{"text payload", Query{Text: "ocean"}, []string{third.ID}},
		{"text facet", Query{Text: "f1"}, []string{second.ID}},
		{"combined", Query{Tags: []string{"healing"}, FacetCodes: []string{"F1"}}, nil},
	}
	for _, tc := range cases {
		tc.q.Tenant = tenantA
		res, err := s.Query(ctx, tc.q)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Total != len(tc.want) || len(res.Items) != len(tc.want) {
			t.Fatalf("%s: got %d items (total %d), want %d", tc.name, len(res.Items), res.Total, len(tc.want))
		}
		for i, id := range tc.want {
			if res.Items[i].ID != id {
				t.Fatalf("%s: item %d = %s want %s", tc.name, i, res.Items[i].ID, id)
			}
		}
	}
}

func TestQueryLimitAfterTotal(t *testing.T) {
	s := newTestService(t)
	for i := 0; i < 5; i++ {
		facet := "E1"
		if i < 3 {
			facet = "A2"
		}
		mustSave(t, s, Draft{Tenant: tenantA, Kind: KindSession, FacetCode: facet})
	}
	res, err := s.Query(context.Background(), Query{Tenant: tenantA, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 5 || len(res.Items) != 2 {
		t.Fatalf("total=%d returned=%d", res.Total, len(res.Items))
	}
	// The page holds the two newest (E1) items; dominance covers all matches.
	if res.DominantFacet != "A2" {
		t.Fatalf("dominant facet should cover the full match set, got %q", res.DominantFacet)
	}
}

func TestQueryEmptyIsNotError(t *testing.T) {
	s := newTestService(t)
	res, err := s.Query(context.Background(), Query{Tenant: tenantA, Tags: []string{"none"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 0 || len(res.Items) != 0 || res.DominantFacet != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := s.Query(context.Background(), Query{Tenant: TenantContext{OrgID: "o1"}}); err == nil {
		t.Fatalf("expected tenant validation error")
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 20, -3: 20, 1: 1, 50: 50, 100: 100, 1000: 100}
	for in, want := range cases {
		if got := ClampLimit(in); got != want {
			t.Fatalf("ClampLimit(%d)=%d want=%d", in, got, want)
		}
	}
}

func TestEndToEndScenario(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	mustSave(t, s, Draft{Tenant: tenantA, Kind: KindJournal, FacetCode: "W2", Tags: []string{"healing"}})

	res, err := s.Query(ctx, Query{Tenant: tenantA, Tags: []string{"healing"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].FacetCode != "W2" {
		t.Fatalf("expected one W2 item, got %+v", res.Items)
	}

	mustSave(t, s, Draft{Tenant: tenantA, Kind: KindJournal, FacetCode: "E1"})
	p, err := s.Patterns(ctx, tenantA)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	if len(p.FacetFrequency) != 2 || p.FacetFrequency["W2"] != 1 || p.FacetFrequency["E1"] != 1 {
		t.Fatalf("unexpected frequency: %v", p.FacetFrequency)
	}
	if len(p.FacetTransitions) != 1 || p.FacetTransitions[0] != (Transition{From: "W2", To: "E1", Count: 1}) {
		t.Fatalf("unexpected transitions: %+v", p.FacetTransitions)
	}
	if p.TotalItems != 2 || p.TimeRange.Earliest == nil || !p.TimeRange.Earliest.Before(*p.TimeRange.Latest) {
		t.Fatalf("unexpected range/total: %+v", p)
	}
}

func TestPatternsEmptyIsZeroed(t *testing.T) {
	s := newTestService(t)
	p, err := s.Patterns(context.Background(), tenantA)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"user_id":"u1","time_range":{"earliest":null,"latest":null},"facet_frequency":{},"top_entities":[],"top_tags":[],"facet_transitions":[],"total_items":0}`
	if string(data) != want {
		t.Fatalf("unexpected empty patterns:\n%s\nwant\n%s", data, want)
	}
}

func TestPatternsRankingAndTies(t *testing.T) {
	s := newTestService(t)
	facets := []string{"A1", "F1", "A1", "F1", "", "W1", "W1"}
	for i, f := range facets {
		tags := []string{"zeta"}
		if i%2 == 0 {
			tags = append(tags, "alpha")
		}
		mustSave(t, s, Draft{Tenant: tenantA, Kind: KindSession, FacetCode: f, Tags: tags, Entities: []string{"b", "a"}})
	}
	p, err := s.Patterns(context.Background(), tenantA)
	if err != nil {
		t.Fatalf("patterns: %v", err)
	}
	if p.TopTags[0] != (LabelCount{Label: "zeta", Count: 7}) || p.TopTags[1] != (LabelCount{Label: "alpha", Count: 4}) {
		t.Fatalf("unexpected tags: %+v", p.TopTags)
	}
	if p.TopEntities[0].Label != "a" || p.TopEntities[1].Label != "b" {
		t.Fatalf("ties should order by label: %+v", p.TopEntities)
	}
	// A1->F1 x2, F1->A1 x1; the blank facet breaks F1..W1.
	want := []Transition{{"A1", "F1", 2}, {"F1", "A1", 1}}
	if len(p.FacetTransitions) != len(want) {
		t.Fatalf("unexpected transitions: %+v", p.FacetTransitions)
	}
	for i := range want {
		if p.FacetTransitions[i] != want[i] {
			t.Fatalf("transition %d = %+v want %+v", i, p.FacetTransitions[i], want[i])
		}
	}
}

func TestPatternsTopNTruncates(t *testing.T) {
	items := make([]Item, 0, 12)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		items = append(items, Item{Tags: []string{string(rune('a' + i))}, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	p := computePatterns("u", items)
	if len(p.TopTags) != topN || p.TopTags[0].Label != "a" || p.TopTags[9].Label != "j" {
		t.Fatalf("unexpected top tags: %+v", p.TopTags)
	}
}

func TestDeleteIsTenantScoped(t *testing.T) {
	notifier := &recordingNotifier{}
	s := newTestService(t, WithNotifier(notifier))
	item := mustSave(t, s, Draft{Tenant: tenantA, Kind: KindMilestone})
	ctx := context.Background()

	removed, err := s.Delete(ctx, tenantB, item.ID)
	if err != nil || removed {
		t.Fatalf("other tenant must not delete: removed=%v err=%v", removed, err)
	}
	removed, err = s.Delete(ctx, tenantA, item.ID)
	if err != nil || !removed {
		t.Fatalf("owner delete failed: removed=%v err=%v", removed, err)
	}
	removed, err = s.Delete(ctx, tenantA, item.ID)
	if err != nil || removed {
		t.Fatalf("second delete should report false: removed=%v err=%v", removed, err)
	}
	if len(notifier.events) != 2 || notifier.events[1].Type != EventDeleted {
		t.Fatalf("unexpected events: %+v", notifier.events)
	}
}

type failingBackend struct{ MemoryBackend }

var errBackendDown = errors.New("backend down")

func (*failingBackend) Insert(context.Context, Item) error { return errBackendDown }

func (*failingBackend) Scan(context.Context, TenantContext) ([]Item, error) {
	return nil, errBackendDown
}

func TestBackendFailuresSurfaceAsStoreFailure(t *testing.T) {
	s := NewService(&failingBackend{})
	_, err := s.Write(context.Background(), Draft{Tenant: tenantA, Kind: KindJournal}, ModeSave)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Class != apierr.ClassInternalStoreFailure {
		t.Fatalf("expected store failure, got %v", err)
	}
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("store failure should wrap backend error")
	}
	if _, err := s.Query(context.Background(), Query{Tenant: tenantA}); !errors.As(err, &apiErr) || apiErr.Class != apierr.ClassInternalStoreFailure {
		t.Fatalf("expected store failure on query, got %v", err)
	}
	// Sanctuary never reaches the backend.
	if _, err := s.Write(context.Background(), Draft{Tenant: tenantA, Kind: KindJournal}, ModeSanctuary); err != nil {
		t.Fatalf("sanctuary write should not fail: %v", err)
	}
}
