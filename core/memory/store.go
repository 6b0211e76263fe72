package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/soullab/kernel-gateway/core/apierr"
	"github.com/soullab/kernel-gateway/core/infra/logging"
	"github.com/soullab/kernel-gateway/core/infra/metrics"
)

const scope = "memory"

// Store is the memory layer consumed by the gateway.
type Store interface {
	Write(ctx context.Context, draft Draft, mode Mode) (WriteResult, error)
	Query(ctx context.Context, q Query) (QueryResult, error)
	Patterns(ctx context.Context, tenant TenantContext) (Patterns, error)
	Delete(ctx context.Context, tenant TenantContext, id string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Backend persists items. Scan returns a tenant's items in insertion order;
// filtering, ordering and aggregation happen in Service so every backend
// shares the same semantics.
type Backend interface {
	Insert(ctx context.Context, item Item) error
	Scan(ctx context.Context, tenant TenantContext) ([]Item, error)
	Remove(ctx context.Context, tenant TenantContext, id string) (bool, error)
	Count(ctx context.Context) (int, error)
	Kind() string
	Close() error
}

// Service implements Store over a Backend.
type Service struct {
	backend  Backend
	notifier Notifier
	metrics  metrics.MemoryMetrics
	now      func() time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

type Option func(*Service)

// WithNotifier sends save and delete events to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithMetrics(m metrics.MemoryMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the clock used to stamp items.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wraps backend in the memory semantics.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		notifier: nopNotifier{},
		metrics:  metrics.Noop{},
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// Write persists the draft only in save mode. Any other mode returns an
// acknowledgment and touches nothing.
func (s *Service) Write(ctx context.Context, draft Draft, mode Mode) (WriteResult, error) {
	if mode != ModeSave {
		s.metrics.IncMemoryWrite(string(ModeSanctuary))
		return WriteResult{Stored: false, Reason: ReasonSanctuary}, nil
	}
	item, err := s.buildItem(draft)
	if err != nil {
		return WriteResult{}, apierr.BadInput(scope, err.Error())
	}
	if err := s.backend.Insert(ctx, item); err != nil {
		logging.Error("memory", "insert failed", "backend", s.backend.Kind(), "error", err)
		return WriteResult{}, apierr.StoreFailure(scope, err)
	}
	s.metrics.IncMemoryWrite(string(ModeSave))
	s.notifier.Notify(eventFor(EventSaved, item))
	return WriteResult{Stored: true, Item: &item}, nil
}

func (s *Service) buildItem(draft Draft) (Item, error) {
	tenant := draft.Tenant.Normalize()
	if err := tenant.Validate(); err != nil {
		return Item{}, err
	}
	kind, err := ParseKind(string(draft.Kind))
	if err != nil {
		return Item{}, err
	}
	significance := DefaultSignificance
	if draft.Significance != nil {
		significance = *draft.Significance
		if math.IsNaN(significance) || significance < 0 || significance > 1 {
			return Item{}, errors.New("significance must be between 0 and 1")
		}
	}
	ts := s.now().UTC()
	id, err := s.newID(ts)
	if err != nil {
		return Item{}, fmt.Errorf("generate id: %w", err)
	}
	return Item{
		ID:           id,
		OrgID:        tenant.OrgID,
		SpaceID:      tenant.SpaceID,
		UserID:       tenant.UserID,
		Kind:         kind,
		FacetCode:    strings.TrimSpace(draft.FacetCode),
		Entities:     cleanLabels(draft.Entities),
		Tags:         cleanLabels(draft.Tags),
		Significance: significance,
		Timestamp:    ts,
		Content:      draft.Content,
		Payload:      draft.Payload,
		Mode:         ModeSave,
	}, nil
}

func (s *Service) newID(ts time.Time) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(ts), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Query returns the tenant's matching items, newest first, truncated to the
// limit after counting every match.
func (s *Service) Query(ctx context.Context, q Query) (QueryResult, error) {
	q.Tenant = q.Tenant.Normalize()
	if err := q.Tenant.Validate(); err != nil {
		return QueryResult{}, apierr.BadInput(scope, err.Error())
	}
	items, err := s.scan(ctx, q.Tenant)
	if err != nil {
		return QueryResult{}, err
	}
	f := newFilter(q)
	matches := make([]Item, 0, len(items))
	for _, item := range items {
		if f.match(item) {
			matches = append(matches, item)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})
	result := QueryResult{Total: len(matches), DominantFacet: dominantFacet(matches)}
	limit := ClampLimit(q.Limit)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	result.Items = matches
	return result, nil
}

// ClampLimit applies the default page size and bounds it to 1..MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Patterns aggregates the tenant user's persisted items.
func (s *Service) Patterns(ctx context.Context, tenant TenantContext) (Patterns, error) {
	tenant = tenant.Normalize()
	if err := tenant.Validate(); err != nil {
		return Patterns{}, apierr.BadInput(scope, err.Error())
	}
	items, err := s.scan(ctx, tenant)
	if err != nil {
		return Patterns{}, err
	}
	return computePatterns(tenant.UserID, items), nil
}

// Delete removes id when it belongs to tenant.
func (s *Service) Delete(ctx context.Context, tenant TenantContext, id string) (bool, error) {
	tenant = tenant.Normalize()
	if err := tenant.Validate(); err != nil {
		return false, apierr.BadInput(scope, err.Error())
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, apierr.BadInput(scope, "id is required")
	}
	removed, err := s.backend.Remove(ctx, tenant, id)
	if err != nil {
		logging.Error("memory", "remove failed", "backend", s.backend.Kind(), "error", err)
		return false, apierr.StoreFailure(scope, err)
	}
	if removed {
		s.notifier.Notify(Event{
			Type:      EventDeleted,
			ID:        id,
			OrgID:     tenant.OrgID,
			SpaceID:   tenant.SpaceID,
			UserID:    tenant.UserID,
			Timestamp: s.now().UTC(),
		})
	}
	return removed, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	n, err := s.backend.Count(ctx)
	if err != nil {
		return Stats{}, apierr.StoreFailure(scope, err)
	}
	return Stats{Backend: s.backend.Kind(), Items: n}, nil
}

func (s *Service) Close() error {
	return s.backend.Close()
}

func (s *Service) scan(ctx context.Context, tenant TenantContext) ([]Item, error) {
	items, err := s.backend.Scan(ctx, tenant)
	if err != nil {
		logging.Error("memory", "scan failed", "backend", s.backend.Kind(), "error", err)
		return nil, apierr.StoreFailure(scope, err)
	}
	out := items[:0]
	for _, item := range items {
		if tenant.owns(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

func eventFor(typ string, item Item) Event {
	return Event{
		Type:      typ,
		ID:        item.ID,
		OrgID:     item.OrgID,
		SpaceID:   item.SpaceID,
		UserID:    item.UserID,
		Kind:      item.Kind,
		FacetCode: item.FacetCode,
		Timestamp: item.Timestamp,
	}
}

// cleanLabels trims labels and drops empties and repeats, keeping the first
// occurrence.
func cleanLabels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
