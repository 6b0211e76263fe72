// Package memory is the tenant-scoped memory layer. Writes default to
// sanctuary mode, which acknowledges without persisting; only an explicit
// "save" persists an item. Every read and delete filters on the full
// (org, space, user) triple.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TenantContext scopes every memory operation.
type TenantContext struct {
	OrgID   string `json:"org_id"`
	SpaceID string `json:"space_id"`
	UserID  string `json:"user_id"`
}

// Normalize trims all three identifiers.
func (t TenantContext) Normalize() TenantContext {
	return TenantContext{
		OrgID:   strings.TrimSpace(t.OrgID),
		SpaceID: strings.TrimSpace(t.SpaceID),
		UserID:  strings.TrimSpace(t.UserID),
	}
}

// Validate reports the first empty identifier.
func (t TenantContext) Validate() error {
	switch {
	case strings.TrimSpace(t.OrgID) == "":
		return errors.New("org_id is required")
	case strings.TrimSpace(t.SpaceID) == "":
		return errors.New("space_id is required")
	case strings.TrimSpace(t.UserID) == "":
		return errors.New("user_id is required")
	}
	return nil
}

func (t TenantContext) owns(item Item) bool {
	return item.OrgID == t.OrgID && item.SpaceID == t.SpaceID && item.UserID == t.UserID
}

type Kind string

const (
	KindJournal    Kind = "journal"
	KindInsight    Kind = "insight"
	KindSession    Kind = "session"
	KindTranscript Kind = "transcript"
	KindPractice   Kind = "practice"
	KindMilestone  Kind = "milestone"
)

// ValidKinds is the closed set of item kinds.
var ValidKinds = map[Kind]bool{
	KindJournal:    true,
	KindInsight:    true,
	KindSession:    true,
	KindTranscript: true,
	KindPractice:   true,
	KindMilestone:  true,
}

// KindNames lists the valid kinds in sorted order.
func KindNames() []string {
	names := make([]string, 0, len(ValidKinds))
	for k := range ValidKinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// ParseKind accepts a kind case-insensitively.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !ValidKinds[k] {
		return "", fmt.Errorf("kind must be one of %s", strings.Join(KindNames(), ", "))
	}
	return k, nil
}

type Mode string

const (
	ModeSanctuary Mode = "sanctuary"
	ModeSave      Mode = "save"
)

// ParseMode fails closed: only "save" (trimmed, any case) persists.
func ParseMode(raw string) Mode {
	if strings.EqualFold(strings.TrimSpace(raw), string(ModeSave)) {
		return ModeSave
	}
	return ModeSanctuary
}

// ReasonSanctuary acknowledges a write that was not persisted.
const ReasonSanctuary = "SANCTUARY_MODE"

// DefaultSignificance applies when a draft omits significance.
const DefaultSignificance = 0.5

// Draft is the caller-supplied part of an item.
type Draft struct {
	Tenant       TenantContext
	Kind         Kind
	FacetCode    string
	Entities     []string
	Tags         []string
	Significance *float64
	Content      string
	Payload      json.RawMessage
}

// Item is a persisted memory record.
type Item struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	SpaceID      string          `json:"space_id"`
	UserID       string          `json:"user_id"`
	Kind         Kind            `json:"kind"`
	FacetCode    string          `json:"facet_code,omitempty"`
	Entities     []string        `json:"entities"`
	Tags         []string        `json:"tags"`
	Significance float64         `json:"significance"`
	Timestamp    time.Time       `json:"timestamp"`
	Content      string          `json:"content,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Mode         Mode            `json:"mode"`
}

// Tenant returns the item's owning tenant.
func (i Item) Tenant() TenantContext {
	return TenantContext{OrgID: i.OrgID, SpaceID: i.SpaceID, UserID: i.UserID}
}

// WriteResult is the outcome of Write. Item is nil for sanctuary writes.
type WriteResult struct {
	Stored bool
	Reason string
	Item   *Item
}

// Query is a tenant-scoped filter. Empty lists and nil bounds do not filter.
type Query struct {
	Tenant          TenantContext
	Text            string
	FacetCodes      []string
	Entities        []string
	Tags            []string
	Kinds           []Kind
	MinSignificance *float64
	Since           *time.Time
	Until           *time.Time
	Limit           int
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// QueryResult holds one page of matches. Total and DominantFacet cover the
// full match set, not just the page.
type QueryResult struct {
	Items         []Item
	Total         int
	DominantFacet string
}

type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

type TimeRange struct {
	Earliest *time.Time `json:"earliest"`
	Latest   *time.Time `json:"latest"`
}

// Patterns aggregates one user's persisted items.
type Patterns struct {
	UserID           string         `json:"user_id"`
	TimeRange        TimeRange      `json:"time_range"`
	FacetFrequency   map[string]int `json:"facet_frequency"`
	TopEntities      []LabelCount   `json:"top_entities"`
	TopTags          []LabelCount   `json:"top_tags"`
	FacetTransitions []Transition   `json:"facet_transitions"`
	TotalItems       int            `json:"total_items"`
}

// Stats describes the backing store.
type Stats struct {
	Backend string `json:"type"`
	Items   int    `json:"items"`
}

const (
	EventSaved   = "memory.saved"
	EventDeleted = "memory.deleted"
)

// Event announces a persisted write or a delete. It never carries content
// or payload.
type Event struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	SpaceID   string    `json:"space_id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind,omitempty"`
	FacetCode string    `json:"facet_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives memory events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}
