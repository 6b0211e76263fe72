package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/soullab/kernel-gateway/core/apierr"
	"github.com/soullab/kernel-gateway/core/infra/schema"
	"github.com/soullab/kernel-gateway/core/memory"
)

const memoryScope = "memory"

type memoryWriteRequest struct {
	memory.TenantContext
	Kind         string          `json:"kind"`
	FacetCode    *string         `json:"facet_code"`
	Entities     []string        `json:"entities"`
	Tags         []string        `json:"tags"`
	Significance *float64        `json:"significance"`
	Content      string          `json:"content"`
	Payload      json.RawMessage `json:"payload"`
	// Mode stays raw so that non-string values resolve to sanctuary instead
	// of failing the decode.
	Mode json.RawMessage `json:"mode"`
}

type memoryWriteResponse struct {
	Stored bool   `json:"stored"`
	Reason string `json:"reason,omitempty"`
	*memory.Item
	BehaviorVersion string `json:"behavior_version"`
	TraceID         string `json:"trace_id"`
}

type memoryRetrieveRequest struct {
	memory.TenantContext
	Limit int                 `json:"limit"`
	Query memoryQueryEnvelope `json:"query"`
}

type memoryQueryEnvelope struct {
	Semantic        string   `json:"semantic"`
	FacetCodes      []string `json:"facet_codes"`
	Entities        []string `json:"entities"`
	Tags            []string `json:"tags"`
	Kinds           []string `json:"kinds"`
	MinSignificance *float64 `json:"min_significance"`
	TimeRange       *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"time_range"`
}

type retrieveSummary struct {
	TotalMatches int `json:"total_matches"`
	Returned     int `json:"returned"`
	// DominantFacet is null when no match carries a facet code.
	DominantFacet *string `json:"dominant_facet"`
}

type memoryRetrieveResponse struct {
	Items           []memory.Item   `json:"items"`
	Summary         retrieveSummary `json:"summary"`
	BehaviorVersion string          `json:"behavior_version"`
	TraceID         string          `json:"trace_id"`
}

// writeMode resolves the requested mode, failing closed on anything that is
// not the string "save".
func writeMode(raw json.RawMessage) memory.Mode {
	var mode string
	if len(raw) == 0 || json.Unmarshal(raw, &mode) != nil {
		return memory.ModeSanctuary
	}
	return memory.ParseMode(mode)
}

func (s *server) handleMemoryWrite(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r)
	body, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	var req memoryWriteRequest
	if err := s.decodeValidated(body, schema.MemoryWrite, &req); err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	if err := req.TenantContext.Validate(); err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	kind, err := memory.ParseKind(req.Kind)
	if err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	draft := memory.Draft{
		Tenant:       req.TenantContext,
		Kind:         kind,
		Entities:     req.Entities,
		Tags:         req.Tags,
		Significance: req.Significance,
		Content:      req.Content,
	}
	if req.FacetCode != nil {
		draft.FacetCode = *req.FacetCode
	}
	if payload := bytes.TrimSpace(req.Payload); len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		draft.Payload = payload
	}

	result, err := s.store.Write(r.Context(), draft, writeMode(req.Mode))
	if err != nil {
		s.fail(w, r, memoryScope, err)
		return
	}
	writeJSON(w, http.StatusOK, memoryWriteResponse{
		Stored:          result.Stored,
		Reason:          result.Reason,
		Item:            result.Item,
		BehaviorVersion: meta.BehaviorVersion,
		TraceID:         meta.TraceID,
	})
}

func (s *server) handleMemoryRetrieve(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r)
	body, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	var req memoryRetrieveRequest
	if err := s.decodeValidated(body, schema.MemoryRetrieve, &req); err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	q, err := req.toQuery()
	if err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	result, err := s.store.Query(r.Context(), q)
	if err != nil {
		s.fail(w, r, memoryScope, err)
		return
	}
	summary := retrieveSummary{TotalMatches: result.Total, Returned: len(result.Items)}
	if result.DominantFacet != "" {
		dominant := result.DominantFacet
		summary.DominantFacet = &dominant
	}
	writeJSON(w, http.StatusOK, memoryRetrieveResponse{
		Items:           result.Items,
		Summary:         summary,
		BehaviorVersion: meta.BehaviorVersion,
		TraceID:         meta.TraceID,
	})
}

func (req memoryRetrieveRequest) toQuery() (memory.Query, error) {
	q := memory.Query{
		Tenant:          req.TenantContext,
		Text:            req.Query.Semantic,
		FacetCodes:      req.Query.FacetCodes,
		Entities:        req.Query.Entities,
		Tags:            req.Query.Tags,
		MinSignificance: req.Query.MinSignificance,
		Limit:           req.Limit,
	}
	for _, raw := range req.Query.Kinds {
		kind, err := memory.ParseKind(raw)
		if err != nil {
			return memory.Query{}, err
		}
		q.Kinds = append(q.Kinds, kind)
	}
	if tr := req.Query.TimeRange; tr != nil {
		since, err := parseBound(tr.Start, "query.time_range.start")
		if err != nil {
			return memory.Query{}, err
		}
		until, err := parseBound(tr.End, "query.time_range.end")
		if err != nil {
			return memory.Query{}, err
		}
		if since != nil && until != nil && since.After(*until) {
			return memory.Query{}, errors.New("query.time_range.start must not be after end")
		}
		q.Since, q.Until = since, until
	}
	return q, nil
}

func parseBound(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, errors.New(field + " must be an RFC 3339 timestamp")
	}
	ts = ts.UTC()
	return &ts, nil
}

func tenantFromQuery(r *http.Request, userID string) memory.TenantContext {
	q := r.URL.Query()
	return memory.TenantContext{
		OrgID:   q.Get("org_id"),
		SpaceID: q.Get("space_id"),
		UserID:  userID,
	}.Normalize()
}

func (s *server) handleMemoryPatterns(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromQuery(r, r.PathValue("user_id"))
	if err := tenant.Validate(); err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	patterns, err := s.store.Patterns(r.Context(), tenant)
	if err != nil {
		s.fail(w, r, memoryScope, err)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r)
	tenant := tenantFromQuery(r, r.URL.Query().Get("user_id"))
	if err := tenant.Validate(); err != nil {
		s.fail(w, r, memoryScope, apierr.BadInput(memoryScope, err.Error()))
		return
	}
	id := r.PathValue("id")
	removed, err := s.store.Delete(r.Context(), tenant, id)
	if err != nil {
		s.fail(w, r, memoryScope, err)
		return
	}
	if !removed {
		s.fail(w, r, memoryScope, apierr.NotFound(memoryScope, "memory item"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":  true,
		"id":       id,
		"trace_id": meta.TraceID,
	})
}

func (s *server) handleMemoryHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, memoryScope, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"store":  stats,
	})
}
