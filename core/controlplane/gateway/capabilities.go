package gateway

import (
	"net/http"
	"sort"
	"strings"

	"github.com/soullab/kernel-gateway/core/apierr"
	"github.com/soullab/kernel-gateway/core/infra/config"
	"github.com/soullab/kernel-gateway/core/infra/logging"
	"github.com/soullab/kernel-gateway/core/infra/schema"
	"github.com/soullab/kernel-gateway/core/memory"
	"github.com/soullab/kernel-gateway/core/normalize"
	"github.com/soullab/kernel-gateway/core/upstream"
)

type capabilityHealthResponse struct {
	Status          string `json:"status"`
	Service         string `json:"service"`
	Upstream        any    `json:"upstream,omitempty"`
	BehaviorVersion string `json:"behavior_version"`
	TraceID         string `json:"trace_id"`
}

type capabilityView struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
	Tiers   []string `json:"tiers,omitempty"`
}

// gatewayScope prefixes codes for failures not owned by a configured
// capability.
const gatewayScope = "gateway"

// lookupCapability resolves the {capability} path value to its config.
func (s *server) lookupCapability(r *http.Request) (config.Capability, string, error) {
	name := strings.ToLower(strings.TrimSpace(r.PathValue("capability")))
	capability, ok := s.cfg.Capability(name)
	if !ok {
		return config.Capability{}, name, apierr.NotFound(gatewayScope, "capability "+name)
	}
	return capability, name, nil
}

func (s *server) upstreamHeaders(meta requestMeta) map[string]string {
	return map[string]string{
		upstream.HeaderTraceID:         meta.TraceID,
		upstream.HeaderBehaviorVersion: meta.BehaviorVersion,
	}
}

// handleCapability proxies one capability action and normalizes the reply.
func (s *server) handleCapability(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r)
	capability, name, err := s.lookupCapability(r)
	if err != nil {
		s.fail(w, r, gatewayScope, err)
		return
	}
	action := strings.ToLower(strings.TrimSpace(r.PathValue("action")))
	if !capability.HasAction(action) {
		s.fail(w, r, name, apierr.NotFound(name, "action "+name+"."+action))
		return
	}
	tier := callerTier(r, s.cfg.TrustTierHeader)
	if !capability.AllowsTier(tier) {
		s.fail(w, r, name, apierr.InsufficientTier(name, tier))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, name, apierr.BadInput(name, err.Error()))
		return
	}
	var payload map[string]any
	if err := s.decodeValidated(body, schema.CapabilityRequest, &payload); err != nil {
		s.fail(w, r, name, apierr.BadInput(name, err.Error()))
		return
	}
	tenant := memory.TenantContext{
		OrgID:   stringValue(payload["org_id"]),
		SpaceID: stringValue(payload["space_id"]),
		UserID:  stringValue(payload["user_id"]),
	}
	if err := tenant.Validate(); err != nil {
		s.fail(w, r, name, apierr.BadInput(name, err.Error()))
		return
	}

	raw, err := s.upstream.Call(r.Context(), upstream.Request{
		Capability: name,
		Method:     http.MethodPost,
		URL:        capability.URLFor(action),
		Payload:    payload,
		Timeout:    s.cfg.TimeoutFor(capability),
		Headers:    s.upstreamHeaders(meta),
	})
	if err != nil {
		logging.Warn("gateway", "capability call failed", "capability", name, "action", action, "trace_id", meta.TraceID, "error", err)
		s.fail(w, r, name, apierr.FromUpstream(name, err))
		return
	}

	normalized := normalize.For(name, action)(raw, normalize.Echo{TraceID: meta.TraceID, Request: payload}, meta.BehaviorVersion)
	writeJSON(w, http.StatusOK, normalized)
}

// handleCapabilityHealth checks the capability's /health with the short
// health timeout.
func (s *server) handleCapabilityHealth(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r)
	capability, name, err := s.lookupCapability(r)
	if err != nil {
		s.fail(w, r, gatewayScope, err)
		return
	}
	raw, err := s.upstream.Health(r.Context(), name, capability.URLFor("health"), s.cfg.HealthTimeout, s.upstreamHeaders(meta))
	if err != nil {
		s.fail(w, r, name, apierr.FromHealth(name, err))
		return
	}
	resp := capabilityHealthResponse{
		Status:          "ok",
		Service:         name,
		BehaviorVersion: meta.BehaviorVersion,
		TraceID:         meta.TraceID,
	}
	if obj, ok := raw.(map[string]any); !ok || len(obj) > 0 {
		resp.Upstream = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	meta := metaFromRequest(r)
	out := make([]capabilityView, 0, len(s.cfg.Capabilities))
	for name, capability := range s.cfg.Capabilities {
		out = append(out, capabilityView{Name: name, Actions: capability.Actions, Tiers: capability.Tiers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities":     out,
		"behavior_version": meta.BehaviorVersion,
		"trace_id":         meta.TraceID,
	})
}

func stringValue(v any) string {
	if str, ok := v.(string); ok {
		return strings.TrimSpace(str)
	}
	return ""
}
