package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	envAPIKeys = "KG_API_KEYS"
	envAPIKey  = "KG_API_KEY"

	headerAPIKey = "X-API-Key"
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "kg-api-key"
)

var (
	errAPIKeyRequired = errors.New("api key required")
	errInvalidAPIKey  = errors.New("invalid api key")
)

type apiKeyEntry struct {
	Key  string `json:"key"`
	Tier string `json:"tier"`
}

// APIKeyAuth admits requests carrying a configured API key and attaches the
// key's tier. With no keys configured every request is admitted anonymously.
type APIKeyAuth struct {
	keys map[string]string
}

// NewAPIKeyAuthFromEnv reads KG_API_KEYS (`key:tier,...` or JSON) and the
// single-key KG_API_KEY.
func NewAPIKeyAuthFromEnv() (*APIKeyAuth, error) {
	keys := map[string]string{}
	if raw := strings.TrimSpace(os.Getenv(envAPIKeys)); raw != "" {
		entries, err := parseAPIKeys(raw)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			key := normalizeAPIKey(entry.Key)
			if key == "" {
				continue
			}
			keys[key] = strings.ToLower(strings.TrimSpace(entry.Tier))
		}
	}
	if single := normalizeAPIKey(os.Getenv(envAPIKey)); single != "" {
		if _, ok := keys[single]; !ok {
			keys[single] = ""
		}
	}
	return &APIKeyAuth{keys: keys}, nil
}

// Enabled reports whether any key is configured.
func (a *APIKeyAuth) Enabled() bool {
	return a != nil && len(a.keys) > 0
}

func (a *APIKeyAuth) AuthenticateHTTP(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	if !a.Enabled() {
		return &AuthContext{}, nil
	}
	key := normalizeAPIKey(r.Header.Get(headerAPIKey))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	if key == "" {
		return nil, errAPIKeyRequired
	}
	tier, ok := a.keys[key]
	if !ok {
		return nil, errInvalidAPIKey
	}
	return &AuthContext{APIKey: key, Tier: tier}, nil
}

func parseAPIKeys(raw string) ([]apiKeyEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var entries []apiKeyEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		return entries, nil
	}
	if strings.HasPrefix(raw, "{") {
		tiers := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &tiers); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAPIKeys, err)
		}
		out := make([]apiKeyEntry, 0, len(tiers))
		for key, tier := range tiers {
			out = append(out, apiKeyEntry{Key: key, Tier: tier})
		}
		return out, nil
	}
	parts := strings.Split(raw, ",")
	entries := make([]apiKeyEntry, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, tier, _ := strings.Cut(part, ":")
		entry := apiKeyEntry{Key: strings.TrimSpace(key), Tier: strings.TrimSpace(tier)}
		if entry.Key != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values.
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

// apiKeyFromWebSocket reads the key from the Sec-WebSocket-Protocol list,
// either as `kg-api-key, <key>` or `kg-api-key.<base64url key>`.
func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := wsAPIKeyProtocol + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func headerValue(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}
