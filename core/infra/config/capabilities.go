package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var capabilityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// Capability describes one backend capability service proxied by the gateway.
type Capability struct {
	Name      string   `yaml:"-"`
	BaseURL   string   `yaml:"base_url"`
	TimeoutMs int64    `yaml:"timeout_ms"`
	Actions   []string `yaml:"actions"`
	Tiers     []string `yaml:"tiers"`
}

type capabilitiesFile struct {
	Capabilities map[string]Capability `yaml:"capabilities"`
}

// HasAction reports whether action is exposed for the capability.
func (c Capability) HasAction(action string) bool {
	return slices.Contains(c.Actions, strings.ToLower(strings.TrimSpace(action)))
}

// AllowsTier reports whether callers of the given tier may use the capability.
// An empty tier list admits everyone.
func (c Capability) AllowsTier(tier string) bool {
	if len(c.Tiers) == 0 {
		return true
	}
	return slices.Contains(c.Tiers, strings.ToLower(strings.TrimSpace(tier)))
}

// URLFor joins the capability base URL with an endpoint path segment.
func (c Capability) URLFor(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// LoadCapabilities loads a YAML capabilities file; returns defaults if missing.
func LoadCapabilities(path string) (map[string]Capability, error) {
	if path == "" {
		return defaultCapabilities(), nil
	}
	// #nosec G304 -- capabilities path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultCapabilities(), fmt.Errorf("read capabilities config: %w", err)
	}
	return ParseCapabilities(data)
}

// ParseCapabilities parses capability definitions from YAML/JSON bytes.
func ParseCapabilities(data []byte) (map[string]Capability, error) {
	if len(data) == 0 {
		return defaultCapabilities(), nil
	}
	var file capabilitiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return defaultCapabilities(), fmt.Errorf("parse capabilities config: %w", err)
	}
	if len(file.Capabilities) == 0 {
		return defaultCapabilities(), nil
	}
	out := make(map[string]Capability, len(file.Capabilities))
	var errs []error
	for rawName, capability := range file.Capabilities {
		name := strings.ToLower(strings.TrimSpace(rawName))
		capability.Name = name
		capability.Actions = normalizeList(capability.Actions)
		capability.Tiers = normalizeList(capability.Tiers)
		if err := capability.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = capability
	}
	if len(errs) > 0 {
		return defaultCapabilities(), fmt.Errorf("validate capabilities config: %w", errors.Join(errs...))
	}
	return out, nil
}

func (c Capability) validate() error {
	if !capabilityNamePattern.MatchString(c.Name) {
		return fmt.Errorf("capability %q: invalid name", c.Name)
	}
	if c.Name == "memory" {
		return fmt.Errorf("capability %q: name is reserved", c.Name)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("capability %q: base_url must be an absolute http(s) url", c.Name)
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("capability %q: timeout_ms must be non-negative", c.Name)
	}
	if len(c.Actions) == 0 {
		return fmt.Errorf("capability %q: at least one action required", c.Name)
	}
	for _, action := range c.Actions {
		if action == "health" {
			return fmt.Errorf("capability %q: action name health is reserved", c.Name)
		}
	}
	return nil
}

func applyServiceURLOverrides(caps map[string]Capability) {
	for name, capability := range caps {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_SERVICE_URL"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			capability.BaseURL = v
			caps[name] = capability
		}
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultCapabilities() map[string]Capability {
	return map[string]Capability{
		"facet": {
			Name:    "facet",
			BaseURL: "http://localhost:5100",
			Actions: []string{"detect"},
		},
		"deliberation": {
			Name:    "deliberation",
			BaseURL: "http://localhost:5200",
			Actions: []string{"deliberate", "review"},
		},
		"practices": {
			Name:    "practices",
			BaseURL: "http://localhost:5300",
			Actions: []string{"generate"},
		},
	}
}
