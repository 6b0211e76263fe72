package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCapabilitiesMissingFile(t *testing.T) {
	caps, err := LoadCapabilities(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if len(caps) != 3 {
		t.Fatalf("expected built-in capabilities, got %d", len(caps))
	}
}

func TestParseCapabilitiesNormalizes(t *testing.T) {
	data := []byte(`
capabilities:
  Facet:
    base_url: http://facet:5100/
    timeout_ms: 4000
    actions: [Detect, detect, " "]
    tiers: [Pro, enterprise]
`)
	caps, err := ParseCapabilities(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	facet, ok := caps["facet"]
	if !ok {
		t.Fatalf("expected lowercased capability name")
	}
	if len(facet.Actions) != 1 || !facet.HasAction("DETECT") {
		t.Fatalf("unexpected actions: %v", facet.Actions)
	}
	if !facet.AllowsTier("pro") || facet.AllowsTier("free") {
		t.Fatalf("unexpected tier policy: %v", facet.Tiers)
	}
	if got := facet.URLFor("/detect"); got != "http://facet:5100/detect" {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestParseCapabilitiesInvalid(t *testing.T) {
	cases := map[string]string{
		"yaml":         "capabilities: [",
		"scheme":       "capabilities:\n  facet:\n    base_url: ftp://x\n    actions: [detect]\n",
		"no actions":   "capabilities:\n  facet:\n    base_url: http://x\n",
		"reserved":     "capabilities:\n  memory:\n    base_url: http://x\n    actions: [write]\n",
		"health":       "capabilities:\n  facet:\n    base_url: http://x\n    actions: [health]\n",
		"neg timeout":  "capabilities:\n  facet:\n    base_url: http://x\n    timeout_ms: -1\n    actions: [detect]\n",
		"invalid name": "capabilities:\n  \"bad name\":\n    base_url: http://x\n    actions: [detect]\n",
	}
	for name, body := range cases {
		caps, err := ParseCapabilities([]byte(body))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if _, ok := caps["practices"]; !ok {
			t.Fatalf("%s: expected defaults on error", name)
		}
	}
}

func TestAllowsTierEmptyListAdmitsAll(t *testing.T) {
	if !(Capability{}).AllowsTier("") {
		t.Fatalf("expected open capability")
	}
}

func TestParseCapabilitiesEmpty(t *testing.T) {
	caps, err := ParseCapabilities(nil)
	if err != nil || len(caps) != 3 {
		t.Fatalf("expected defaults for empty input, err=%v", err)
	}
	caps, err = ParseCapabilities([]byte("capabilities: {}\n"))
	if err != nil || !strings.HasPrefix(caps["facet"].BaseURL, "http://localhost") {
		t.Fatalf("expected defaults for empty map, err=%v", err)
	}
}

func TestShippedCapabilitiesFileParses(t *testing.T) {
	caps, err := LoadCapabilities(filepath.Join("..", "..", "..", "config", "capabilities.yaml"))
	if err != nil {
		t.Fatalf("load shipped capabilities: %v", err)
	}
	deliberation, ok := caps["deliberation"]
	if !ok || deliberation.TimeoutMs != 30000 || deliberation.AllowsTier("free") {
		t.Fatalf("unexpected deliberation entry: %+v", deliberation)
	}
	if _, ok := caps["facet"]; !ok {
		t.Fatalf("expected facet capability")
	}
}
