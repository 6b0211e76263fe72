package upstream

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfterSeconds(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := map[string]time.Duration{
		"3":     3 * time.Second,
		" 0 ":   0,
		"1.5":   1500 * time.Millisecond,
		"-4":    0,
		"1e12":  maxRetryAfter,
		"86400": 24 * time.Hour,
	}
	for in, want := range cases {
		got, ok := ParseRetryAfter(in, now)
		if !ok {
			t.Fatalf("ParseRetryAfter(%q) not ok", in)
		}
		if got != want {
			t.Fatalf("ParseRetryAfter(%q)=%s want=%s", in, got, want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	future := now.Add(7 * time.Second).Format(http.TimeFormat)
	got, ok := ParseRetryAfter(future, now)
	if !ok || got != 7*time.Second {
		t.Fatalf("future date: got %s ok=%v", got, ok)
	}

	past := now.Add(-time.Minute).Format(http.TimeFormat)
	got, ok = ParseRetryAfter(past, now)
	if !ok || got != 0 {
		t.Fatalf("past date should clamp to zero: got %s ok=%v", got, ok)
	}

	rfc850 := now.Add(2 * time.Second).Format(time.RFC850)
	if got, ok := ParseRetryAfter(rfc850, now); !ok || got != 2*time.Second {
		t.Fatalf("rfc850 date: got %s ok=%v", got, ok)
	}
}

func TestParseRetryAfterRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "soon", "NaN", "Inf", "Tue, 99 Foo 2026"} {
		if got, ok := ParseRetryAfter(in, time.Now()); ok {
			t.Fatalf("ParseRetryAfter(%q) unexpectedly ok: %s", in, got)
		}
	}
}
