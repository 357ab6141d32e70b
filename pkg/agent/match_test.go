package agent

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"spiffe://example.org/agent/search", "spiffe://example.org/agent/search", true},
		{"spiffe://example.org/agent/search", "spiffe://example.org/agent/other", false},
		{"spiffe://example.org/agent/*", "spiffe://example.org/agent/search", true},
		// '*' crosses path separators.
		{"spiffe://example.org/*", "spiffe://example.org/agent/search", true},
		{"spiffe://example.org/*", "spiffe://partner.example/agent/search", false},
		{"*", "spiffe://example.org/agent/search", true},
		{"spiffe://*/agent/search", "spiffe://example.org/agent/search", true},
		{"spiffe://example.org/agent/se*ch", "spiffe://example.org/agent/search", true},
		{"spiffe://example.org/agent/se*ch", "spiffe://example.org/agent/sketch", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.id); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.id, got, tc.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{
		"spiffe://example.org/agent/orchestrator",
		"spiffe://example.org/batch/*",
	}
	if !MatchAny(patterns, "spiffe://example.org/batch/nightly") {
		t.Error("batch pattern did not match")
	}
	if MatchAny(patterns, "spiffe://example.org/agent/search") {
		t.Error("unlisted identifier matched")
	}
	if !MatchAny(nil, "spiffe://example.org/anything") {
		t.Error("empty pattern list must admit all")
	}
}
