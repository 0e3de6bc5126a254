package authz

import "testing"

func TestMatcher_ExactWildcardBareDomain(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		host     string
		port     int
		want     bool
	}{
		{"exact match", []string{"api.openai.com"}, "api.openai.com", 443, true},
		{"exact mismatch subdomain", []string{"api.openai.com"}, "foo.api.openai.com", 443, false},
		{"wildcard subdomain matches", []string{"*.openai.com"}, "api.openai.com", 443, true},
		{"wildcard subdomain matches nested", []string{"*.openai.com"}, "a.b.openai.com", 443, true},
		{"wildcard does not match bare domain", []string{"*.openai.com"}, "openai.com", 443, false},
		{"bare domain matches itself", []string{"github.com"}, "github.com", 443, true},
		{"bare domain matches subdomain", []string{"github.com"}, "api.github.com", 443, true},
		{"bare domain does not match unrelated suffix", []string{"github.com"}, "evilgithub.com", 443, false},
		{"case folding", []string{"*.amazonaws.com"}, "AAA.AMAZONAWS.COM", 443, true},
		{"port default only matches 80/443", []string{"api.example.com"}, "api.example.com", 8080, false},
		{"explicit port must match exactly", []string{"api.example.com:8443"}, "api.example.com", 8443, true},
		{"explicit port mismatch", []string{"api.example.com:8443"}, "api.example.com", 443, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMatcher(tc.patterns)
			if got := m.Allowed(tc.host, tc.port); got != tc.want {
				t.Errorf("Allowed(%q, %d) with patterns %v = %v, want %v", tc.host, tc.port, tc.patterns, got, tc.want)
			}
		})
	}
}

func TestMatcher_SubdomainSpoofResistance(t *testing.T) {
	m := NewMatcher([]string{"api.openai.com", "*.openai.com"})

	spoofed := "api.openai.com.evil-domain.com"
	if m.Allowed(spoofed, 443) {
		t.Errorf("spoofed suffix host %q must not be allowed", spoofed)
	}
}

func TestMatcher_HomographResistance(t *testing.T) {
	m := NewMatcher([]string{"api.openai.com"})

	// Cyrillic "а" (U+0430) substituted for the ASCII "a" in "api".
	homograph := "аpi.openai.com"
	if m.Allowed(homograph, 443) {
		t.Errorf("homograph host %q must not be treated as equivalent to the ASCII host", homograph)
	}
}

func TestMatcher_NilMatcherDeniesEverything(t *testing.T) {
	var m *Matcher
	if m.Allowed("api.openai.com", 443) {
		t.Error("nil matcher must deny")
	}
}
