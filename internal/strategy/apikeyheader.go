package strategy

import (
	"regexp"
	"strings"

	"github.com/andrewgibson-cic/cloak-code/internal/authz"
	"github.com/andrewgibson-cic/cloak-code/internal/flow"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
)

// APIKeyHeader implements the API-Key-Header strategy: a dummy key
// carried either in a named header (e.g. "x-goog-api-key", "x-api-key")
// or a named query parameter (e.g. "key") is replaced with the real key,
// optionally wrapped in a format template such as "Bearer {token}" or
// "AWS4-HMAC-SHA256 Credential={token}".
//
// Header takes precedence over query parameter: if the dummy is found in
// the header, Inject replaces it and returns immediately without touching
// the query parameter, even if a dummy also happens to be present there.
// This matches Gemini's own check-header-then-return ordering.
type APIKeyHeader struct {
	base
	token       string
	headerName  string // empty disables header-based detection/injection
	queryParam  string // empty disables query-based detection/injection
	format      string // template containing literal "{token}"
	dummyRegexp *regexp.Regexp
}

// APIKeyHeaderOption configures an APIKeyHeader strategy at construction.
type APIKeyHeaderOption func(*APIKeyHeader)

// WithHeaderName overrides the header checked/rewritten (default "x-api-key").
func WithHeaderName(name string) APIKeyHeaderOption {
	return func(s *APIKeyHeader) { s.headerName = name }
}

// WithQueryParam overrides the query parameter checked/rewritten. Pass ""
// to disable query-parameter matching entirely.
func WithQueryParam(name string) APIKeyHeaderOption {
	return func(s *APIKeyHeader) { s.queryParam = name }
}

// WithFormat overrides the replacement template (default "{token}").
func WithFormat(format string) APIKeyHeaderOption {
	return func(s *APIKeyHeader) { s.format = format }
}

// NewAPIKeyHeader builds a generic API-Key-Header strategy. Defaults:
// header "x-api-key", no query parameter, format "{token}".
func NewAPIKeyHeader(name, token string, allowedHosts []string, dummyPattern string, opts ...APIKeyHeaderOption) *APIKeyHeader {
	s := &APIKeyHeader{
		base:        base{name: name, hosts: authz.NewMatcher(allowedHosts)},
		token:       token,
		headerName:  "x-api-key",
		format:      "{token}",
		dummyRegexp: regexp.MustCompile(dummyPattern),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	geminiDummyPattern    = `(DUMMY_GEMINI_KEY|AIza[a-zA-Z0-9_-]{35}DUMMY)`
	anthropicDummyPattern = `(DUMMY_ANTHROPIC_KEY|sk-ant-[a-zA-Z0-9_-]{32,}DUMMY)`
)

var (
	geminiDefaultHosts    = []string{"generativelanguage.googleapis.com", "*.googleapis.com"}
	anthropicDefaultHosts = []string{"api.anthropic.com", "*.anthropic.com"}
)

// NewGemini builds the Gemini API-Key-Header strategy: header
// "x-goog-api-key" or query parameter "key", no format wrapping.
func NewGemini(name, token string, allowedHosts []string) *APIKeyHeader {
	hosts := allowedHosts
	if len(hosts) == 0 {
		hosts = geminiDefaultHosts
	}
	return NewAPIKeyHeader(name, token, hosts, geminiDummyPattern,
		WithHeaderName("x-goog-api-key"), WithQueryParam("key"))
}

// NewAnthropic builds the Anthropic API-Key-Header strategy: header
// "x-api-key", no query fallback.
func NewAnthropic(name, token string, allowedHosts []string) *APIKeyHeader {
	hosts := allowedHosts
	if len(hosts) == 0 {
		hosts = anthropicDefaultHosts
	}
	return NewAPIKeyHeader(name, token, hosts, anthropicDummyPattern,
		WithHeaderName("x-api-key"), WithQueryParam(""))
}

// Detect reports whether the configured header or query parameter
// carries a value matching the dummy pattern.
func (s *APIKeyHeader) Detect(f *flow.Flow) bool {
	if s.headerName != "" {
		if v := f.Header.Get(s.headerName); v != "" && s.dummyRegexp.MatchString(v) {
			return true
		}
	}
	if s.queryParam != "" {
		if v := f.Query.Get(s.queryParam); v != "" && s.dummyRegexp.MatchString(v) {
			return true
		}
	}
	return false
}

// Inject authorizes the host, then replaces the dummy occurrence — in the
// header if present there (returning immediately), else in the query
// parameter. The regexp-based replacement naturally preserves whether the
// dummy was the entire value or only a substring of it: only the matched
// span is rewritten.
func (s *APIKeyHeader) Inject(f *flow.Flow) error {
	if err := s.authorize(f); err != nil {
		return err
	}
	if s.token == "" {
		return wrapSecretMissing(s.name)
	}
	formatted := strings.ReplaceAll(s.format, "{token}", s.token)

	if s.headerName != "" {
		if v := f.Header.Get(s.headerName); v != "" && s.dummyRegexp.MatchString(v) {
			f.Header.Set(s.headerName, s.dummyRegexp.ReplaceAllString(v, formatted))
			log.Debug("credential injected",
				"subsystem", "strategy",
				"strategy", s.name,
				"host", f.Host,
				"header", s.headerName)
			return nil
		}
	}

	if s.queryParam != "" {
		if v := f.Query.Get(s.queryParam); v != "" && s.dummyRegexp.MatchString(v) {
			f.Query.Set(s.queryParam, s.dummyRegexp.ReplaceAllString(v, formatted))
			log.Debug("credential injected",
				"subsystem", "strategy",
				"strategy", s.name,
				"host", f.Host,
				"query_param", s.queryParam)
			return nil
		}
	}

	log.Warn("strategy matched but no dummy value found to replace",
		"subsystem", "strategy",
		"strategy", s.name,
		"host", f.Host)
	return nil
}
