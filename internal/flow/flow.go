// Package flow defines the in-memory representation of a single proxied
// HTTP request that strategies inspect and mutate before it is forwarded
// upstream.
package flow

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Flow wraps a single proxied request. Strategies read and mutate it in
// place; the transport layer (internal/proxy) is responsible for
// constructing a Flow from an inbound *http.Request and applying whatever
// mutations survive dispatch back onto the outbound request before it is
// forwarded.
//
// Header and Query are both mutable maps shared with the underlying
// request/URL, so changes made through Flow's accessors are visible to
// the transport layer without any copy-back step.
type Flow struct {
	// ID uniquely identifies this proxied request for log correlation
	// across the dispatcher and every strategy it invokes.
	ID     string
	Method string
	Host   string // hostname only, no port
	Port   int    // 80/443 inferred from scheme, or explicit port from the URL
	Scheme string
	Path   string

	Header http.Header
	Query  url.Values

	Body []byte // captured request body, may be nil for bodies not buffered

	// Response, when non-nil, short-circuits the dispatcher: no strategy
	// runs and the transport writes this synthetic response directly
	// instead of forwarding upstream. Used for telemetry blocking and
	// policy-denied requests.
	Response *SyntheticResponse
}

// SyntheticResponse is a response the dispatcher wants written back to the
// client without ever reaching the upstream host.
type SyntheticResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// FromRequest builds a Flow from an inbound HTTP request. The request's
// Header and URL.Query() are referenced directly (not copied), so Header
// mutations on the Flow are visible on req.Header as well.
func FromRequest(req *http.Request, body []byte) *Flow {
	port := 0
	if p := req.URL.Port(); p != "" {
		port = atoiOrZero(p)
	} else if req.URL.Scheme == "https" {
		port = 443
	} else {
		port = 80
	}

	return &Flow{
		ID:     uuid.NewString(),
		Method: req.Method,
		Host:   req.URL.Hostname(),
		Port:   port,
		Scheme: req.URL.Scheme,
		Path:   req.URL.Path,
		Header: req.Header,
		Query:  req.URL.Query(),
		Body:   body,
	}
}

// WriteQueryBack applies any mutations made to f.Query back onto the
// given URL's RawQuery. Query is a copy taken at FromRequest time (per
// net/url.Values semantics), so unlike Header it must be written back
// explicitly.
func (f *Flow) WriteQueryBack(u *url.URL) {
	u.RawQuery = f.Query.Encode()
}

// HeaderContains reports whether the named header's value contains substr,
// case-sensitively. A convenience used by strategies' detect() checks.
func (f *Flow) HeaderContains(name, substr string) bool {
	return strings.Contains(f.Header.Get(name), substr)
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
