// Package telemetry implements the telemetry/egress blocklist: a set of
// host patterns whose requests the dispatcher short-circuits to a
// synthetic 418 response before any strategy ever sees them, regardless
// of what credential the request carries.
package telemetry

import "github.com/andrewgibson-cic/cloak-code/internal/authz"

// List is an unordered set of host patterns using the same exact/
// wildcard/bare-domain matching semantics as the authorization matcher.
type List struct {
	matcher *authz.Matcher
}

// NewList builds a telemetry blocklist from raw domain strings, e.g.
// ["telemetry.anthropic.com", "sentry.io", "segment.com"].
func NewList(domains []string) *List {
	return &List{matcher: authz.NewMatcher(domains)}
}

// Blocks reports whether host should be blocked, checked against ports 80
// and 443 (telemetry domains are not expected to be accessed on
// non-standard ports, but any configured explicit port on a pattern is
// still honored).
func (l *List) Blocks(host string, port int) bool {
	if l == nil {
		return false
	}
	return l.matcher.Allowed(host, port)
}
