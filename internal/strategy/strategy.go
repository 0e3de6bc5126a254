// Package strategy implements the credential-injection strategy contract
// and registry, plus the concrete protocol-specific strategies built on
// top of it (bearer-family, API-key-header, and AWS SigV4 re-signing).
package strategy

import (
	"errors"
	"fmt"

	"github.com/andrewgibson-cic/cloak-code/internal/authz"
	"github.com/andrewgibson-cic/cloak-code/internal/flow"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
)

// Sentinel errors a strategy's Inject may return. The dispatcher checks
// for these with errors.Is to decide how to respond; strategies should
// wrap them with fmt.Errorf("...: %w", ErrX) to add context without
// losing the type.
var (
	// ErrHostNotAllowed is the security-critical failure: the request's
	// destination host did not match the strategy's allowlist. Always
	// surfaces as 403 regardless of fail-mode.
	ErrHostNotAllowed = errors.New("host not allowed for this credential")
	// ErrSecretMissing means a strategy matched but its resolved secret is
	// empty at injection time.
	ErrSecretMissing = errors.New("required secret not configured")
	// ErrMalformedRequest means the strategy could not extract the
	// information it needed from the request (AWS SigV4's region/service
	// derivation, primarily).
	ErrMalformedRequest = errors.New("malformed request for this strategy")
	// ErrInternal covers anything else (e.g. signing failure).
	ErrInternal = errors.New("internal strategy error")
)

// Strategy is the contract every credential-injection strategy implements.
// Detect must be a pure inspection — it must not mutate the flow. Inject
// may mutate the flow's headers, query, and body, but must authorize the
// destination host before writing any real secret into it.
type Strategy interface {
	Name() string
	Detect(f *flow.Flow) bool
	Inject(f *flow.Flow) error
}

// base holds the fields every strategy has: a name and an authorization
// matcher. Concrete strategies embed it to get Name() and the host check
// for free.
type base struct {
	name  string
	hosts *authz.Matcher
}

func (b *base) Name() string { return b.name }

// authorize checks f's host against the strategy's allowlist, returning a
// wrapped ErrHostNotAllowed identifying both the host and the strategy
// when denied. Every concrete Inject must call this before mutating the
// flow.
func (b *base) authorize(f *flow.Flow) error {
	if b.hosts.Allowed(f.Host, f.Port) {
		return nil
	}
	log.Warn("credential injection denied: host not on allowlist",
		"subsystem", "strategy",
		"strategy", b.name,
		"host", f.Host)
	return fmt.Errorf("%s not whitelisted for %s: %w", f.Host, b.name, ErrHostNotAllowed)
}

// Registry holds an ordered collection of strategies, constructed once at
// startup and read-only thereafter. Registration order matters: detection-
// based matching (used when no rules are configured) returns the first
// strategy whose Detect reports true.
type Registry struct {
	strategies []Strategy
	byName     map[string]Strategy
}

// NewRegistry builds a Registry from strategies in registration order.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{byName: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.Add(s)
	}
	return r
}

// Add appends a strategy to the registry, preserving registration order.
// A strategy registered under a name already present replaces the
// earlier one in the lookup map but not in detection order (the original
// position keeps its slot; this mirrors a config loader that logs a
// warning and keeps the last definition authoritative for rule lookups
// while not silently duplicating detection attempts).
func (r *Registry) Add(s Strategy) {
	r.strategies = append(r.strategies, s)
	r.byName[s.Name()] = s
}

// ByName returns the strategy registered under name, if any.
func (r *Registry) ByName(name string) (Strategy, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// All returns strategies in registration order.
func (r *Registry) All() []Strategy {
	return r.strategies
}

// DetectFirst returns the first strategy (in registration order) whose
// Detect(f) reports true, or nil if none match. Used as the fallback
// selection mode when no rich-config rules are present.
func (r *Registry) DetectFirst(f *flow.Flow) Strategy {
	for _, s := range r.strategies {
		if s.Detect(f) {
			return s
		}
	}
	return nil
}
