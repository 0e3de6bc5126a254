// Package dispatcher implements the Request Dispatcher (C5): the single
// per-request entry point that checks the telemetry blocklist, selects a
// strategy (rule-driven or detection-driven), invokes it, applies the
// fail-mode policy to any failure, and updates statistics.
package dispatcher

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/andrewgibson-cic/cloak-code/internal/config"
	"github.com/andrewgibson-cic/cloak-code/internal/flow"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
	"github.com/andrewgibson-cic/cloak-code/internal/strategy"
	"github.com/andrewgibson-cic/cloak-code/internal/telemetry"
)

// Stats is a struct of atomic counters passed by reference into the
// dispatcher rather than held as a package-level singleton, so callers
// can construct an isolated Dispatcher per test. Exact consistency
// between counters under concurrent access is not required — they are
// observational.
type Stats struct {
	RequestsProcessed  atomic.Int64
	CredentialsInjected atomic.Int64
	RequestsBlocked    atomic.Int64
	TelemetryBlocked   atomic.Int64
	StrategyErrors     atomic.Int64
	Passthroughs       atomic.Int64
}

// LogSummary prints the shutdown statistics banner: every counter plus
// the configuration mode and the counts of strategies/rules loaded.
func (s *Stats) LogSummary(mode config.Mode, strategyCount, ruleCount int) {
	log.Info("cloak-code shutdown statistics",
		"subsystem", "dispatcher",
		"config_mode", string(mode),
		"strategies_loaded", strategyCount,
		"rules_loaded", ruleCount,
		"requests_processed", s.RequestsProcessed.Load(),
		"credentials_injected", s.CredentialsInjected.Load(),
		"requests_blocked", s.RequestsBlocked.Load(),
		"telemetry_blocked", s.TelemetryBlocked.Load(),
		"strategy_errors", s.StrategyErrors.Load(),
		"passthroughs", s.Passthroughs.Load())
}

// Dispatcher orchestrates one request through telemetry blocking,
// strategy selection, injection, and fail-mode handling. It is re-entrant
// and holds no per-request mutable state, so a single Dispatcher is safe
// to call concurrently from many goroutines.
type Dispatcher struct {
	registry  *strategy.Registry
	rules     []config.Rule // pre-sorted by priority descending
	telemetry *telemetry.List
	failMode  string // "closed" or "open"
	stats     *Stats
}

// New builds a Dispatcher from a loaded Config and a Stats struct the
// caller owns (so it can read counters at shutdown without reaching back
// into the dispatcher).
func New(cfg *config.Config, stats *Stats) *Dispatcher {
	registry := strategy.NewRegistry(cfg.Strategies...)

	var telemetryList *telemetry.List
	if cfg.Settings.BlockTelemetry {
		telemetryList = telemetry.NewList(cfg.Settings.TelemetryDomains)
	}

	failMode := cfg.Settings.FailMode
	if failMode == "" {
		failMode = "closed"
	}

	return &Dispatcher{
		registry:  registry,
		rules:     cfg.Rules,
		telemetry: telemetryList,
		failMode:  failMode,
		stats:     stats,
	}
}

// Handle runs f through the full dispatch pipeline, mutating f.Response
// when the request should be short-circuited (telemetry block,
// authorization denial, or a fail-closed strategy error) instead of
// forwarded upstream.
func (d *Dispatcher) Handle(f *flow.Flow) {
	d.stats.RequestsProcessed.Add(1)

	if d.telemetry.Blocks(f.Host, f.Port) {
		f.Response = &flow.SyntheticResponse{
			StatusCode: 418,
			Body:       "Telemetry blocked",
			Headers:    map[string]string{"Content-Type": "text/plain"},
		}
		d.stats.TelemetryBlocked.Add(1)
		log.Debug("telemetry request blocked", "subsystem", "dispatcher", "request_id", f.ID, "host", f.Host)
		return
	}

	s := d.selectStrategy(f)
	if s == nil {
		d.stats.Passthroughs.Add(1)
		log.Debug("no strategy matched, passing through", "subsystem", "dispatcher", "request_id", f.ID, "host", f.Host, "method", f.Method, "path", f.Path)
		return
	}

	err := s.Inject(f)
	if err == nil {
		d.stats.CredentialsInjected.Add(1)
		return
	}

	d.handleInjectError(f, s, err)
}

// selectStrategy picks the strategy to run: rule-driven matching when
// rules are configured, otherwise detection-driven matching in
// registration order.
func (d *Dispatcher) selectStrategy(f *flow.Flow) strategy.Strategy {
	if len(d.rules) > 0 {
		for _, rule := range d.rules {
			if !ruleMatches(rule, f) {
				continue
			}
			if s, ok := d.registry.ByName(rule.Strategy); ok {
				return s
			}
			log.Warn("rule references unknown strategy", "subsystem", "dispatcher", "rule", rule.Name, "strategy", rule.Strategy)
		}
		return nil
	}
	return d.registry.DetectFirst(f)
}

// ruleMatches reports whether both the rule's domain pattern (if any) and
// trigger pattern (if any, checked against the Authorization header)
// match. A rule with neither pattern set matches every request.
func ruleMatches(rule config.Rule, f *flow.Flow) bool {
	if rule.DomainPattern != nil && !rule.DomainPattern.MatchString(f.Host) {
		return false
	}
	if rule.TriggerHeaderPattern != nil && !rule.TriggerHeaderPattern.MatchString(f.Header.Get("Authorization")) {
		return false
	}
	return true
}

// handleInjectError turns an Inject failure into either a synthetic
// response or a silent passthrough: a host-not-allowed denial always
// surfaces as 403 regardless of fail-mode (the security-critical path);
// any other failure surfaces per fail-mode.
func (d *Dispatcher) handleInjectError(f *flow.Flow, s strategy.Strategy, err error) {
	if errors.Is(err, strategy.ErrHostNotAllowed) {
		f.Response = &flow.SyntheticResponse{
			StatusCode: 403,
			Body:       fmt.Sprintf("Forbidden: %s not whitelisted for %s", f.Host, s.Name()),
			Headers:    map[string]string{"Content-Type": "text/plain"},
		}
		d.stats.RequestsBlocked.Add(1)
		log.Warn("request blocked: host not authorized for strategy",
			"subsystem", "dispatcher", "request_id", f.ID, "strategy", s.Name(), "host", f.Host)
		return
	}

	d.stats.StrategyErrors.Add(1)

	if d.failMode != "open" {
		body := fmt.Sprintf("Credential injection failed: %s", err)
		if errors.Is(err, strategy.ErrSecretMissing) {
			body = fmt.Sprintf("Internal Error: %s not configured", s.Name())
		}
		f.Response = &flow.SyntheticResponse{
			StatusCode: 500,
			Body:       body,
			Headers:    map[string]string{"Content-Type": "text/plain"},
		}
		d.stats.RequestsBlocked.Add(1)
		log.Error("strategy injection failed, fail-closed", "subsystem", "dispatcher", "request_id", f.ID, "strategy", s.Name(), "error", err)
		return
	}

	log.Warn("strategy injection failed, fail-open: passing request through with its dummy credential",
		"subsystem", "dispatcher", "request_id", f.ID, "strategy", s.Name(), "error", err)
}
