// Package config implements the Configuration Loader (C1): parsing a
// declarative YAML document (or a hardcoded fallback) into a set of
// credential-injection strategies, routing rules, and dispatcher
// settings.
//
// Three tiers are supported, tried in order of preference — rich, legacy,
// hardcoded fallback. The first tier that exists and parses successfully
// wins; a present but malformed higher-priority tier falls through to
// the next with a warning rather than aborting.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"gopkg.in/yaml.v3"

	"github.com/andrewgibson-cic/cloak-code/internal/log"
	"github.com/andrewgibson-cic/cloak-code/internal/strategy"
)

// Mode records which configuration tier actually won, surfaced in the
// shutdown statistics banner as an operational signal.
type Mode string

const (
	ModeRich     Mode = "rich"
	ModeLegacy   Mode = "legacy"
	ModeFallback Mode = "fallback"
)

// Rule is a declarative selector mapping a request to a strategy by name.
type Rule struct {
	Name                string
	Strategy            string
	DomainPattern       *regexp.Regexp
	TriggerHeaderPattern *regexp.Regexp
	Priority            int
}

// Settings carries the dispatcher-wide policy knobs.
type Settings struct {
	FailMode         string // "closed" or "open"
	BlockTelemetry   bool
	TelemetryDomains []string
	// UnknownHostPolicy is parsed from legacy config but has no observable
	// effect — reserved for a future release.
	UnknownHostPolicy string
}

// Config is the fully-resolved result of loading: a registry-ready list
// of strategies, the rules (if any) that route to them, and settings.
type Config struct {
	Mode       Mode
	Strategies []strategy.Strategy
	Rules      []Rule
	Settings   Settings
}

const (
	defaultFailMode = "closed"

	envConfigPathOverride = "CREDENTIAL_CONFIG_PATH"
)

var defaultRichConfigPaths = []string{"/app/config.yaml", "config.yaml"}
var defaultLegacyConfigPaths = []string{"/app/credentials.yml", "credentials.yml"}

// Load tries the rich tier, then the legacy tier, then the hardcoded
// fallback, returning the first that yields at least one strategy.
// CREDENTIAL_CONFIG_PATH, when set, is tried as a rich-config path before
// the built-in default paths.
func Load() (*Config, error) {
	richPaths := defaultRichConfigPaths
	if override := os.Getenv(envConfigPathOverride); override != "" {
		richPaths = append([]string{override}, richPaths...)
	}

	if cfg, err := loadRich(richPaths); err == nil {
		return cfg, nil
	} else {
		log.Warn("rich config tier unavailable, falling back to legacy", "subsystem", "config", "error", err)
	}

	if cfg, err := loadLegacy(defaultLegacyConfigPaths); err == nil {
		return cfg, nil
	} else {
		log.Warn("legacy config tier unavailable, falling back to hardcoded defaults", "subsystem", "config", "error", err)
	}

	return loadFallback(), nil
}

// --- rich tier -------------------------------------------------------

type richDocument struct {
	Strategies []richStrategy `yaml:"strategies"`
	Rules      []richRule     `yaml:"rules"`
	Settings   richSettings   `yaml:"settings"`
}

type richStrategy struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

type richRule struct {
	Name               string `yaml:"name"`
	Strategy           string `yaml:"strategy"`
	DomainRegex        string `yaml:"domain_regex"`
	TriggerHeaderRegex string `yaml:"trigger_header_regex"`
	Priority           int    `yaml:"priority"`
}

type richSettings struct {
	FailMode         string   `yaml:"fail_mode"`
	BlockTelemetry   bool     `yaml:"block_telemetry"`
	TelemetryDomains []string `yaml:"telemetry_domains"`
}

func loadRich(paths []string) (*Config, error) {
	data, _, err := readFirstExisting(paths)
	if err != nil {
		return nil, err
	}

	var doc richDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rich config: %w", err)
	}

	cfg := &Config{Mode: ModeRich}
	for _, rs := range doc.Strategies {
		s, err := buildStrategy(rs)
		if err != nil {
			log.Error("skipping strategy that failed to build", "subsystem", "config", "strategy", rs.Name, "error", err)
			continue
		}
		if s == nil {
			continue // unknown kind, already warned in buildStrategy
		}
		cfg.Strategies = append(cfg.Strategies, s)
	}

	for _, rr := range doc.Rules {
		rule := Rule{Name: rr.Name, Strategy: rr.Strategy, Priority: rr.Priority}
		if rr.DomainRegex != "" {
			re, err := regexp.Compile(rr.DomainRegex)
			if err != nil {
				log.Error("skipping rule with invalid domain_regex", "subsystem", "config", "rule", rr.Name, "error", err)
				continue
			}
			rule.DomainPattern = re
		}
		if rr.TriggerHeaderRegex != "" {
			re, err := regexp.Compile(rr.TriggerHeaderRegex)
			if err != nil {
				log.Error("skipping rule with invalid trigger_header_regex", "subsystem", "config", "rule", rr.Name, "error", err)
				continue
			}
			rule.TriggerHeaderPattern = re
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority > cfg.Rules[j].Priority
	})

	cfg.Settings = Settings{
		FailMode:         doc.Settings.FailMode,
		BlockTelemetry:   doc.Settings.BlockTelemetry,
		TelemetryDomains: doc.Settings.TelemetryDomains,
	}
	if cfg.Settings.FailMode == "" {
		cfg.Settings.FailMode = defaultFailMode
	}

	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("rich config parsed but yielded no usable strategies")
	}
	return cfg, nil
}

// buildStrategy constructs a strategy.Strategy from a rich strategy
// definition. Returns (nil, nil) for an unknown kind — the caller treats
// that as "skip with a warning already logged" rather than aborting the
// whole load.
func buildStrategy(rs richStrategy) (strategy.Strategy, error) {
	cfg := rs.Config
	hosts := stringSlice(cfg["allowed_hosts"])
	dummyPattern, _ := cfg["dummy_pattern"].(string)

	secret, err := resolveSecretField(cfg, "token", "api_key")
	if err != nil {
		return nil, err
	}

	switch rs.Type {
	case "bearer":
		if dummyPattern == "" {
			return nil, fmt.Errorf("bearer strategy %q requires dummy_pattern", rs.Name)
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("bearer strategy %q requires a non-empty allowed_hosts", rs.Name)
		}
		return strategy.NewBearer(rs.Name, secret, hosts, dummyPattern), nil
	case "stripe":
		return strategy.NewStripe(rs.Name, secret, hosts), nil
	case "github":
		return strategy.NewGitHub(rs.Name, secret, hosts), nil
	case "openai":
		return strategy.NewOpenAI(rs.Name, secret, hosts), nil
	case "gemini":
		return strategy.NewGemini(rs.Name, secret, hosts), nil
	case "api_key_header":
		if dummyPattern == "" {
			return nil, fmt.Errorf("api_key_header strategy %q requires dummy_pattern", rs.Name)
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("api_key_header strategy %q requires a non-empty allowed_hosts", rs.Name)
		}
		var opts []strategy.APIKeyHeaderOption
		if hn, ok := cfg["header_name"].(string); ok && hn != "" {
			opts = append(opts, strategy.WithHeaderName(hn))
		}
		if format, ok := cfg["format"].(string); ok && format != "" {
			opts = append(opts, strategy.WithFormat(format))
		}
		if qp := stringSlice(cfg["query_param_names"]); len(qp) > 0 {
			opts = append(opts, strategy.WithQueryParam(qp[0]))
		}
		return strategy.NewAPIKeyHeader(rs.Name, secret, hosts, dummyPattern, opts...), nil
	case "anthropic":
		return strategy.NewAnthropic(rs.Name, secret, hosts), nil
	case "aws_sigv4":
		region, _ := cfg["region"].(string)
		useDefaultChain, _ := cfg["use_default_credential_chain"].(bool)
		if useDefaultChain {
			accessKeyID, secretAccessKey, sessionToken, err := resolveDefaultAWSCredentials(region)
			if err != nil {
				return nil, fmt.Errorf("aws_sigv4 strategy %q: %w", rs.Name, err)
			}
			return strategy.NewAWSSigV4(rs.Name, accessKeyID, secretAccessKey, sessionToken, region, hosts), nil
		}
		accessKeyID, err := resolveSecretField(cfg, "access_key_id")
		if err != nil {
			return nil, err
		}
		secretAccessKey, err := resolveSecretField(cfg, "secret_access_key")
		if err != nil {
			return nil, err
		}
		sessionToken, _ := resolveSecretField(cfg, "session_token")

		// Route the explicitly-configured values through a static
		// credentials provider rather than using them as literals
		// directly, so the same Retrieve path (and the same
		// aws.Credentials shape) is exercised whether the credentials
		// came from config or the default chain above.
		resolved, err := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken).Retrieve(context.Background())
		if err != nil {
			return nil, fmt.Errorf("aws_sigv4 strategy %q: resolving static credentials: %w", rs.Name, err)
		}
		return strategy.NewAWSSigV4(rs.Name, resolved.AccessKeyID, resolved.SecretAccessKey, resolved.SessionToken, region, hosts), nil
	default:
		log.Warn("unknown strategy kind, skipping", "subsystem", "config", "strategy", rs.Name, "type", rs.Type)
		return nil, nil
	}
}

// --- legacy tier -------------------------------------------------------

type legacyDocument struct {
	Credentials map[string]legacyCredential `yaml:"credentials"`
	Security    legacySecurity              `yaml:"security"`
}

type legacyCredential struct {
	DummyToken   string   `yaml:"dummy_token"`
	EnvVar       string   `yaml:"env_var"`
	AllowedHosts []string `yaml:"allowed_hosts"`
}

type legacySecurity struct {
	TelemetryBlocklist []string `yaml:"telemetry_blocklist"`
	UnknownHostPolicy  string   `yaml:"unknown_host_policy"`
	VerboseLogging     bool     `yaml:"verbose_logging"`
}

func loadLegacy(paths []string) (*Config, error) {
	data, _, err := readFirstExisting(paths)
	if err != nil {
		return nil, err
	}

	var doc legacyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing legacy config: %w", err)
	}

	cfg := &Config{
		Mode: ModeLegacy,
		Settings: Settings{
			FailMode:          defaultFailMode,
			BlockTelemetry:    len(doc.Security.TelemetryBlocklist) > 0,
			TelemetryDomains:  doc.Security.TelemetryBlocklist,
			UnknownHostPolicy: doc.Security.UnknownHostPolicy,
		},
	}

	for name, cred := range doc.Credentials {
		token := os.Getenv(cred.EnvVar)
		if token == "" {
			log.Error("dropping legacy credential with unresolved env var", "subsystem", "config", "credential", name, "env_var", cred.EnvVar)
			continue
		}
		if len(cred.AllowedHosts) == 0 {
			log.Error("dropping legacy credential with empty allowed_hosts", "subsystem", "config", "credential", name)
			continue
		}
		dummyPattern := regexp.QuoteMeta(cred.DummyToken)
		cfg.Strategies = append(cfg.Strategies, strategy.NewBearer("v1_"+name, token, cred.AllowedHosts, dummyPattern))
	}

	if len(cfg.Strategies) == 0 {
		return nil, fmt.Errorf("legacy config parsed but yielded no usable credentials")
	}
	return cfg, nil
}

// --- hardcoded fallback tier --------------------------------------------

// loadFallback is the last-resort tier: a minimal hardcoded OpenAI +
// GitHub setup with a fixed set of always-blocked telemetry domains, used
// when neither the rich nor legacy config file can be found or parsed.
func loadFallback() *Config {
	cfg := &Config{
		Mode: ModeFallback,
		Settings: Settings{
			FailMode:         defaultFailMode,
			BlockTelemetry:   true,
			TelemetryDomains: []string{"telemetry.anthropic.com", "sentry.io", "segment.com"},
		},
	}

	if token := os.Getenv("REAL_OPENAI_API_KEY"); token != "" {
		cfg.Strategies = append(cfg.Strategies, strategy.NewOpenAI("openai-legacy", token, nil))
	}
	if token := os.Getenv("REAL_GITHUB_TOKEN"); token != "" {
		cfg.Strategies = append(cfg.Strategies, strategy.NewGitHub("github-legacy", token, nil))
	}

	return cfg
}

// --- shared helpers ------------------------------------------------------

func readFirstExisting(paths []string) (data []byte, path string, err error) {
	var lastErr error
	for _, p := range paths {
		b, readErr := os.ReadFile(p)
		if readErr == nil {
			return b, p, nil
		}
		lastErr = readErr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate paths given")
	}
	return nil, "", fmt.Errorf("no config file found in %v: %w", paths, lastErr)
}

// resolveDefaultAWSCredentials resolves real AWS credentials through the
// standard SDK default chain (environment, shared config/credentials
// files, EC2/ECS instance role) instead of a literal or named env var in
// the strategy config. It then calls STS GetCallerIdentity purely as a
// startup diagnostic — logging which account/ARN the resolved
// credentials belong to — and never fails the load if that call errors
// (a restrictive IAM policy may deny sts:GetCallerIdentity while still
// permitting the signed calls the strategy will actually make).
func resolveDefaultAWSCredentials(region string) (accessKeyID, secretAccessKey, sessionToken string, err error) {
	ctx := context.Background()

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", "", "", fmt.Errorf("loading default AWS credential chain: %w", err)
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", "", "", fmt.Errorf("retrieving AWS credentials from default chain: %w", err)
	}

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		log.Warn("sts:GetCallerIdentity failed for resolved default-chain credentials",
			"subsystem", "config", "error", err)
	} else {
		log.Info("resolved AWS credentials via default chain",
			"subsystem", "config",
			"account", aws.ToString(identity.Account),
			"arn", aws.ToString(identity.Arn))
	}

	return creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken, nil
}

// resolveSecretField looks up the first present key among names in cfg
// and resolves it as a SecretSource: an all-uppercase-with-underscores
// value is treated as an environment variable name, otherwise it is a
// literal. Returns ("", nil) if none of the keys are present — callers
// decide whether that is an error.
func resolveSecretField(cfg map[string]any, names ...string) (string, error) {
	for _, name := range names {
		v, ok := cfg[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("field %q must be a string", name)
		}
		return resolveSecretSource(s, name)
	}
	return "", nil
}

// resolveSecretSource resolves a configured secret value: an all-uppercase,
// underscore-only (digits allowed) string is treated as an environment
// variable reference; anything else is used as a literal value.
func resolveSecretSource(value, fieldName string) (string, error) {
	if isEnvVarReference(value) {
		resolved := os.Getenv(value)
		if resolved == "" {
			return "", fmt.Errorf("environment variable %q referenced by %q is not set", value, fieldName)
		}
		return resolved, nil
	}
	return value, nil
}

func isEnvVarReference(s string) bool {
	if s == "" || !strings.Contains(s, "_") {
		return false
	}
	for _, r := range s {
		if r == '_' || (r >= '0' && r <= '9') {
			continue
		}
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
