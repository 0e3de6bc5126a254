package strategy

import (
	"regexp"
	"strings"

	"github.com/andrewgibson-cic/cloak-code/internal/authz"
	"github.com/andrewgibson-cic/cloak-code/internal/flow"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
)

// Bearer is the bearer-token family strategy: it replaces the entire
// Authorization header with "Bearer <token>" once it recognizes the
// dummy pattern. Stripe, GitHub, and OpenAI are preset variants of the
// same mechanics with different default dummy patterns and allowlists.
type Bearer struct {
	base
	token       string
	dummyRegexp *regexp.Regexp
}

// NewBearer builds a generic bearer-token strategy.
func NewBearer(name, token string, allowedHosts []string, dummyPattern string) *Bearer {
	return &Bearer{
		base:        base{name: name, hosts: authz.NewMatcher(allowedHosts)},
		token:       token,
		dummyRegexp: regexp.MustCompile(dummyPattern),
	}
}

// Detect reports whether the Authorization header carries the literal
// "Bearer" scheme and matches the configured dummy pattern.
func (b *Bearer) Detect(f *flow.Flow) bool {
	auth := f.Header.Get("Authorization")
	if auth == "" || !strings.Contains(auth, "Bearer") {
		return false
	}
	return b.dummyRegexp.MatchString(auth)
}

// Inject authorizes the destination host, then replaces the entire
// Authorization header value with "Bearer <real token>".
func (b *Bearer) Inject(f *flow.Flow) error {
	if err := b.authorize(f); err != nil {
		return err
	}
	if b.token == "" {
		return wrapSecretMissing(b.name)
	}
	f.Header.Set("Authorization", "Bearer "+b.token)
	log.Debug("credential injected",
		"subsystem", "strategy",
		"strategy", b.name,
		"host", f.Host,
		"header", "Authorization")
	return nil
}

// Stripe-specific, GitHub-specific, and OpenAI-specific default dummy
// patterns and allowlists.
const (
	stripeDummyPattern = `sk_(test|live)_00000000000000000000000000`
	githubDummyPattern = `(ghp_[a-zA-Z0-9]{36}DUMMY|DUMMY_GITHUB_TOKEN)`
	openaiDummyPattern = `(sk-proj-[a-zA-Z0-9]{32}DUMMY|DUMMY_OPENAI_KEY)`
)

var (
	stripeDefaultHosts = []string{"api.stripe.com", "*.stripe.com"}
	githubDefaultHosts = []string{"api.github.com", "*.github.com", "github.com"}
	openaiDefaultHosts = []string{"api.openai.com", "*.openai.com"}
)

// NewStripe builds a Stripe bearer strategy with Stripe's default dummy
// pattern and allowlist. Pass allowedHosts = nil to use the defaults.
func NewStripe(name, token string, allowedHosts []string) *Bearer {
	return newBearerWithDefaults(name, token, allowedHosts, stripeDefaultHosts, stripeDummyPattern)
}

// NewGitHub builds a GitHub bearer strategy with GitHub's default dummy
// pattern and allowlist.
func NewGitHub(name, token string, allowedHosts []string) *Bearer {
	return newBearerWithDefaults(name, token, allowedHosts, githubDefaultHosts, githubDummyPattern)
}

// NewOpenAI builds an OpenAI bearer strategy with OpenAI's default dummy
// pattern and allowlist.
func NewOpenAI(name, token string, allowedHosts []string) *Bearer {
	return newBearerWithDefaults(name, token, allowedHosts, openaiDefaultHosts, openaiDummyPattern)
}

func newBearerWithDefaults(name, token string, allowedHosts, defaultHosts []string, dummyPattern string) *Bearer {
	hosts := allowedHosts
	if len(hosts) == 0 {
		hosts = defaultHosts
	}
	return NewBearer(name, token, hosts, dummyPattern)
}

func wrapSecretMissing(name string) error {
	return &secretMissingError{strategy: name}
}

type secretMissingError struct{ strategy string }

func (e *secretMissingError) Error() string {
	return e.strategy + ": " + ErrSecretMissing.Error()
}

func (e *secretMissingError) Unwrap() error { return ErrSecretMissing }
