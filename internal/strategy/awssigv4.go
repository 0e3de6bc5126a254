package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/andrewgibson-cic/cloak-code/internal/authz"
	"github.com/andrewgibson-cic/cloak-code/internal/flow"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
)

// awsDummyPattern matches a dummy AWS access key: either a DUMMY-suffixed
// AKIA key, or the literal placeholder AKIA00000000DUMMYKEY.
const awsDummyPattern = `(AKIA[0-9A-Z]{16}DUMMY|AKIA00000000DUMMYKEY)`

var (
	awsDefaultAllowedHosts = []string{"*.amazonaws.com", "*.amazonaws.com.cn"}

	// hostServiceRegion matches "<service>.<region>.amazonaws.com[.cn]",
	// e.g. "s3.us-west-2.amazonaws.com" -> service "s3", region "us-west-2".
	hostServiceRegion = regexp.MustCompile(`^([a-z0-9-]+)\.([a-z]{2}-[a-z]+-\d+)\.amazonaws\.com(\.cn)?$`)
	// hostServiceOnly matches "<service>.amazonaws.com[.cn]" with no
	// region segment, e.g. "s3.amazonaws.com".
	hostServiceOnly = regexp.MustCompile(`^([a-z0-9-]+)\.amazonaws\.com(\.cn)?$`)

	awsDummyRegexp = regexp.MustCompile(awsDummyPattern)
)

// unsignedPayloadThreshold is the body-size cutoff above which S3
// PUT/POST requests use AWS's UNSIGNED-PAYLOAD optimization instead of
// hashing the full body (1 MiB).
const unsignedPayloadThreshold = 1 << 20

// AWSSigV4 re-signs a request carrying a dummy SigV4-signed Authorization
// header with a fresh signature computed from real AWS credentials. It
// cannot reuse the agent's signature — a signature computed over a dummy
// secret key is never valid upstream — so it discards the dummy headers
// entirely and recomputes the canonical SigV4 signature via
// aws-sdk-go-v2's signer.
type AWSSigV4 struct {
	base
	credentials   aws.Credentials
	defaultRegion string
	signer        *v4.Signer
	dummyRegexp   *regexp.Regexp
}

// NewAWSSigV4 builds the AWS SigV4 re-signing strategy. accessKeyID,
// secretAccessKey, and sessionToken (optional, pass "" when not using
// temporary credentials) are the real credentials used to sign outgoing
// requests. defaultRegion is used when the region cannot be derived from
// the hostname or an X-Amz-Credential query parameter.
func NewAWSSigV4(name, accessKeyID, secretAccessKey, sessionToken, defaultRegion string, allowedHosts []string) *AWSSigV4 {
	hosts := allowedHosts
	if len(hosts) == 0 {
		hosts = awsDefaultAllowedHosts
	}
	return &AWSSigV4{
		base: base{name: name, hosts: authz.NewMatcher(hosts)},
		credentials: aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			SessionToken:    sessionToken,
		},
		defaultRegion: defaultRegion,
		signer:        v4.NewSigner(),
		dummyRegexp:   awsDummyRegexp,
	}
}

// Detect reports whether the host looks like an AWS endpoint and the
// request carries a dummy access key, either in the Authorization header
// or in a pre-signed URL's X-Amz-Credential query parameter.
func (a *AWSSigV4) Detect(f *flow.Flow) bool {
	if !isAWSHost(f.Host) {
		return false
	}
	if v := f.Header.Get("Authorization"); v != "" && a.dummyRegexp.MatchString(v) {
		return true
	}
	if v := f.Query.Get("X-Amz-Credential"); v != "" && a.dummyRegexp.MatchString(v) {
		return true
	}
	return false
}

func isAWSHost(host string) bool {
	h := strings.ToLower(host)
	return strings.HasSuffix(h, ".amazonaws.com") || strings.HasSuffix(h, ".amazonaws.com.cn")
}

// Inject authorizes the host, derives the service and region, strips the
// dummy SigV4 headers, applies the UNSIGNED-PAYLOAD optimization for
// large S3 writes, and signs the request fresh with the real credentials.
func (a *AWSSigV4) Inject(f *flow.Flow) error {
	if err := a.authorize(f); err != nil {
		return err
	}
	if a.credentials.AccessKeyID == "" || a.credentials.SecretAccessKey == "" {
		return wrapSecretMissing(a.name)
	}

	service, region, err := a.deriveServiceAndRegion(f)
	if err != nil {
		return err
	}

	sanitizeAWSHeaders(f)

	payloadHash := hex.EncodeToString(sha256Sum(f.Body))
	if isS3Service(service) && isUpload(f.Method) && len(f.Body) > unsignedPayloadThreshold {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	req, err := a.buildSigningRequest(f)
	if err != nil {
		return fmt.Errorf("building request to sign: %w: %w", err, ErrInternal)
	}

	if err := a.signer.SignHTTP(context.Background(), a.credentials, req, payloadHash, service, region, time.Now()); err != nil {
		return fmt.Errorf("signing request: %w: %w", err, ErrInternal)
	}

	// signer.SignHTTP mutated req.Header in place; req.Header is the same
	// map as f.Header (see buildSigningRequest), so nothing further to
	// copy back.
	log.Debug("credential injected",
		"subsystem", "strategy",
		"strategy", a.name,
		"host", f.Host,
		"service", service,
		"region", region)
	return nil
}

// buildSigningRequest constructs a minimal *http.Request sharing f's
// header map so that signer.SignHTTP's in-place header mutations (it
// sets Authorization, X-Amz-Date, and X-Amz-Security-Token directly on
// req.Header) land on the flow without a separate copy-back step.
func (a *AWSSigV4) buildSigningRequest(f *flow.Flow) (*http.Request, error) {
	u := fmt.Sprintf("%s://%s%s", f.Scheme, f.Host, f.Path)
	if q := f.Query.Encode(); q != "" {
		u += "?" + q
	}
	req, err := http.NewRequest(f.Method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header = f.Header
	req.ContentLength = int64(len(f.Body))
	return req, nil
}

// sanitizeAWSHeaders strips the dummy-signed SigV4 headers before
// re-signing: a stale Authorization/X-Amz-Date/X-Amz-Security-Token/
// X-Amz-Signature would either collide with or be silently ignored by
// the freshly computed ones.
func sanitizeAWSHeaders(f *flow.Flow) {
	f.Header.Del("Authorization")
	f.Header.Del("X-Amz-Date")
	f.Header.Del("X-Amz-Security-Token")
	f.Header.Del("X-Amz-Signature")
}

func isS3Service(service string) bool {
	return service == "s3"
}

func isUpload(method string) bool {
	return method == http.MethodPut || method == http.MethodPost
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// deriveServiceAndRegion extracts the AWS service and region for the
// request: first from the canonical "<service>.<region>.amazonaws.com"
// hostname shape, then from a region-less "<service>.amazonaws.com"
// hostname (falling back to the strategy's configured default region),
// then from an X-Amz-Credential pre-signed-URL query parameter, and
// finally failing with ErrMalformedRequest if none of those yield both
// values.
func (a *AWSSigV4) deriveServiceAndRegion(f *flow.Flow) (service, region string, err error) {
	host := strings.ToLower(f.Host)

	if m := hostServiceRegion.FindStringSubmatch(host); m != nil {
		return m[1], m[2], nil
	}
	if m := hostServiceOnly.FindStringSubmatch(host); m != nil {
		if a.defaultRegion == "" {
			return "", "", fmt.Errorf("cannot determine region for host %q: %w", f.Host, ErrMalformedRequest)
		}
		return m[1], a.defaultRegion, nil
	}

	if cred := f.Query.Get("X-Amz-Credential"); cred != "" {
		// Format: <access-key>/<date>/<region>/<service>/aws4_request
		parts := strings.Split(cred, "/")
		if len(parts) == 5 && parts[4] == "aws4_request" {
			return parts[3], parts[2], nil
		}
	}

	return "", "", fmt.Errorf("cannot derive service/region from host %q: %w", f.Host, ErrMalformedRequest)
}
