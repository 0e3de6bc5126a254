// Package proxy provides a TLS-intercepting HTTP proxy that runs every
// request through the credential-injection dispatcher before forwarding
// it upstream.
//
// # Security Model
//
// The proxy intercepts HTTPS traffic via CONNECT tunneling with dynamic
// certificate generation. Each intercepted request is converted into a
// Flow, handed to the dispatcher, and either forwarded upstream (with
// whatever header/query mutations the selected strategy applied) or
// answered directly with a synthetic response (telemetry block,
// authorization denial, or a fail-closed strategy error) without ever
// reaching the real destination.
package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andrewgibson-cic/cloak-code/internal/dispatcher"
	"github.com/andrewgibson-cic/cloak-code/internal/flow"
	"github.com/andrewgibson-cic/cloak-code/internal/log"
)

// MaxBodySize is the maximum amount of a request body read into a Flow
// for strategies that need to inspect or rewrite it (e.g. token
// substitution in a request body). Bodies larger than this are forwarded
// unbuffered and unexamined.
const MaxBodySize = 64 * 1024

// isTextContentType returns true for text-based content types worth
// buffering for inspection.
func isTextContentType(ct string) bool {
	if ct == "" {
		return false
	}
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "json") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "x-www-form-urlencoded")
}

// readCloserWrapper wraps a Reader and Closer together.
type readCloserWrapper struct {
	io.Reader
	io.Closer
}

// captureBody reads up to MaxBodySize bytes from a body, returning the
// captured data and a new ReadCloser that streams the full content. For
// bodies <= MaxBodySize, the body is fully buffered, so a strategy that
// rewrites Body sees the complete payload.
func captureBody(body io.ReadCloser, contentType string) ([]byte, io.ReadCloser) {
	if body == nil {
		return nil, nil
	}
	if !isTextContentType(contentType) {
		return nil, body
	}

	buf := make([]byte, MaxBodySize)
	n, err := io.ReadFull(body, buf)

	if err == io.EOF || err == io.ErrUnexpectedEOF {
		body.Close()
		captured := buf[:n]
		return captured, io.NopCloser(bytes.NewReader(captured))
	}
	if err != nil {
		body.Close()
		captured := buf[:n]
		return captured, io.NopCloser(bytes.NewReader(captured))
	}

	captured := buf[:n]
	fullBody := io.MultiReader(bytes.NewReader(captured), body)
	return captured, &readCloserWrapper{Reader: fullBody, Closer: body}
}

// Proxy is an HTTP proxy that routes every request through a Dispatcher.
type Proxy struct {
	dispatcher *dispatcher.Dispatcher
	ca         *CA // optional CA for TLS interception; nil means tunnel-only
}

// NewProxy builds a Proxy that dispatches every request through d.
func NewProxy(d *dispatcher.Dispatcher) *Proxy {
	return &Proxy{dispatcher: d}
}

// SetCA sets the CA used for TLS interception. Without a CA, CONNECT
// requests are tunneled opaquely and cannot be inspected or have
// credentials injected into them.
func (p *Proxy) SetCA(ca *CA) {
	p.ca = ca
}

// ServeHTTP handles both plain HTTP proxy requests and CONNECT tunnels.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		host, port, _ := net.SplitHostPort(r.Host)
		log.Debug("proxy connect", "subsystem", "proxy", "action", "connect", "host", host, "port", port)
		p.handleConnect(w, r)
		return
	}

	log.Debug("proxy request",
		"subsystem", "proxy",
		"action", "forward",
		"method", r.Method,
		"host", r.URL.Hostname(),
		"path", r.URL.Path)
	p.handleHTTP(w, r)
}

// writeSynthetic writes a dispatcher-produced synthetic response (e.g. a
// 403 authorization denial or a 418 telemetry block) directly to w
// without contacting the upstream host.
func writeSynthetic(w http.ResponseWriter, resp *flow.SyntheticResponse) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

// writeSyntheticToConn writes a dispatcher-produced synthetic response
// over a hijacked TLS connection, for use inside the CONNECT-interception
// request loop where there is no http.ResponseWriter.
func writeSyntheticToConn(conn net.Conn, resp *flow.SyntheticResponse) {
	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
	}
	for name, value := range resp.Headers {
		httpResp.Header.Set(name, value)
	}
	_ = httpResp.Write(conn)
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	reqBody, body := captureBody(r.Body, r.Header.Get("Content-Type"))
	r.Body = body

	f := flow.FromRequest(r, reqBody)
	p.dispatcher.Handle(f)
	f.WriteQueryBack(r.URL)

	if f.Response != nil {
		writeSynthetic(w, f.Response)
		return
	}

	if f.Body != nil && !bytes.Equal(f.Body, reqBody) {
		r.Body = io.NopCloser(bytes.NewReader(f.Body))
		r.ContentLength = int64(len(f.Body))
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	outReq.Header = f.Header
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Proxy-Authorization")

	resp, err := http.DefaultTransport.RoundTrip(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, "invalid host format", http.StatusBadRequest)
		return
	}

	if p.ca != nil {
		p.handleConnectWithInterception(w, r, host)
		return
	}
	p.handleConnectTunnel(w, r)
}

// handleConnectTunnel opaquely tunnels bytes with no inspection — used
// when no CA is configured, so no strategy can ever see or rewrite
// traffic through this CONNECT.
func (p *Proxy) handleConnectTunnel(w http.ResponseWriter, r *http.Request) {
	targetConn, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		targetConn.Close()
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		targetConn.Close()
		return
	}

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	var closeOnce sync.Once
	closeConns := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			targetConn.Close()
		})
	}

	go func() {
		_, _ = io.Copy(targetConn, clientConn)
		closeConns()
	}()
	go func() {
		_, _ = io.Copy(clientConn, targetConn)
		closeConns()
	}()
}

// handleConnectWithInterception performs MITM interception via a
// generated leaf certificate, then runs every request read off the
// intercepted TLS connection through the dispatcher before forwarding it
// (or answering with a synthetic response) upstream.
func (p *Proxy) handleConnectWithInterception(w http.ResponseWriter, r *http.Request, host string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	cert, err := p.ca.GenerateCert(host)
	if err != nil {
		return
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		return
	}
	defer tlsClientConn.Close()

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		// Do NOT set ForceAttemptHTTP2 here. This transport forwards
		// HTTP/1.1 requests read from the intercepted TLS connection;
		// enabling HTTP/2 on the upstream side causes framing mismatches.
	}

	clientReader := bufio.NewReader(tlsClientConn)
	for {
		req, err := http.ReadRequest(clientReader)
		if err != nil {
			return
		}

		reqBody, body := captureBody(req.Body, req.Header.Get("Content-Type"))
		req.Body = body
		req.URL.Scheme = "https"
		req.URL.Host = r.Host
		req.RequestURI = ""

		f := flow.FromRequest(req, reqBody)
		p.dispatcher.Handle(f)
		f.WriteQueryBack(req.URL)

		if f.Response != nil {
			writeSyntheticToConn(tlsClientConn, f.Response)
			if req.Close {
				return
			}
			continue
		}

		if f.Body != nil && !bytes.Equal(f.Body, reqBody) {
			req.Body = io.NopCloser(bytes.NewReader(f.Body))
			req.ContentLength = int64(len(f.Body))
		}
		req.Header = f.Header
		req.Header.Del("Proxy-Connection")
		req.Header.Del("Proxy-Authorization")

		resp, err := transport.RoundTrip(req)
		if err != nil {
			errResp := &http.Response{
				StatusCode: http.StatusBadGateway,
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     make(http.Header),
			}
			_ = errResp.Write(tlsClientConn)
			continue
		}

		_ = resp.Write(tlsClientConn)
		resp.Body.Close()

		if resp.Close || req.Close {
			return
		}
	}
}
