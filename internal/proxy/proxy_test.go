package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/andrewgibson-cic/cloak-code/internal/config"
	"github.com/andrewgibson-cic/cloak-code/internal/dispatcher"
	"github.com/andrewgibson-cic/cloak-code/internal/strategy"
)

func mustParseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func TestProxy_ForwardsRequestsWithNoMatchingStrategy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backend response"))
	}))
	defer backend.Close()

	d := dispatcher.New(&config.Config{Settings: config.Settings{FailMode: "closed"}}, &dispatcher.Stats{})
	p := NewProxy(d)

	proxyServer := httptest.NewServer(p)
	defer proxyServer.Close()

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(mustParseURL(proxyServer.URL))}}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("request through proxy: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "backend response" {
		t.Errorf("body = %q, want %q", string(body), "backend response")
	}
}

func TestProxy_InjectsCredentialForMatchingHost(t *testing.T) {
	var receivedAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	backendAuthority := mustParseURL(backend.URL).Host // host:port, since httptest binds a random port
	openai := strategy.NewOpenAI("openai", "sk-real-token", []string{backendAuthority})
	d := dispatcher.New(&config.Config{
		Strategies: []strategy.Strategy{openai},
		Settings:   config.Settings{FailMode: "closed"},
	}, &dispatcher.Stats{})
	p := NewProxy(d)

	proxyServer := httptest.NewServer(p)
	defer proxyServer.Close()

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(mustParseURL(proxyServer.URL))}}

	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	req.Header.Set("Authorization", "Bearer DUMMY_OPENAI_KEY")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if receivedAuth != "Bearer sk-real-token" {
		t.Errorf("Authorization = %q, want %q", receivedAuth, "Bearer sk-real-token")
	}
}

func TestProxy_SynthesizesBlockedResponseForUnauthorizedHost(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should never be reached"))
	}))
	defer backend.Close()

	openai := strategy.NewOpenAI("openai", "sk-real-token", []string{"api.openai.com"})
	d := dispatcher.New(&config.Config{
		Strategies: []strategy.Strategy{openai},
		Settings:   config.Settings{FailMode: "closed"},
	}, &dispatcher.Stats{})
	p := NewProxy(d)

	proxyServer := httptest.NewServer(p)
	defer proxyServer.Close()

	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(mustParseURL(proxyServer.URL))}}

	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	req.Header.Set("Authorization", "Bearer DUMMY_OPENAI_KEY")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}
