package strategy

import (
	"net/http"
	"net/url"
	"testing"
)

func TestGemini_HeaderWinsOverQueryParam(t *testing.T) {
	s := NewGemini("gemini", "AIzaREAL", nil)
	f := newFlow("POST", "generativelanguage.googleapis.com", "/v1/models", http.Header{
		"x-goog-api-key": {"DUMMY_GEMINI_KEY"},
	}, url.Values{"key": {"DUMMY_GEMINI_KEY"}})

	if !s.Detect(f) {
		t.Fatal("expected detect to match dummy Gemini key in header")
	}
	if err := s.Inject(f); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := f.Header.Get("x-goog-api-key"); got != "AIzaREAL" {
		t.Errorf("header = %q, want %q", got, "AIzaREAL")
	}
	if got := f.Query.Get("key"); got != "DUMMY_GEMINI_KEY" {
		t.Errorf("query param must be left untouched when header matched, got %q", got)
	}
}

func TestGemini_FallsBackToQueryParam(t *testing.T) {
	s := NewGemini("gemini", "AIzaREAL", nil)
	f := newFlow("GET", "generativelanguage.googleapis.com", "/v1/models", nil,
		url.Values{"key": {"DUMMY_GEMINI_KEY"}})

	if !s.Detect(f) {
		t.Fatal("expected detect to match dummy Gemini key in query param")
	}
	if err := s.Inject(f); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := f.Query.Get("key"); got != "AIzaREAL" {
		t.Errorf("query param = %q, want %q", got, "AIzaREAL")
	}
}

func TestGemini_HostNotAllowed(t *testing.T) {
	s := NewGemini("gemini", "AIzaREAL", nil)
	f := newFlow("GET", "evil.example.com", "/", nil, url.Values{"key": {"DUMMY_GEMINI_KEY"}})
	err := s.Inject(f)
	if err == nil {
		t.Fatal("expected injection to be denied for unauthorized host")
	}
}

func TestAPIKeyHeader_SubstringVsWholeValueReplacement(t *testing.T) {
	s := NewAPIKeyHeader("custom", "REALTOKEN", []string{"api.example.com"}, `DUMMY_[A-Z]+`,
		WithHeaderName("x-api-key"), WithQueryParam(""))

	// Whole-value case.
	fWhole := newFlow("GET", "api.example.com", "/", http.Header{"x-api-key": {"DUMMY_KEY"}}, nil)
	if err := s.Inject(fWhole); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := fWhole.Header.Get("x-api-key"); got != "REALTOKEN" {
		t.Errorf("whole-value replace = %q, want %q", got, "REALTOKEN")
	}

	// Substring case: the dummy is embedded in a larger value.
	fSub := newFlow("GET", "api.example.com", "/", http.Header{"x-api-key": {"prefix-DUMMY_KEY-suffix"}}, nil)
	if err := s.Inject(fSub); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := fSub.Header.Get("x-api-key"); got != "prefix-REALTOKEN-suffix" {
		t.Errorf("substring replace = %q, want %q", got, "prefix-REALTOKEN-suffix")
	}
}

func TestAPIKeyHeader_FormatTemplate(t *testing.T) {
	s := NewAPIKeyHeader("custom", "REALTOKEN", []string{"api.example.com"}, `DUMMY_KEY`,
		WithHeaderName("x-api-key"), WithFormat("token {token}"), WithQueryParam(""))

	f := newFlow("GET", "api.example.com", "/", http.Header{"x-api-key": {"DUMMY_KEY"}}, nil)
	if err := s.Inject(f); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := f.Header.Get("x-api-key"); got != "token REALTOKEN" {
		t.Errorf("header = %q, want %q", got, "token REALTOKEN")
	}
}
