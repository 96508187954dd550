package secret

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"github-token":   "GITHUB_TOKEN",
		"telegram.token": "TELEGRAM_TOKEN",
		"API_KEY":        "API_KEY",
		"a--b":           "A_B",
		"token2":         "TOKEN2",
	}
	for in, want := range cases {
		if got := EnvKey(in); got != want {
			t.Errorf("EnvKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveEnvFallbackWithoutBackend(t *testing.T) {
	r := NewResolver(nil)
	r.lookupEnv = func(k string) (string, bool) {
		if k == "GITHUB_TOKEN" {
			return "env-value", true
		}
		return "", false
	}
	v, err := r.Resolve(context.Background(), "github-token")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v != "env-value" {
		t.Errorf("expected env-value, got %q", v)
	}
}

func TestResolveBackendPreferred(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/secrets/github-token" {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(`{"value":"backend-value"}`))
	}))
	defer srv.Close()

	r := NewResolver(NewHTTPBackend(srv.URL, time.Second))
	r.lookupEnv = func(string) (string, bool) { return "env-value", true }

	v, err := r.Resolve(context.Background(), "github-token")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v != "backend-value" {
		t.Errorf("expected backend value to win, got %q", v)
	}
}

func TestResolveBackendErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewResolver(NewHTTPBackend(srv.URL, time.Second))
	r.lookupEnv = func(k string) (string, bool) {
		if k == "GITHUB_TOKEN" {
			return "env-value", true
		}
		return "", false
	}
	v, err := r.Resolve(context.Background(), "github-token")
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if v != "env-value" {
		t.Errorf("expected env-value after backend failure, got %q", v)
	}
}

func TestResolveUnavailable(t *testing.T) {
	r := NewResolver(nil)
	r.lookupEnv = func(string) (string, bool) { return "", false }
	_, err := r.Resolve(context.Background(), "missing-secret")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
