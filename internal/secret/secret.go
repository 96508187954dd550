package secret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrUnavailable is returned when neither the backend nor the environment
// yields a value for a secret name.
var ErrUnavailable = errors.New("secret unavailable")

// Backend looks up a secret value by logical name in a remote store.
type Backend interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// HTTPBackend queries a key-value secret service over HTTP.
// GET {base}/v1/secrets/{name} must answer {"value": "..."} on 200.
type HTTPBackend struct {
	base   string
	client *http.Client
}

// NewHTTPBackend builds a backend client for the given base URL.
func NewHTTPBackend(base string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPBackend{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Lookup(ctx context.Context, name string) (string, error) {
	u := b.base + "/v1/secrets/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("secret backend request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secret backend status %d for %q", resp.StatusCode, name)
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("secret backend response: %w", err)
	}
	if body.Value == "" {
		return "", fmt.Errorf("secret backend returned empty value for %q", name)
	}
	return body.Value, nil
}

// Resolver resolves logical secret names, preferring the remote backend
// and falling back to the environment. Values are never cached so backend
// rotation is observed on the next resolution.
type Resolver struct {
	backend   Backend
	lookupEnv func(string) (string, bool)
}

// NewResolver builds a Resolver. backend may be nil for environment-only
// resolution.
func NewResolver(backend Backend) *Resolver {
	return &Resolver{backend: backend, lookupEnv: os.LookupEnv}
}

// EnvKey derives the environment binding for a logical secret name:
// uppercase with every non-alphanumeric run replaced by a single underscore
// (e.g. "github-token" -> "GITHUB_TOKEN").
func EnvKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevSep := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
			prevSep = false
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevSep = false
		default:
			if !prevSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			prevSep = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// Resolve returns the current value for name. Backend errors are not
// fatal: resolution falls through to the environment binding. When both
// sources fail the error wraps ErrUnavailable.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	var backendErr error
	if r.backend != nil {
		v, err := r.backend.Lookup(ctx, name)
		if err == nil {
			return v, nil
		}
		backendErr = err
	}
	if v, ok := r.lookupEnv(EnvKey(name)); ok && v != "" {
		return v, nil
	}
	if backendErr != nil {
		return "", fmt.Errorf("%w: %q (backend: %v, env %s unset)", ErrUnavailable, name, backendErr, EnvKey(name))
	}
	return "", fmt.Errorf("%w: %q (env %s unset)", ErrUnavailable, name, EnvKey(name))
}
