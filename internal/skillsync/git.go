package skillsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// GitFetcher clones the remote repository with the system git binary.
// Every fetch is a fresh shallow clone into dst; no local repository
// state is kept between runs.
type GitFetcher struct {
	// RepoURL is the https clone URL.
	RepoURL string
	// Ref is the branch or tag to clone; empty means the remote default.
	Ref string
}

// Fetch clones the repository into dst and returns the checked-out
// commit hash.
func (g *GitFetcher) Fetch(ctx context.Context, token, dst string) (string, error) {
	if g.RepoURL == "" {
		return "", errors.New("no repository URL configured")
	}
	cloneURL, err := injectToken(g.RepoURL, token)
	if err != nil {
		return "", err
	}

	args := []string{"clone", "--depth", "1", "--quiet"}
	if g.Ref != "" {
		args = append(args, "--branch", g.Ref)
	}
	args = append(args, cloneURL, dst)

	cmd := exec.CommandContext(ctx, "git", args...)
	// Never let git fall back to an interactive credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git clone: %s", scrub(stderr.String(), token, err))
	}

	rev := exec.CommandContext(ctx, "git", "-C", dst, "rev-parse", "HEAD")
	out, err := rev.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// injectToken embeds the access token as basic-auth userinfo in an
// https clone URL. An empty token leaves the URL untouched.
func injectToken(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repository URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("token auth requires an http(s) URL, got %q", u.Scheme)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// scrub keeps the token out of error messages and logs.
func scrub(stderr, token string, err error) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	if token != "" {
		msg = strings.ReplaceAll(msg, token, "***")
	}
	return msg
}
