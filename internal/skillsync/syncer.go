package skillsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewarden/gatewarden/internal/journal"
	"github.com/gatewarden/gatewarden/internal/metrics"
	"github.com/gatewarden/gatewarden/internal/secret"
	"github.com/gatewarden/gatewarden/internal/workspace"
)

// Result classifies one synchronization attempt.
type Result int

const (
	ResultUpdated Result = iota
	ResultNoChange
	ResultSkipped
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultUpdated:
		return "updated"
	case ResultNoChange:
		return "no-change"
	case ResultSkipped:
		return "skipped"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure reasons carried in Outcome.Reason.
const (
	ReasonDisabled       = "disabled"
	ReasonNoCredential   = "no-credential"
	ReasonFetchError     = "fetch-error"
	ReasonMissingSubtree = "missing-subtree"
	ReasonPublishError   = "publish-error"
)

// Outcome describes one synchronization attempt. It is a value, never a
// thrown error: the scheduler decides policy from it.
type Outcome struct {
	Result Result    `json:"result"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	Commit string    `json:"commit,omitempty"`
	At     time.Time `json:"at"`
}

func (o Outcome) Failed() bool { return o.Result == ResultFailed }

// Config controls the synchronizer.
type Config struct {
	Enabled bool
	// RepoURL is the remote content source; empty disables sync.
	RepoURL string
	// Ref is the branch or tag to fetch; empty means the remote default.
	Ref string
	// Subdir is the expected skills sub-tree inside the fetched repo.
	Subdir string
	// TokenSecret is the logical name of the access credential. Empty
	// means anonymous fetch is allowed.
	TokenSecret string
}

// Fetcher obtains a fresh full copy of the remote content into dst and
// reports the content revision when known.
type Fetcher interface {
	Fetch(ctx context.Context, token, dst string) (commit string, err error)
}

// Syncer pulls the skills tree from the remote source and atomically
// publishes it into the workspace's live skills directory. Concurrent
// Sync calls are serialized; staging never leaks across attempts.
type Syncer struct {
	mu       sync.Mutex
	cfg      Config
	ws       *workspace.Workspace
	resolver *secret.Resolver
	fetcher  Fetcher
	journal  journal.Sink
	logger   *slog.Logger

	lastMu sync.RWMutex
	last   *Outcome
}

// New builds a Syncer. fetcher may be nil, in which case a git-based
// fetcher for cfg.RepoURL is used.
func New(cfg Config, ws *workspace.Workspace, resolver *secret.Resolver, fetcher Fetcher, log *slog.Logger, sink journal.Sink) *Syncer {
	if cfg.Subdir == "" {
		cfg.Subdir = "skills"
	}
	if fetcher == nil {
		fetcher = &GitFetcher{RepoURL: cfg.RepoURL, Ref: cfg.Ref}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{cfg: cfg, ws: ws, resolver: resolver, fetcher: fetcher, logger: log, journal: sink}
}

// Enabled reports whether synchronization is administratively enabled
// and a source is configured.
func (s *Syncer) Enabled() bool { return s.cfg.Enabled && s.cfg.RepoURL != "" }

// LastOutcome returns the most recent outcome, or nil before the first
// attempt.
func (s *Syncer) LastOutcome() *Outcome {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return nil
	}
	o := *s.last
	return &o
}

// Sync runs one synchronization attempt. All failures come back as
// outcome values; the daemon retries on the next period.
func (s *Syncer) Sync(ctx context.Context) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	o := s.sync(ctx)
	o.At = time.Now().UTC()
	metrics.ObserveSync(o.Result.String(), time.Since(started).Seconds())

	s.lastMu.Lock()
	s.last = &o
	s.lastMu.Unlock()

	detail := o.Result.String()
	if o.Reason != "" {
		detail += ":" + o.Reason
	}
	s.record(ctx, detail)

	switch o.Result {
	case ResultFailed:
		s.logger.Warn("skills sync failed", "reason", o.Reason, "error", o.Error)
	case ResultSkipped:
		s.logger.Debug("skills sync skipped", "reason", o.Reason)
	default:
		s.logger.Info("skills sync finished", "result", o.Result.String(), "commit", o.Commit)
	}
	return o
}

func (s *Syncer) sync(ctx context.Context) Outcome {
	if !s.Enabled() {
		// No network or filesystem access on the skip path.
		return Outcome{Result: ResultSkipped, Reason: ReasonDisabled}
	}

	var token string
	if s.cfg.TokenSecret != "" {
		var err error
		token, err = s.resolver.Resolve(ctx, s.cfg.TokenSecret)
		if err != nil {
			return Outcome{Result: ResultFailed, Reason: ReasonNoCredential, Error: err.Error()}
		}
	}

	staging := filepath.Join(s.ws.StagingRoot(), "sync-"+uuid.New().String())
	defer func() { _ = os.RemoveAll(staging) }()

	commit, err := s.fetcher.Fetch(ctx, token, staging)
	if err != nil {
		return Outcome{Result: ResultFailed, Reason: ReasonFetchError, Error: err.Error(), Commit: commit}
	}

	staged := filepath.Join(staging, filepath.Clean(s.cfg.Subdir))
	if st, err := os.Stat(staged); err != nil || !st.IsDir() {
		// Misconfigured source, not a transient error.
		return Outcome{Result: ResultFailed, Reason: ReasonMissingSubtree, Commit: commit,
			Error: fmt.Sprintf("fetched content has no %q directory", s.cfg.Subdir)}
	}

	live := s.ws.SkillsDir()
	stagedHash, err := treeHash(staged)
	if err != nil {
		return Outcome{Result: ResultFailed, Reason: ReasonPublishError, Error: err.Error(), Commit: commit}
	}
	liveHash, err := treeHash(live)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Outcome{Result: ResultFailed, Reason: ReasonPublishError, Error: err.Error(), Commit: commit}
	}
	if stagedHash == liveHash {
		return Outcome{Result: ResultNoChange, Commit: commit}
	}

	if err := s.publish(staged, live); err != nil {
		return Outcome{Result: ResultFailed, Reason: ReasonPublishError, Error: err.Error(), Commit: commit}
	}
	return Outcome{Result: ResultUpdated, Commit: commit}
}

// publish replaces live with the staged tree via a sibling-directory
// rename swap, so a reader of the live path never observes a partial mix
// of old and new content.
func (s *Syncer) publish(staged, live string) error {
	next := live + ".next"
	old := live + ".old"
	_ = os.RemoveAll(next)
	_ = os.RemoveAll(old)

	if err := copyTree(staged, next); err != nil {
		_ = os.RemoveAll(next)
		return fmt.Errorf("stage next tree: %w", err)
	}

	liveExists := true
	if _, err := os.Stat(live); errors.Is(err, os.ErrNotExist) {
		liveExists = false
	}
	if liveExists {
		if err := os.Rename(live, old); err != nil {
			_ = os.RemoveAll(next)
			return fmt.Errorf("retire live tree: %w", err)
		}
	}
	if err := os.Rename(next, live); err != nil {
		// Best-effort rollback so the agent still has a skills tree.
		if liveExists {
			_ = os.Rename(old, live)
		}
		_ = os.RemoveAll(next)
		return fmt.Errorf("promote next tree: %w", err)
	}
	_ = os.RemoveAll(old)
	return nil
}

func (s *Syncer) record(ctx context.Context, detail string) {
	if s.journal == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.journal.Record(cctx, journal.NewEvent(journal.EventSync, "", detail, 0)); err != nil {
		s.logger.Warn("journal write failed", "error", err)
	}
}
