// Package gatewarden supervises a single messaging gateway agent: it
// owns the agent's process lifecycle, keeps its skills content in sync
// with a git source, and exposes an HTTP control surface.
package gatewarden

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/journal"
	"github.com/gatewarden/gatewarden/internal/journal/factory"
	"github.com/gatewarden/gatewarden/internal/logger"
	"github.com/gatewarden/gatewarden/internal/metrics"
	"github.com/gatewarden/gatewarden/internal/scheduler"
	"github.com/gatewarden/gatewarden/internal/secret"
	"github.com/gatewarden/gatewarden/internal/server"
	"github.com/gatewarden/gatewarden/internal/skillsync"
	"github.com/gatewarden/gatewarden/internal/supervisor"
	"github.com/gatewarden/gatewarden/internal/workspace"
)

// Re-exported types for embedders.
type (
	Config        = config.FileConfig
	AgentSpec     = supervisor.Spec
	AgentStatus   = supervisor.Status
	Supervisor    = supervisor.Supervisor
	SyncConfig    = skillsync.Config
	SyncOutcome   = skillsync.Outcome
	Syncer        = skillsync.Syncer
	Scheduler     = scheduler.Scheduler
	Workspace     = workspace.Workspace
	Identity      = workspace.Identity
	SecretBackend = secret.Backend
	Resolver      = secret.Resolver
	JournalSink   = journal.Sink
)

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds the daemon's structured logger for the given level
// string ("debug", "info", "warn", "error").
func NewLogger(level string) *slog.Logger { return logger.New(logger.ParseLevel(level)) }

// OpenWorkspace opens (creating if needed) and locks the agent
// workspace directory.
func OpenWorkspace(root string) (*Workspace, error) { return workspace.Open(root) }

// NewResolver builds a secret resolver. backendURL may be empty, in
// which case only environment variables are consulted.
func NewResolver(backendURL string, timeout time.Duration) *Resolver {
	if backendURL == "" {
		return secret.NewResolver(nil)
	}
	return secret.NewResolver(secret.NewHTTPBackend(backendURL, timeout))
}

// NewJournal builds a journal sink from a DSN. An empty DSN disables
// journaling and returns (nil, nil).
func NewJournal(dsn string) (JournalSink, error) { return factory.FromDSN(dsn) }

// NewSupervisor builds the agent supervisor. See supervisor.New.
func NewSupervisor(spec AgentSpec, envFn func() []string, log *slog.Logger, sink JournalSink) *Supervisor {
	return supervisor.New(spec, envFn, log, sink)
}

// NewSyncer builds the skills synchronizer with the default git
// fetcher.
func NewSyncer(cfg SyncConfig, ws *Workspace, r *Resolver, log *slog.Logger, sink JournalSink) *Syncer {
	return skillsync.New(cfg, ws, r, nil, log, sink)
}

// NewScheduler builds the periodic sync scheduler.
func NewScheduler(interval time.Duration, sync *Syncer, sup *Supervisor, log *slog.Logger) *Scheduler {
	return scheduler.New(interval, sync, sup, log)
}

// NewHTTPServer starts the control-surface HTTP server on addr.
func NewHTTPServer(addr, basePath string, sup *Supervisor, sched *Scheduler, sync *Syncer) (*http.Server, error) {
	return server.NewServer(addr, basePath, sup, sched, sync)
}

// RegisterMetricsDefault registers collectors on the default Prometheus
// registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves the Prometheus scrape endpoint on addr at path.
func ServeMetrics(addr, path string) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}
