package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gatewarden/gatewarden/internal/health"
	"github.com/gatewarden/gatewarden/internal/skillsync"
	"github.com/gatewarden/gatewarden/internal/supervisor"
)

// Agent is the supervised process as seen by the control surface.
type Agent interface {
	Status() supervisor.Status
	RequestRestart() bool
}

// SyncTrigger runs an immediate synchronization and returns its
// outcome.
type SyncTrigger interface {
	TriggerNow(ctx context.Context) skillsync.Outcome
}

// SyncStatus exposes the synchronizer's view for status reporting.
type SyncStatus interface {
	Enabled() bool
	LastOutcome() *skillsync.Outcome
}

// Router provides the daemon's HTTP control surface.
// Endpoints:
//
//	GET  {basePath}/status    full daemon status
//	GET  {basePath}/health    liveness plus agent resource usage
//	POST {basePath}/restart   request an agent restart
//	POST {basePath}/sync-now  run a synchronization immediately
//	POST {basePath}/webhook   content-change notification
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	agent    Agent
	trigger  SyncTrigger
	sync     SyncStatus
	basePath string
	started  time.Time
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(agent Agent, trigger SyncTrigger, sync SyncStatus, basePath string) *Router {
	return &Router{
		agent:    agent,
		trigger:  trigger,
		sync:     sync,
		basePath: sanitizeBase(basePath),
		started:  time.Now(),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.POST("/restart", r.handleRestart)
	group.POST("/sync-now", r.handleSyncNow)
	group.POST("/webhook", r.handleWebhook)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, agent Agent, trigger SyncTrigger, sync SyncStatus) (*http.Server, error) {
	r := NewRouter(agent, trigger, sync, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	Agent supervisor.Status `json:"agent"`
	Sync  syncStatusResp    `json:"sync"`
	Usage *health.Snapshot  `json:"usage,omitempty"`
	Up    float64           `json:"daemon_uptime_seconds"`
}

type syncStatusResp struct {
	Enabled bool               `json:"enabled"`
	Last    *skillsync.Outcome `json:"last,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.agent.Status()
	resp := statusResp{
		Agent: st,
		Up:    time.Since(r.started).Seconds(),
	}
	if r.sync != nil {
		resp.Sync.Enabled = r.sync.Enabled()
		resp.Sync.Last = r.sync.LastOutcome()
	}
	if st.Running {
		resp.Usage = health.Probe(st.PID)
	}
	writeJSON(c, http.StatusOK, resp)
}

type healthResp struct {
	Status   string             `json:"status"`
	Agent    supervisor.Status  `json:"agent"`
	Usage    *health.Snapshot   `json:"usage,omitempty"`
	LastSync *skillsync.Outcome `json:"last_sync,omitempty"`
}

// handleHealth reports daemon liveness. The daemon is healthy whenever
// it can answer; the agent's state and resource usage are informational.
func (r *Router) handleHealth(c *gin.Context) {
	st := r.agent.Status()
	resp := healthResp{Status: "ok", Agent: st}
	if st.Running {
		resp.Usage = health.Probe(st.PID)
	}
	if r.sync != nil {
		resp.LastSync = r.sync.LastOutcome()
	}
	writeJSON(c, http.StatusOK, resp)
}

type restartResp struct {
	Accepted bool `json:"accepted"`
	// Collapsed is true when the request merged into a restart that was
	// already pending.
	Collapsed bool `json:"collapsed,omitempty"`
}

func (r *Router) handleRestart(c *gin.Context) {
	accepted := r.agent.RequestRestart()
	writeJSON(c, http.StatusAccepted, restartResp{Accepted: true, Collapsed: !accepted})
}

func (r *Router) handleSyncNow(c *gin.Context) {
	if r.trigger == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "synchronization not configured"})
		return
	}
	o := r.trigger.TriggerNow(c.Request.Context())
	code := http.StatusOK
	if o.Failed() {
		code = http.StatusBadGateway
	}
	writeJSON(c, code, o)
}

// handleWebhook acknowledges a content-change notification. The payload
// is opaque; the periodic scheduler (or an explicit sync-now) picks up
// any change on its own.
func (r *Router) handleWebhook(c *gin.Context) {
	// Drain so keep-alive connections stay reusable.
	n, _ := io.Copy(io.Discard, io.LimitReader(c.Request.Body, 1<<20))
	slog.Info("webhook notification received", "bytes", n, "remote", c.ClientIP())
	writeJSON(c, http.StatusAccepted, gin.H{"accepted": true})
}
