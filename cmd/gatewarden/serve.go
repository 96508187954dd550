package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/internal/secret"
)

func runServe(configPath string) error {
	cfg, err := gatewarden.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := gatewarden.NewLogger(cfg.Log.Level)
	slog.SetDefault(log)

	// The workspace is the only startup dependency the daemon refuses to
	// run without; everything else degrades.
	ws, err := gatewarden.OpenWorkspace(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer func() { _ = ws.Close() }()
	if err := ws.Materialize(gatewarden.Identity{AgentName: cfg.Agent.Name, Root: ws.Root()}, nil); err != nil {
		return fmt.Errorf("materialize workspace: %w", err)
	}

	resolver := gatewarden.NewResolver(cfg.Secrets.BackendURL, cfg.Secrets.Timeout)
	envFn, err := buildAgentEnv(cfg, resolver, log)
	if err != nil {
		return err
	}

	sink, err := gatewarden.NewJournal(cfg.Journal.DSN)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if sink != nil {
		defer func() { _ = sink.Close() }()
	}

	if cfg.Metrics.Enabled {
		if err := gatewarden.RegisterMetricsDefault(); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := gatewarden.ServeMetrics(cfg.Metrics.Listen, cfg.Metrics.Path); err != nil {
					log.Error("metrics server stopped", "error", err)
				}
			}()
		}
	}

	// Agent console output lands in the workspace unless the operator
	// pointed it elsewhere.
	capture := cfg.Log.Capture
	if capture.Dir == "" && capture.StdoutPath == "" && capture.StderrPath == "" {
		capture.Dir = ws.LogDir()
	}

	sup := gatewarden.NewSupervisor(gatewarden.AgentSpec{
		Name:           cfg.Agent.Name,
		Command:        cfg.Agent.Command,
		WorkDir:        cfg.Agent.WorkDir,
		StopTimeout:    cfg.Agent.StopTimeout,
		KillWait:       cfg.Agent.KillWait,
		RestartBackoff: cfg.Agent.RestartBackoff,
		MinUptime:      cfg.Agent.MinUptime,
		Log:            capture,
	}, envFn, log, sink)

	syncer := gatewarden.NewSyncer(gatewarden.SyncConfig{
		Enabled:     cfg.Skills.Enabled,
		RepoURL:     cfg.Skills.RepoURL,
		Ref:         cfg.Skills.Ref,
		Subdir:      cfg.Skills.Subdir,
		TokenSecret: cfg.Skills.TokenSecret,
	}, ws, resolver, log, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bring the skills tree up to date before the agent's first spawn.
	// A failure here is logged and retried on the regular period.
	if syncer.Enabled() {
		syncer.Sync(ctx)
	}

	sched := gatewarden.NewScheduler(cfg.Skills.Interval, syncer, sup, log)
	sched.Start(ctx)

	if err := sup.Start(); err != nil {
		// The slot stays absent; the operator can fix the command and
		// POST /restart without bouncing the daemon.
		log.Error("initial agent start failed", "error", err)
	}

	srv, err := gatewarden.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, sup, sched, syncer)
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	log.Info("gatewarden serving", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "agent", cfg.Agent.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	sched.Stop()
	if err := sup.Shutdown(); err != nil {
		log.Warn("agent shutdown", "error", err)
	}
	return srv.Close()
}

// buildAgentEnv composes the agent's environment for every spawn: the
// daemon's environment, static config pairs, then required secrets.
// Secrets are resolved once up front (a startup failure is fatal) and
// re-resolved per spawn so restarts pick up rotated values; a later
// resolution failure falls back to the last known value.
func buildAgentEnv(cfg *gatewarden.Config, resolver *gatewarden.Resolver, log *slog.Logger) (func() []string, error) {
	var mu sync.Mutex
	cached := make(map[string]string, len(cfg.Agent.RequiredSecrets))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range cfg.Agent.RequiredSecrets {
		val, err := resolver.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve required secret %q: %w", name, err)
		}
		cached[name] = val
	}

	return func() []string {
		env := append(os.Environ(), cfg.Agent.Env...)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mu.Lock()
		defer mu.Unlock()
		for _, name := range cfg.Agent.RequiredSecrets {
			val, err := resolver.Resolve(ctx, name)
			if err != nil {
				log.Warn("secret re-resolution failed; using previous value", "secret", name, "error", err)
				val = cached[name]
			} else {
				cached[name] = val
			}
			env = append(env, secret.EnvKey(name)+"="+val)
		}
		return env
	}, nil
}
