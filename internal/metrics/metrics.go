package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	agentStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "agent",
			Name:      "starts_total",
			Help:      "Number of successful agent process starts.",
		}, []string{"agent"},
	)
	agentStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "agent",
			Name:      "stops_total",
			Help:      "Number of agent process stops (graceful or kill).",
		}, []string{"agent"},
	)
	agentRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "agent",
			Name:      "restarts_total",
			Help:      "Number of agent restarts (crash recovery and requested).",
		}, []string{"agent"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "agent",
			Name:      "spawn_failures_total",
			Help:      "Number of failed attempts to spawn the agent process.",
		}, []string{"agent"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "agent",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"agent", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gatewarden",
			Subsystem: "agent",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"agent", "state"},
	)
	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gatewarden",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Number of skills synchronization attempts by outcome.",
		}, []string{"outcome"},
	)
	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gatewarden",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of skills synchronization attempts.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{agentStarts, agentStops, agentRestarts, spawnFailures, stateTransitions, currentState, syncRuns, syncDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAgentStart(agent string) {
	if regOK.Load() {
		agentStarts.WithLabelValues(agent).Inc()
	}
}

func IncAgentStop(agent string) {
	if regOK.Load() {
		agentStops.WithLabelValues(agent).Inc()
	}
}

func IncAgentRestart(agent string) {
	if regOK.Load() {
		agentRestarts.WithLabelValues(agent).Inc()
	}
}

func IncSpawnFailure(agent string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(agent).Inc()
	}
}

func RecordStateTransition(agent, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(agent, from, to).Inc()
	}
}

func SetCurrentState(agent, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(agent, state).Set(value)
	}
}

func ObserveSync(outcome string, seconds float64) {
	if regOK.Load() {
		syncRuns.WithLabelValues(outcome).Inc()
		syncDuration.Observe(seconds)
	}
}
