package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := prometheus.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(r); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Helpers must not panic once registered.
	IncAgentStart("gateway")
	IncAgentStop("gateway")
	IncAgentRestart("gateway")
	IncSpawnFailure("gateway")
	RecordStateTransition("gateway", "absent", "starting")
	SetCurrentState("gateway", "running", true)
	ObserveSync("updated", 1.5)
}
