package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventAgentStart   EventType = "agent_start"
	EventAgentStop    EventType = "agent_stop"
	EventAgentRestart EventType = "agent_restart"
	EventSync         EventType = "sync"
)

// Event is one audit record. The journal is write-only from the daemon's
// point of view; nothing in the control surface reads it back.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Agent      string    `json:"agent"`
	Detail     string    `json:"detail,omitempty"`
	PID        int       `json:"pid,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent fills in the id and timestamp.
func NewEvent(t EventType, agent, detail string, pid int) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		Agent:      agent,
		Detail:     detail,
		PID:        pid,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for journal events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
	Close() error
}
