// Package history exports backend lifecycle events to external systems.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawned EventType = "spawned"
	EventReady   EventType = "ready"
	EventExited  EventType = "exited"
	EventRestart EventType = "restart"
	EventStopped EventType = "stopped"
)

// Exit reasons carried by EventExited.
const (
	ExitRequested   = "requested"
	ExitUnexpected  = "unexpected"
	ExitSpawnFailed = "spawn_failed"
)

// Record is the backend snapshot attached to an event.
type Record struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	Lifecycle  string `json:"lifecycle"`
	Generation uint64 `json:"generation"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
