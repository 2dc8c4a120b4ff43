package backend

import (
	"fmt"
	"time"
)

// Lifecycle is the supervisor's view of the backend process.
type Lifecycle int32

const (
	Stopped Lifecycle = iota
	Starting
	Ready
	Restarting
)

func (l Lifecycle) String() string {
	switch l {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

func (l Lifecycle) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Lifecycle) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*l = Stopped
	case "starting":
		*l = Starting
	case "ready":
		*l = Ready
	case "restarting":
		*l = Restarting
	default:
		return fmt.Errorf("unknown lifecycle %q", string(b))
	}
	return nil
}

// Snapshot is a read-only copy of the supervisor state.
type Snapshot struct {
	Name                string    `json:"name"`
	Lifecycle           Lifecycle `json:"lifecycle"`
	PID                 int       `json:"pid,omitempty"`
	Generation          uint64    `json:"generation"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Restarts            uint64    `json:"restarts"`
	Crashed             bool      `json:"crashed"`
	StartupTimedOut     bool      `json:"startup_timed_out"`
	LastExit            string    `json:"last_exit,omitempty"`
	LastRestartReason   string    `json:"last_restart_reason,omitempty"`
	StartedAt           time.Time `json:"started_at,omitzero"`
	ReadyAt             time.Time `json:"ready_at,omitzero"`
}

// Ready reports whether the backend accepts traffic.
func (s Snapshot) Ready() bool { return s.Lifecycle == Ready }

// Running reports whether a backend process is currently owned.
func (s Snapshot) Running() bool { return s.PID > 0 }
