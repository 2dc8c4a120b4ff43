package client

import "time"

// Backend mirrors the supervisor snapshot served by the admin API.
type Backend struct {
	Name                string    `json:"name"`
	Lifecycle           string    `json:"lifecycle"`
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

// Install mirrors the browser install state.
type Install struct {
	Enabled      bool   `json:"enabled"`
	BrowsersPath string `json:"browsers_path"`
	Installed    bool   `json:"installed"`
	Installing   bool   `json:"installing"`
	LastError    string `json:"last_error,omitempty"`
}

// Resources is a sample of the backend process usage.
type Resources struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	MemoryVMS  uint64  `json:"memory_vms"`
	NumThreads int32   `json:"num_threads"`
}

// Status is the /status response.
type Status struct {
	Backend   Backend    `json:"backend"`
	Install   *Install   `json:"install,omitempty"`
	Resources *Resources `json:"resources,omitempty"`
}

// RestartResponse is the /restart response.
type RestartResponse struct {
	OK      bool    `json:"ok"`
	Backend Backend `json:"backend"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
