package backend

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Defaults for the Playwright MCP worker.
const (
	DefaultName           = "playwright-mcp"
	DefaultCommand        = "node"
	DefaultPort           = 8082
	DefaultStartupTimeout = 60 * time.Second
	DefaultStartupPoll    = 5 * time.Second
	DefaultRestartDelay   = 3 * time.Second
	DefaultStopGrace      = 5 * time.Second
	DefaultLockFile       = "/tmp/playwright-mcp.lock"
)

// DefaultArgs starts the MCP server headless on DefaultPort.
func DefaultArgs(port int) []string {
	return []string{
		"cli.js",
		"--headless",
		"--browser", "chromium",
		"--no-sandbox",
		"--port", strconv.Itoa(port),
		"--isolated",
		"--shared-browser-context",
		"--save-session",
		"--timeout-action=60000",
		"--timeout-navigation=60000",
		"--output-dir=/tmp/playwright-output",
	}
}

// Spec describes the backend process and the supervisor timings around it.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"` // executable, or a shell line when Args is empty
	Args    []string `json:"args"`
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env"` // extra K=V entries
	Port    int      `json:"port"`
	PIDFile string   `json:"pid_file"`

	// ReadyMarkers are stdout substrings that signal readiness. The port
	// number is always added.
	ReadyMarkers []string `json:"ready_markers"`
	// LockMarkers are stderr substrings that indicate a stale lock.
	LockMarkers []string `json:"lock_markers"`
	// MissingBrowserMarkers are stderr substrings reporting an absent browser.
	MissingBrowserMarkers []string `json:"missing_browser_markers"`

	StartupTimeout time.Duration `json:"startup_timeout"`
	StartupPoll    time.Duration `json:"startup_poll"`
	RestartDelay   time.Duration `json:"restart_delay"`
	StopGrace      time.Duration `json:"stop_grace"`
}

// DefaultSpec returns the spec of the stock Playwright MCP deployment.
func DefaultSpec() Spec {
	return Spec{
		Name:                  DefaultName,
		Command:               DefaultCommand,
		Args:                  DefaultArgs(DefaultPort),
		Port:                  DefaultPort,
		ReadyMarkers:          []string{"listening", "started"},
		LockMarkers:           []string{"ETXTBSY"},
		MissingBrowserMarkers: []string{"not installed", "Executable doesn"},
		StartupTimeout:        DefaultStartupTimeout,
		StartupPoll:           DefaultStartupPoll,
		RestartDelay:          DefaultRestartDelay,
		StopGrace:             DefaultStopGrace,
	}
}

// Validate reports configuration errors.
func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Command) == "" {
		errs = append(errs, errors.New("backend command is required"))
	}
	if s.StartupTimeout <= 0 {
		errs = append(errs, fmt.Errorf("startup timeout must be positive, got %s", s.StartupTimeout))
	}
	if s.StartupPoll < 0 {
		errs = append(errs, fmt.Errorf("startup poll must not be negative, got %s", s.StartupPoll))
	}
	if s.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("restart delay must not be negative, got %s", s.RestartDelay))
	}
	if s.StopGrace <= 0 {
		errs = append(errs, fmt.Errorf("stop grace must be positive, got %s", s.StopGrace))
	}
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid backend port %d", s.Port))
	}
	return errors.Join(errs...)
}

// markers returns the readiness markers including the port number.
func (s Spec) markers() []string {
	out := make([]string, 0, len(s.ReadyMarkers)+1)
	for _, m := range s.ReadyMarkers {
		if m != "" {
			out = append(out, m)
		}
	}
	if s.Port > 0 {
		out = append(out, strconv.Itoa(s.Port))
	}
	return out
}

// BuildCommand constructs the *exec.Cmd for the spec. With explicit Args the
// command is executed directly. Without Args, a command line containing shell
// metacharacters runs under /bin/sh -c, otherwise it is split on spaces.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...)
	}
	if after, ok := explicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShell detects "sh -c <ARG>" style command lines and returns ARG with
// one pair of surrounding quotes removed.
func explicitShell(cmdStr string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(cmdStr, p) {
			continue
		}
		after := strings.TrimSpace(cmdStr[len(p):])
		if len(after) >= 2 {
			if q := after[0]; (q == '\'' || q == '"') && after[len(after)-1] == q {
				after = after[1 : len(after)-1]
			}
		}
		return after, true
	}
	return "", false
}
