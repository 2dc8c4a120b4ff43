// Package install tracks whether the browser the backend drives is present
// and installs it in the background when it is not.
package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loykin/backstop/internal/env"
)

const (
	BrowsersPathEnv     = "PLAYWRIGHT_BROWSERS_PATH"
	DefaultBrowsersPath = "/ms-playwright"
	chromiumPrefix      = "chromium"
	// tail of the install output kept for error reports
	outputTail = 2 << 10
)

// DefaultCommand installs chromium through playwright-core.
var DefaultCommand = []string{"npx", "-y", "playwright-core", "install", "--no-shell", "chromium"}

// Config configures an Installer.
type Config struct {
	// Enabled=false reports the browser as installed and never runs anything.
	Enabled      bool
	BrowsersPath string
	Command      []string
	Env          env.Env
	Logger       *slog.Logger
}

// runFunc executes the install command; tests replace it.
type runFunc func(ctx context.Context, argv []string, environ []string) ([]byte, error)

// Installer owns the install state. All methods are safe for concurrent use.
type Installer struct {
	enabled bool
	path    string
	command []string
	env     env.Env
	logger  *slog.Logger
	run     runFunc

	mu         sync.Mutex
	installed  bool
	installing bool
	lastErr    error
}

func New(cfg Config) *Installer {
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	path := cfg.BrowsersPath
	if path == "" {
		if v, ok := cfg.Env.Lookup(BrowsersPathEnv); ok && v != "" {
			path = v
		} else {
			path = DefaultBrowsersPath
		}
	}
	cmd := cfg.Command
	if len(cmd) == 0 {
		cmd = DefaultCommand
	}
	return &Installer{
		enabled: cfg.Enabled,
		path:    path,
		command: append([]string(nil), cmd...),
		env:     cfg.Env.WithSet(BrowsersPathEnv, path),
		logger:  l.With("component", "install"),
		run:     execRun,
	}
}

// BrowsersPath is the directory searched for browser builds.
func (i *Installer) BrowsersPath() string { return i.path }

// Check looks for a chromium build under the browsers path and records
// the result.
func (i *Installer) Check() bool {
	if !i.enabled {
		i.setInstalled(true)
		return true
	}
	ok, err := hasChromium(i.path)
	if err != nil {
		i.logger.Error("browser check failed", "path", i.path, "error", err)
	} else if ok {
		i.logger.Info("browser ready", "path", i.path)
	}
	i.setInstalled(ok)
	return ok
}

// EnsureAsync starts a background install when the browser is missing. The
// returned channel yields the outcome once; it is closed without a value
// when nothing had to be done or an install is already running.
func (i *Installer) EnsureAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	if i.Check() {
		close(done)
		return done
	}
	i.mu.Lock()
	if i.installing {
		i.mu.Unlock()
		close(done)
		return done
	}
	i.installing = true
	i.lastErr = nil
	i.mu.Unlock()

	i.logger.Warn("browser not found, installing in background", "path", i.path, "command", strings.Join(i.command, " "))
	go func() {
		defer close(done)
		err := i.install(ctx)
		i.mu.Lock()
		i.installing = false
		i.lastErr = err
		i.mu.Unlock()
		if err != nil {
			i.logger.Error("browser install failed", "error", err)
		} else {
			i.logger.Info("browser install finished", "path", i.path)
		}
		done <- err
	}()
	return done
}

func (i *Installer) install(ctx context.Context) error {
	out, err := i.run(ctx, i.command, i.env.Merge(nil))
	if err != nil {
		if tail := lastBytes(out, outputTail); tail != "" {
			return fmt.Errorf("install command: %w: %s", err, tail)
		}
		return fmt.Errorf("install command: %w", err)
	}
	if !i.Check() {
		return errors.New("browser not found after installation")
	}
	return nil
}

func (i *Installer) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installed
}

func (i *Installer) Installing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installing
}

// LastError is the error of the most recent install, nil after success.
func (i *Installer) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// State is a point-in-time copy of the install state.
type State struct {
	Enabled      bool   `json:"enabled"`
	BrowsersPath string `json:"browsers_path"`
	Installed    bool   `json:"installed"`
	Installing   bool   `json:"installing"`
	LastError    string `json:"last_error,omitempty"`
}

func (i *Installer) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := State{
		Enabled:      i.enabled,
		BrowsersPath: i.path,
		Installed:    i.installed,
		Installing:   i.installing,
	}
	if i.lastErr != nil {
		s.LastError = i.lastErr.Error()
	}
	return s
}

func (i *Installer) setInstalled(v bool) {
	i.mu.Lock()
	i.installed = v
	i.mu.Unlock()
}

func hasChromium(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), chromiumPrefix) {
			return true, nil
		}
	}
	return false, nil
}

func execRun(ctx context.Context, argv []string, environ []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = environ
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

func lastBytes(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
