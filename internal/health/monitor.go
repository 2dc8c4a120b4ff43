// Package health periodically probes the backend and asks the supervisor to
// restart it after repeated failures.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/metrics"
	"github.com/loykin/backstop/internal/probe"
)

const (
	DefaultInterval  = 25 * time.Second
	DefaultThreshold = 3
)

// Supervisor is the subset of *backend.Supervisor the monitor drives.
type Supervisor interface {
	State() backend.Snapshot
	RecordProbe(ok bool) int
	Restart(ctx context.Context, reason string) error
}

// Config tunes the monitor.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Threshold    int
	// RecoverExited treats each tick after an unexpected exit as a failed
	// probe, so a dead backend is restarted on the same schedule as a hung one.
	RecoverExited bool
	// SampleResources records backend CPU and memory on every tick.
	SampleResources bool
}

// Monitor runs the periodic health check.
type Monitor struct {
	cfg    Config
	sup    Supervisor
	probe  probe.Probe
	clock  clockwork.Clock
	logger *slog.Logger
	sample func(pid int) (metrics.Resources, error)
}

func New(cfg Config, sup Supervisor, p probe.Probe, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = probe.DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		sup:    sup,
		probe:  p,
		clock:  clock,
		logger: logger.With("component", "health"),
		sample: metrics.SampleProcess,
	}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := m.clock.NewTicker(m.cfg.Interval)
	defer t.Stop()
	m.logger.Info("health monitor started", "interval", m.cfg.Interval, "probe", m.probe.Describe(), "threshold", m.cfg.Threshold)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			m.Tick(ctx)
		}
	}
}

// Tick performs one health check and reports whether it triggered a restart.
func (m *Monitor) Tick(ctx context.Context) bool {
	snap := m.sup.State()
	switch {
	case snap.Lifecycle == backend.Ready:
		m.sampleResources(snap.PID)
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.probe.Check(pctx)
		cancel()
		metrics.IncProbe(err == nil)
		if err == nil {
			m.sup.RecordProbe(true)
			return false
		}
		n := m.sup.RecordProbe(false)
		m.logger.Warn("health check failed", "error", err, "consecutive_failures", n, "threshold", m.cfg.Threshold)
		return m.maybeRestart(ctx, n)

	case snap.Lifecycle == backend.Stopped && snap.Crashed && m.cfg.RecoverExited:
		n := m.sup.RecordProbe(false)
		m.logger.Warn("backend is not running", "last_exit", snap.LastExit, "consecutive_failures", n, "threshold", m.cfg.Threshold)
		return m.maybeRestart(ctx, n)
	}
	return false
}

func (m *Monitor) maybeRestart(ctx context.Context, failures int) bool {
	if failures < m.cfg.Threshold {
		return false
	}
	m.logger.Error("backend unhealthy, restarting", "consecutive_failures", failures)
	if err := m.sup.Restart(ctx, "health"); err != nil {
		m.logger.Error("restart request failed", "error", err)
		return false
	}
	return true
}

func (m *Monitor) sampleResources(pid int) {
	if !m.cfg.SampleResources || pid <= 0 || m.sample == nil {
		return
	}
	if _, err := m.sample(pid); err != nil {
		m.logger.Debug("could not sample backend resources", "pid", pid, "error", err)
	}
}
