// Package backstop is the embeddable facade over the proxy: load a config,
// build the application and run it.
package backstop

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/backstop/internal/app"
	"github.com/loykin/backstop/internal/backend"
	cfg "github.com/loykin/backstop/internal/config"
	"github.com/loykin/backstop/internal/install"
	"github.com/loykin/backstop/internal/metrics"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type App = app.App

type Option = app.Option

type Snapshot = backend.Snapshot

type Lifecycle = backend.Lifecycle

type Runner = backend.Runner

type VerifyReport = install.Report

const (
	Stopped    = backend.Stopped
	Starting   = backend.Starting
	Ready      = backend.Ready
	Restarting = backend.Restarting
)

var (
	WithClock      = app.WithClock
	WithLogger     = app.WithLogger
	WithRunner     = app.WithRunner
	WithRegisterer = app.WithRegisterer
)

// LoadConfig reads a TOML file; an empty path yields the defaults plus
// BACKSTOP_* overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func New(c *Config, opts ...Option) (*App, error) { return app.New(c, opts...) }

// Run loads path and serves until ctx is canceled.
func Run(ctx context.Context, path string, opts ...Option) error {
	c, err := LoadConfig(path)
	if err != nil {
		return err
	}
	a, err := New(c, opts...)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// VerifyBrowser inspects the browsers directory of c.
func VerifyBrowser(c *Config) (VerifyReport, error) {
	e, err := c.Environment()
	if err != nil {
		return VerifyReport{}, err
	}
	return install.Verify(install.New(c.InstallOptions(e)).BrowsersPath())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
