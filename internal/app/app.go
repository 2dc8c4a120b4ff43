// Package app assembles backstop from its configuration and runs it until
// the context is canceled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/backstop/internal/admin"
	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/config"
	"github.com/loykin/backstop/internal/forward"
	"github.com/loykin/backstop/internal/health"
	"github.com/loykin/backstop/internal/history"
	"github.com/loykin/backstop/internal/history/factory"
	"github.com/loykin/backstop/internal/install"
	"github.com/loykin/backstop/internal/metrics"
	"github.com/loykin/backstop/internal/server"
)

// DefaultShutdownTimeout bounds the graceful part of shutdown.
const DefaultShutdownTimeout = 15 * time.Second

type Option func(*App)

func WithClock(c clockwork.Clock) Option { return func(a *App) { a.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(a *App) { a.logger = l } }

// WithRunner replaces the exec based backend runner.
func WithRunner(r backend.Runner) Option { return func(a *App) { a.runner = r } }

// WithRegisterer selects where metrics are registered.
func WithRegisterer(r prometheus.Registerer) Option { return func(a *App) { a.registerer = r } }

// App owns every long-lived component.
type App struct {
	cfg        *config.Config
	clock      clockwork.Clock
	logger     *slog.Logger
	runner     backend.Runner
	registerer prometheus.Registerer

	history   *history.Dispatcher
	lock      *backend.LockFile
	sup       *backend.Supervisor
	monitor   *health.Monitor
	installer *install.Installer
	forwarder *forward.Forwarder
	front     *http.Server
	admin     *http.Server

	mu        sync.Mutex
	frontAddr string
	adminAddr string
	ready     chan struct{}
}

// New builds the application. Nothing is started until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, ready: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.logger == nil {
		a.logger = cfg.Log.NewSlogger()
	}
	if a.registerer == nil {
		a.registerer = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(a.registerer); err != nil {
		a.logger.Warn("metrics registration failed", "error", err)
	}
	if cfg.Log.Slog.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	e, err := cfg.Environment()
	if err != nil {
		return nil, err
	}
	p, err := cfg.Probe()
	if err != nil {
		return nil, err
	}

	if dsns := cfg.HistorySinks(); len(dsns) > 0 {
		sinks, err := factory.NewSinks(dsns)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		a.history = history.NewDispatcher(a.logger, cfg.History.Buffer, sinks...)
	}

	spec := cfg.BackendSpec()
	if a.runner == nil {
		a.runner = backend.NewExecRunner(spec, e, cfg.Log.File, a.logger)
	}
	a.lock = backend.NewLockFile(cfg.Backend.LockFile, a.logger)
	a.sup = backend.New(spec, a.runner,
		backend.WithClock(a.clock),
		backend.WithLogger(a.logger),
		backend.WithProbe(p),
		backend.WithHistory(a.history),
		backend.WithLockFile(a.lock),
	)
	a.monitor = health.New(cfg.HealthOptions(), a.sup, p, a.clock, a.logger)

	ic := cfg.InstallOptions(e)
	ic.Logger = a.logger
	a.installer = install.New(ic)

	fo := cfg.ForwardOptions()
	fo.Clock = a.clock
	fo.Logger = a.logger
	a.forwarder, err = forward.New(fo)
	if err != nil {
		_ = a.sup.Shutdown(context.Background())
		return nil, err
	}

	so := cfg.ServerOptions()
	so.Logger = a.logger
	a.front = server.NewServer(cfg.Server.Listen, server.NewRouter(so, a.sup, a.installer, a.forwarder).Handler())
	if cfg.Admin.Enabled {
		a.admin = admin.NewServer(cfg.Admin.Listen, admin.New(a.sup, a.installer, a.logger).Handler())
	}
	return a, nil
}

// Supervisor exposes the backend supervisor.
func (a *App) Supervisor() *backend.Supervisor { return a.sup }

// Installer exposes the browser installer.
func (a *App) Installer() *install.Installer { return a.installer }

// Ready is closed once the listeners are bound.
func (a *App) Ready() <-chan struct{} { return a.ready }

// FrontAddr is the bound front door address, empty before Ready.
func (a *App) FrontAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frontAddr
}

// AdminAddr is the bound admin address, empty when admin is disabled.
func (a *App) AdminAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.adminAddr
}

// Run binds the listeners, starts the backend and serves until ctx is
// canceled or a listener fails. Only a bind or serve failure is returned;
// the backend failing to start is logged and left to the health monitor.
func (a *App) Run(ctx context.Context) error {
	frontLn, err := net.Listen("tcp", a.front.Addr)
	if err != nil {
		a.closeAll()
		return fmt.Errorf("listen %s: %w", a.front.Addr, err)
	}
	var adminLn net.Listener
	if a.admin != nil {
		if adminLn, err = net.Listen("tcp", a.admin.Addr); err != nil {
			_ = frontLn.Close()
			a.closeAll()
			return fmt.Errorf("listen admin %s: %w", a.admin.Addr, err)
		}
	}
	a.mu.Lock()
	a.frontAddr = frontLn.Addr().String()
	if adminLn != nil {
		a.adminAddr = adminLn.Addr().String()
	}
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.installer.EnsureAsync(runCtx)
	if err := a.sup.Start(runCtx); err != nil {
		a.logger.Error("backend start failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Run(runCtx)
	}()

	serveErr := make(chan error, 2)
	go func() { serveErr <- a.front.Serve(frontLn) }()
	if a.admin != nil {
		go func() { serveErr <- a.admin.Serve(adminLn) }()
	}
	a.logger.Info("backstop listening",
		"listen", a.FrontAddr(), "admin", a.AdminAddr(), "backend", a.cfg.BackendURL().String())
	close(a.ready)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
			a.logger.Error("listener failed, shutting down", "error", err)
		}
	}
	cancel()
	wg.Wait()
	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := a.front.Shutdown(ctx); err != nil {
		a.logger.Warn("front door shutdown", "error", err)
		_ = a.front.Close()
	}
	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			_ = a.admin.Close()
		}
	}
	if err := a.sup.Shutdown(ctx); err != nil {
		a.logger.Warn("backend shutdown", "error", err)
	}
	a.lock.Cleanup()
	if err := a.history.Close(ctx); err != nil {
		a.logger.Warn("history flush", "error", err)
	}
}

// closeAll releases what New created when Run never got going.
func (a *App) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	_ = a.sup.Shutdown(ctx)
	_ = a.history.Close(ctx)
}
