// Package admin serves the operator endpoints on a separate listener:
// metrics, backend status and a manual restart. It is not behind the front
// door gate.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/install"
	"github.com/loykin/backstop/internal/metrics"
)

// RestartReason labels restarts requested through the admin API.
const RestartReason = "admin"

// Supervisor is the part of backend.Supervisor the admin API drives.
type Supervisor interface {
	State() backend.Snapshot
	Restart(ctx context.Context, reason string) error
}

// InstallReporter exposes the browser install state.
type InstallReporter interface {
	State() install.State
}

// Status is the /status payload.
type Status struct {
	Backend   backend.Snapshot   `json:"backend"`
	Install   *install.State     `json:"install,omitempty"`
	Resources *metrics.Resources `json:"resources,omitempty"`
}

type errorResp struct {
	Error string `json:"error"`
}

type restartResp struct {
	OK      bool             `json:"ok"`
	Backend backend.Snapshot `json:"backend"`
}

// Server holds the echo instance and its collaborators.
type Server struct {
	e       *echo.Echo
	sup     Supervisor
	install InstallReporter
	logger  *slog.Logger
	sample  func(pid int) (metrics.Resources, error)
}

// New builds the admin API. install may be nil.
func New(sup Supervisor, inst InstallReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		e:       echo.New(),
		sup:     sup,
		install: inst,
		logger:  logger.With("component", "admin"),
		sample:  metrics.SampleProcess,
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError
	s.e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	s.e.GET("/status", s.handleStatus)
	s.e.POST("/restart", s.handleRestart)
	return s
}

// Handler returns the echo instance as an http.Handler.
func (s *Server) Handler() http.Handler { return s.e }

// NewServer builds the admin http.Server.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	st := Status{Backend: s.sup.State()}
	if s.install != nil {
		is := s.install.State()
		st.Install = &is
	}
	if st.Backend.PID > 0 {
		if r, err := s.sample(st.Backend.PID); err == nil {
			st.Resources = &r
		} else {
			s.logger.Debug("resource sample failed", "pid", st.Backend.PID, "error", err)
		}
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleRestart(c echo.Context) error {
	if err := s.sup.Restart(c.Request().Context(), RestartReason); err != nil {
		if errors.Is(err, backend.ErrShuttingDown) {
			return c.JSON(http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		}
		return err
	}
	s.logger.Info("restart requested", "remote", c.RealIP())
	return c.JSON(http.StatusAccepted, restartResp{OK: true, Backend: s.sup.State()})
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	} else {
		s.logger.Error("admin request failed", "path", c.Path(), "error", err)
	}
	_ = c.JSON(code, errorResp{Error: msg})
}
