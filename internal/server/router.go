// Package server is the client-facing front door. It answers health checks,
// gates traffic while the backend is not ready and hands everything else to
// the forwarder.
package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/metrics"
)

// DefaultRetryAfter is advertised to clients turned away while the backend starts.
const DefaultRetryAfter = 10 * time.Second

// DefaultPassThrough lists the path prefixes forwarded whatever the lifecycle.
var DefaultPassThrough = []string{"/mcp"}

const (
	msgInstalling = "Browser installation in progress, please wait"
	msgStarting   = "Backend is starting, please retry later"
)

// StateReader exposes the supervisor snapshot.
type StateReader interface {
	State() backend.Snapshot
}

// InstallState reports browser installation progress. A nil InstallState
// means nothing needs installing.
type InstallState interface {
	Installed() bool
	Installing() bool
}

// Config configures the front door.
type Config struct {
	PassThrough []string
	RetryAfter  time.Duration
	Logger      *slog.Logger
}

// Router wires the front door routes.
// Endpoints:
//
//	ANY     /health, /healthz   readiness report
//	OPTIONS *                   CORS preflight, 200 empty body
//	*       pass-through paths  forwarded regardless of lifecycle
//	*       anything else       forwarded when ready, 503 otherwise
type Router struct {
	sup         StateReader
	install     InstallState
	forward     http.Handler
	passThrough []string
	retryAfter  string
	logger      *slog.Logger
}

// NewRouter constructs a Router. fwd receives every accepted request.
func NewRouter(cfg Config, sup StateReader, install InstallState, fwd http.Handler) *Router {
	pt := cfg.PassThrough
	if pt == nil {
		pt = DefaultPassThrough
	}
	ra := cfg.RetryAfter
	if ra <= 0 {
		ra = DefaultRetryAfter
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{
		sup:         sup,
		install:     install,
		forward:     fwd,
		passThrough: sanitizePrefixes(pt),
		retryAfter:  strconv.Itoa(int(ra.Round(time.Second) / time.Second)),
		logger:      l.With("component", "frontdoor"),
	}
}

// Handler returns an http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	// every unknown path belongs to the backend; never answer with a redirect
	g.RedirectTrailingSlash = false
	g.RedirectFixedPath = false
	g.Use(recovery(r.logger), accessLog(r.logger), cors())
	g.Any("/health", r.handleHealth)
	g.Any("/healthz", r.handleHealth)
	g.NoRoute(r.handleProxy)
	return g
}

// NewServer builds the front door http.Server. There is no write timeout:
// forwarded responses may stream for as long as the backend keeps writing.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type healthResp struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (r *Router) installed() bool  { return r.install == nil || r.install.Installed() }
func (r *Router) installing() bool { return r.install != nil && r.install.Installing() }

func (r *Router) handleHealth(c *gin.Context) {
	st := r.sup.State()
	switch {
	case st.Ready() && r.installed():
		writeJSON(c, http.StatusOK, healthResp{Status: "healthy"})
	case r.installing():
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "installing", Message: msgInstalling})
	default:
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Status: "starting"})
	}
}

func (r *Router) handleProxy(c *gin.Context) {
	path := c.Request.URL.Path
	if !r.isPassThrough(path) {
		if st := r.sup.State(); !st.Ready() {
			metrics.IncRejection(st.Lifecycle.String())
			r.logger.Debug("request rejected, backend not ready",
				"method", c.Request.Method, "path", path, "lifecycle", st.Lifecycle.String())
			c.Header("Retry-After", r.retryAfter)
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "Service starting", Message: msgStarting})
			return
		}
	}
	r.forward.ServeHTTP(c.Writer, c.Request)
}

func (r *Router) isPassThrough(path string) bool {
	for _, p := range r.passThrough {
		if matchPrefix(p, path) {
			return true
		}
	}
	return false
}
