// Package forward proxies client requests to the backend, retrying
// connection-level failures on a fixed backoff schedule.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/backstop/internal/metrics"
)

const (
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxReplayBody  = 1 << 20
)

// DefaultSchedule is the wait before each retry.
var DefaultSchedule = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// Config configures a Forwarder.
type Config struct {
	Target         *url.URL
	Schedule       []time.Duration
	RequestTimeout time.Duration
	MaxReplayBody  int64
	// Transport overrides the backend transport; tests use it to inject
	// failures.
	Transport http.RoundTripper
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Forwarder is an http.Handler that relays every request to the backend.
type Forwarder struct {
	proxy  *httputil.ReverseProxy
	target *url.URL
	logger *slog.Logger
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func New(cfg Config) (*Forwarder, error) {
	if cfg.Target == nil || cfg.Target.Host == "" {
		return nil, errors.New("forward target is required")
	}
	if cfg.Schedule == nil {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxReplayBody <= 0 {
		cfg.MaxReplayBody = DefaultMaxReplayBody
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "forward")
	base := cfg.Transport
	if base == nil {
		base = NewTransport(cfg.RequestTimeout)
	}
	schedule := append([]time.Duration(nil), cfg.Schedule...)

	f := &Forwarder{target: cfg.Target, logger: logger}
	target := cfg.Target
	f.proxy = &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = target.Scheme
			r.URL.Host = target.Host
			r.Host = target.Host
		},
		Transport: &retryTransport{
			base:      base,
			schedule:  schedule,
			maxReplay: cfg.MaxReplayBody,
			clock:     cfg.Clock,
			logger:    logger,
		},
		FlushInterval: -1,
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		ModifyResponse: func(resp *http.Response) error {
			dropPreset(resp)
			metrics.IncForwardResponse("ok")
			return nil
		},
		ErrorHandler: f.handleError,
	}
	return f, nil
}

// NewTransport returns the backend transport: short dials, a response header
// deadline and no transparent compression.
func NewTransport(responseTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: responseTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		// the backend may answer while a chunked upload is still arriving
		_ = http.NewResponseController(w).EnableFullDuplex()
	}
	if keys := headerKeys(w.Header()); len(keys) > 0 {
		r = r.WithContext(context.WithValue(r.Context(), presetKey{}, keys))
	}
	f.proxy.ServeHTTP(w, r)
}

type presetKey struct{}

func headerKeys(h http.Header) []string {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// dropPreset removes backend copies of headers the front door already set
// (CORS), so each reaches the client once with the front door's value.
func dropPreset(resp *http.Response) {
	if resp.Request == nil {
		return
	}
	keys, _ := resp.Request.Context().Value(presetKey{}).([]string)
	for _, k := range keys {
		resp.Header.Del(k)
	}
}

// Target is the backend base URL.
func (f *Forwarder) Target() *url.URL { return f.target }

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case r.Context().Err() != nil && !errors.Is(r.Context().Err(), context.DeadlineExceeded):
		metrics.IncForwardResponse("canceled")
		f.logger.Debug("client went away", "method", r.Method, "path", r.URL.Path, "error", err)
		// nobody is listening; leave the response untouched
		return
	case isTimeout(err):
		metrics.IncForwardResponse("timeout")
		f.logger.Warn("backend request timed out", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusGatewayTimeout, errorResp{Error: "Request timeout"})
	default:
		metrics.IncForwardResponse("bad_gateway")
		f.logger.Error("backend request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "Backend unavailable", Message: errorMessage(err)})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorMessage strips the request URL that net/http prefixes to errors.
func errorMessage(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Sprintf("%s %s", ue.Op, ue.Err)
	}
	return err.Error()
}
