package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single check when none is configured.
const DefaultTimeout = 2 * time.Second

// Probe performs a single bounded check against the backend.
// It must be safe for concurrent use.
type Probe interface {
	// Check returns nil when the backend answered.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the check.
	Describe() string
}

// HTTPProbe treats any HTTP response, whatever its status, as healthy.
type HTTPProbe struct {
	URL     string
	Method  string
	Timeout time.Duration
	Client  *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout))
	defer cancel()

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return nil
}

func (p HTTPProbe) Describe() string {
	m := p.Method
	if m == "" {
		m = http.MethodGet
	}
	return "http:" + m + " " + p.URL
}

// TCPProbe succeeds when a TCP connection to Addr can be opened.
type TCPProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p TCPProbe) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: timeoutOr(p.Timeout)}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p TCPProbe) Describe() string { return "tcp:" + p.Addr }

// New builds a probe of the given kind ("http" or "tcp") for addr (host:port).
func New(kind, addr, path string, timeout time.Duration) (Probe, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("probe address required")
	}
	switch strings.ToLower(kind) {
	case "", "http":
		if path == "" {
			path = "/"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return HTTPProbe{
			URL:     "http://" + addr + path,
			Timeout: timeout,
			Client:  &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		}, nil
	case "tcp":
		return TCPProbe{Addr: addr, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
