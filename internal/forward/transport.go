package forward

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/backstop/internal/metrics"
)

// retryTransport repeats a backend round trip after connection-level
// failures. Retries happen before any response byte reaches the client.
type retryTransport struct {
	base      http.RoundTripper
	schedule  []time.Duration
	maxReplay int64
	clock     clockwork.Clock
	logger    *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := newBodySource(req, t.maxReplay)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		out := req
		if attempt > 0 {
			out = req.Clone(req.Context())
		}
		out.Body = body.open()
		metrics.IncForwardAttempt()

		resp, err := t.base.RoundTrip(out)
		if err == nil {
			return resp, nil
		}
		if attempt >= len(t.schedule) || !isTransient(err) {
			return nil, err
		}
		if !body.replayable() {
			t.logger.Warn("not retrying, request body already sent", "path", req.URL.Path, "error", err)
			return nil, err
		}
		delay := t.schedule[attempt]
		t.logger.Warn("backend unreachable, retrying",
			"method", req.Method, "path", req.URL.Path, "attempt", attempt+1, "delay", delay, "error", err)
		metrics.IncForwardRetry()
		if err := t.wait(req.Context(), delay); err != nil {
			return nil, err
		}
	}
}

func (t *retryTransport) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := t.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// bodySource hands out a fresh request body for every attempt. Bodies with a
// declared length up to the replay limit are buffered. Larger bodies and
// bodies of unknown length stream, and can be retried only while nothing has
// been read from them.
type bodySource struct {
	orig   io.ReadCloser
	buf    []byte
	stream *countingReader
}

func newBodySource(req *http.Request, limit int64) (*bodySource, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return &bodySource{orig: req.Body}, nil
	}
	if req.ContentLength <= 0 || req.ContentLength > limit {
		// chunked uploads may never end on their own; do not wait for EOF
		return &bodySource{stream: &countingReader{r: req.Body}}, nil
	}
	prefix, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(prefix)) <= limit {
		return &bodySource{buf: prefix}, nil
	}
	return &bodySource{stream: &countingReader{r: io.MultiReader(bytes.NewReader(prefix), req.Body)}}, nil
}

func (b *bodySource) open() io.ReadCloser {
	switch {
	case b.stream != nil:
		// the transport closes bodies on error; the client body must survive
		return io.NopCloser(b.stream)
	case b.buf != nil:
		return io.NopCloser(bytes.NewReader(b.buf))
	default:
		return b.orig
	}
}

func (b *bodySource) replayable() bool {
	return b.stream == nil || b.stream.n == 0
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// isTransient reports failures worth retrying: the backend could not be
// reached or dropped the connection.
func isTransient(err error) bool {
	if isDial(err) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// isTimeout reports a backend that accepted the request but did not answer
// in time.
func isTimeout(err error) bool {
	if isDial(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isDial(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}
