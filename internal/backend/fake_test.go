package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// fakeHandle is a controllable backend process.
type fakeHandle struct {
	pid        int
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	exitCh     chan error
	waited     chan struct{}
	once       sync.Once
	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func newFakeHandle(pid int) *fakeHandle {
	h := &fakeHandle{pid: pid, exitCh: make(chan error, 1), waited: make(chan struct{})}
	h.outR, h.outW = io.Pipe()
	h.errR, h.errW = io.Pipe()
	return h
}

func (h *fakeHandle) PID() int          { return h.pid }
func (h *fakeHandle) Stdout() io.Reader { return h.outR }
func (h *fakeHandle) Stderr() io.Reader { return h.errR }

func (h *fakeHandle) Wait() error {
	err := <-h.exitCh
	_ = h.outW.Close()
	_ = h.errW.Close()
	close(h.waited)
	return err
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if !h.ignoreTerm {
		h.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(errors.New("signal: killed"))
	return nil
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() { h.exitCh <- err })
}

func (h *fakeHandle) stdout(line string) { _, _ = fmt.Fprintln(h.outW, line) }
func (h *fakeHandle) stderr(line string) { _, _ = fmt.Fprintln(h.errW, line) }

func (h *fakeHandle) terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.signals {
		if s == syscall.SIGTERM {
			return true
		}
	}
	return false
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// fakeRunner hands out fakeHandles and remembers them.
type fakeRunner struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	err        error
	ignoreTerm bool
}

func (r *fakeRunner) Spawn(context.Context) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	h := newFakeHandle(1000 + len(r.handles))
	h.ignoreTerm = r.ignoreTerm
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRunner) spawned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *fakeRunner) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

func (r *fakeRunner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// probeFunc adapts a function to probe.Probe.
type probeFunc func(context.Context) error

func (f probeFunc) Check(ctx context.Context) error { return f(ctx) }
func (f probeFunc) Describe() string                { return "func" }
