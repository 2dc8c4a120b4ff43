package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/metrics"
)

// fakeSupervisor mirrors the supervisor's counting rules.
type fakeSupervisor struct {
	mu       sync.Mutex
	snap     backend.Snapshot
	restarts []string
}

func (f *fakeSupervisor) State() backend.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSupervisor) RecordProbe(ok bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	countable := f.snap.Lifecycle == backend.Ready || (f.snap.Lifecycle == backend.Stopped && f.snap.Crashed)
	if !countable {
		return f.snap.ConsecutiveFailures
	}
	if ok {
		f.snap.ConsecutiveFailures = 0
	} else {
		f.snap.ConsecutiveFailures++
	}
	return f.snap.ConsecutiveFailures
}

func (f *fakeSupervisor) Restart(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, reason)
	f.snap.ConsecutiveFailures = 0
	f.snap.Lifecycle = backend.Restarting
	return nil
}

func (f *fakeSupervisor) set(l backend.Lifecycle, crashed bool) {
	f.mu.Lock()
	f.snap.Lifecycle = l
	f.snap.Crashed = crashed
	f.mu.Unlock()
}

func (f *fakeSupervisor) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

// scriptedProbe returns results in order, then keeps returning the last one.
type scriptedProbe struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProbe) Check(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	return p.results[i]
}

func (p *scriptedProbe) Describe() string { return "scripted" }

func (p *scriptedProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var errDown = errors.New("connection refused")

func TestTwoSuccessesThenThreeFailuresRestartOnce(t *testing.T) {
	sup := &fakeSupervisor{snap: backend.Snapshot{Lifecycle: backend.Ready, PID: 10}}
	p := &scriptedProbe{results: []error{nil, nil, errDown, errDown, errDown}}
	m := New(Config{}, sup, p, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	var restarted []bool
	for i := 0; i < 5; i++ {
		restarted = append(restarted, m.Tick(ctx))
	}
	assert.Equal(t, []bool{false, false, false, false, true}, restarted)
	assert.Equal(t, []string{"health"}, sup.restarts)
	assert.Equal(t, 0, sup.State().ConsecutiveFailures)
	assert.Equal(t, backend.Restarting, sup.State().Lifecycle)

	// restarting backends are not probed
	assert.False(t, m.Tick(ctx))
	assert.Equal(t, 5, p.count())
}

func TestSuccessResetsCounter(t *testing.T) {
	sup := &fakeSupervisor{snap: backend.Snapshot{Lifecycle: backend.Ready}}
	p := &scriptedProbe{results: []error{errDown, errDown, nil, errDown, errDown, nil}}
	m := New(Config{Threshold: 3}, sup, p, nil, nil)

	for i := 0; i < 6; i++ {
		assert.False(t, m.Tick(context.Background()))
	}
	assert.Zero(t, sup.restartCount())
	assert.Equal(t, 0, sup.State().ConsecutiveFailures)
}

func TestStartingBackendIsNotProbed(t *testing.T) {
	sup := &fakeSupervisor{snap: backend.Snapshot{Lifecycle: backend.Starting}}
	p := &scriptedProbe{results: []error{errDown}}
	m := New(Config{}, sup, p, nil, nil)
	for i := 0; i < 5; i++ {
		m.Tick(context.Background())
	}
	assert.Zero(t, p.count())
	assert.Zero(t, sup.restartCount())
}

func TestRecoverExited(t *testing.T) {
	p := &scriptedProbe{results: []error{nil}}

	sup := &fakeSupervisor{}
	sup.set(backend.Stopped, true)
	m := New(Config{RecoverExited: true}, sup, p, nil, nil)
	ctx := context.Background()
	assert.False(t, m.Tick(ctx))
	assert.False(t, m.Tick(ctx))
	assert.True(t, m.Tick(ctx))
	assert.Equal(t, []string{"health"}, sup.restarts)
	assert.Zero(t, p.count(), "a dead backend is not dialed")

	disabled := &fakeSupervisor{}
	disabled.set(backend.Stopped, true)
	m = New(Config{RecoverExited: false}, disabled, p, nil, nil)
	for i := 0; i < 5; i++ {
		assert.False(t, m.Tick(ctx))
	}

	// an explicit stop is left alone
	stopped := &fakeSupervisor{}
	m = New(Config{RecoverExited: true}, stopped, p, nil, nil)
	for i := 0; i < 5; i++ {
		assert.False(t, m.Tick(ctx))
	}
	assert.Zero(t, stopped.restartCount())
}

func TestRunTicksOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sup := &fakeSupervisor{snap: backend.Snapshot{Lifecycle: backend.Ready}}
	p := &scriptedProbe{results: []error{errDown}}
	m := New(Config{Interval: 25 * time.Second}, sup, p, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bcancel()
	require.NoError(t, clock.BlockUntilContext(bctx, 1))

	for i := 1; i <= 3; i++ {
		clock.Advance(25 * time.Second)
		want := i
		require.Eventually(t, func() bool { return p.count() == want }, 2*time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool { return sup.restartCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSampleResourcesOnReadyTick(t *testing.T) {
	sup := &fakeSupervisor{snap: backend.Snapshot{Lifecycle: backend.Ready, PID: 4321}}
	m := New(Config{SampleResources: true}, sup, &scriptedProbe{results: []error{nil}}, nil, nil)
	var sampled []int
	m.sample = func(pid int) (metrics.Resources, error) {
		sampled = append(sampled, pid)
		return metrics.Resources{PID: int32(pid)}, nil
	}
	m.Tick(context.Background())
	assert.Equal(t, []int{4321}, sampled)
}
