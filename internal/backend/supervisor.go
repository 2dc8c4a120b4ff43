package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/backstop/internal/history"
	"github.com/loykin/backstop/internal/metrics"
	"github.com/loykin/backstop/internal/probe"
)

// ErrShuttingDown is returned by calls made after Shutdown.
var ErrShuttingDown = errors.New("backend supervisor is shutting down")

// killWait bounds how long a SIGKILLed backend may take to be reaped.
const killWait = 2 * time.Second

// Supervisor owns the backend process. All state lives in a single event loop
// goroutine; other components talk to it through commands and read published
// snapshots.
//
// State machine:
//
//	Stopped -> Starting -> Ready -> Restarting -> Ready
//	any running state -> Stopped on exit or Stop
type Supervisor struct {
	spec    Spec
	runner  Runner
	probe   probe.Probe
	clock   clockwork.Clock
	logger  *slog.Logger
	history *history.Dispatcher
	lock    *LockFile

	cmds   chan command
	events chan event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	snap Snapshot

	st state
}

// state is touched only by the event loop.
type state struct {
	lifecycle  Lifecycle
	current    *proc
	gen        uint64
	failures   int
	restarts   uint64
	crashed    bool
	timedOut   bool
	lastExit   string
	lastReason string
	startedAt  time.Time
	readyAt    time.Time
	quiesce    clockwork.Timer
	quiesceSeq uint64
}

// proc is one spawned generation of the backend.
type proc struct {
	h            Handle
	gen          uint64
	pid          int
	spawnedAt    time.Time
	exited       chan struct{}
	cancel       context.CancelFunc
	stopPolling  context.CancelFunc
	startupTimer clockwork.Timer
}

type action int

const (
	actStart action = iota
	actRestart
	actStop
	actShutdown
	actProbe
)

type command struct {
	action action
	reason string
	ok     bool
	reply  chan reply
}

type reply struct {
	err      error
	failures int
}

type eventKind int

const (
	evReady eventKind = iota
	evExited
	evStartupTimeout
	evQuiesced
)

type event struct {
	kind   eventKind
	gen    uint64
	seq    uint64
	pid    int
	err    error
	source string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithClock(c clockwork.Clock) Option { return func(s *Supervisor) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithProbe enables readiness polling while the backend is starting.
func WithProbe(p probe.Probe) Option { return func(s *Supervisor) { s.probe = p } }

func WithHistory(d *history.Dispatcher) Option { return func(s *Supervisor) { s.history = d } }

func WithLockFile(l *LockFile) Option { return func(s *Supervisor) { s.lock = l } }

// New creates a supervisor and starts its event loop. The backend is not
// spawned until Start is called.
func New(spec Spec, runner Runner, opts ...Option) *Supervisor {
	s := &Supervisor{
		spec:   spec,
		runner: runner,
		cmds:   make(chan command, 16),
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor", "backend", spec.Name)
	if s.lock == nil {
		s.lock = NewLockFile("", s.logger)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.publish()

	go s.run()
	return s
}

// Start spawns the backend. It is a no-op unless the backend is Stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	_, err := s.send(ctx, command{action: actStart})
	return err
}

// Restart terminates the current backend, if any, and spawns a new one after
// the restart delay. A restart requested while one is pending is a no-op.
func (s *Supervisor) Restart(ctx context.Context, reason string) error {
	_, err := s.send(ctx, command{action: actRestart, reason: reason})
	return err
}

// Stop terminates the backend and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	_, err := s.send(ctx, command{action: actStop})
	return err
}

// Shutdown stops the backend and ends the event loop.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err := s.send(ctx, command{action: actShutdown})
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	return err
}

// RecordProbe feeds a health probe result into the failure counter and
// returns the updated count. Results are counted only while the backend is
// Ready, or Stopped after an unexpected exit.
func (s *Supervisor) RecordProbe(ok bool) int {
	r, err := s.send(context.Background(), command{action: actProbe, ok: ok})
	if err != nil {
		return 0
	}
	return r.failures
}

// State returns the latest published snapshot.
func (s *Supervisor) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Supervisor) Spec() Spec { return s.spec }

// Done is closed when the event loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) send(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case <-s.done:
		return reply{}, ErrShuttingDown
	default:
	}
	select {
	case s.cmds <- c:
	case <-s.done:
		return reply{}, ErrShuttingDown
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, r.err
	case <-s.done:
		// the loop may have answered just before exiting
		select {
		case r := <-c.reply:
			return r, r.err
		default:
			return reply{}, ErrShuttingDown
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// post hands an event to the loop; it is dropped once the loop has exited.
func (s *Supervisor) post(e event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for {
		select {
		case c := <-s.cmds:
			if s.handleCommand(c) {
				return
			}
		case e := <-s.events:
			s.handleEvent(e)
			s.publish()
		}
	}
}

func (s *Supervisor) handleCommand(c command) (exit bool) {
	var r reply
	switch c.action {
	case actStart:
		r.err = s.handleStart()
	case actRestart:
		s.handleRestart(c.reason)
	case actStop:
		s.handleStop()
	case actShutdown:
		s.handleStop()
		s.cancel()
		exit = true
	case actProbe:
		r.failures = s.handleProbe(c.ok)
	}
	// callers read State right after the reply
	s.publish()
	c.reply <- r
	return exit
}

func (s *Supervisor) handleEvent(e event) {
	switch e.kind {
	case evReady:
		s.handleReady(e)
	case evExited:
		s.handleExited(e)
	case evStartupTimeout:
		s.handleStartupTimeout(e)
	case evQuiesced:
		s.handleQuiesced(e)
	}
}

func (s *Supervisor) handleStart() error {
	if s.st.lifecycle != Stopped {
		s.logger.Debug("start ignored", "lifecycle", s.st.lifecycle.String())
		return nil
	}
	return s.spawn(Starting)
}

func (s *Supervisor) spawn(target Lifecycle) error {
	s.lock.Cleanup()

	pctx, cancel := context.WithCancel(s.ctx)
	h, err := s.runner.Spawn(pctx)
	if err != nil {
		cancel()
		s.st.lastExit = err.Error()
		s.st.crashed = true
		s.logger.Error("failed to spawn backend", "error", err)
		s.setLifecycle(Stopped)
		s.emit(history.EventExited, 0, history.ExitSpawnFailed, err.Error())
		return fmt.Errorf("spawn backend: %w", err)
	}

	s.st.gen++
	pollCtx, stopPolling := context.WithCancel(pctx)
	p := &proc{
		h:           h,
		gen:         s.st.gen,
		pid:         h.PID(),
		spawnedAt:   s.clock.Now(),
		exited:      make(chan struct{}),
		cancel:      cancel,
		stopPolling: stopPolling,
	}
	s.st.current = p
	s.st.crashed = false
	s.st.timedOut = false
	s.st.startedAt = p.spawnedAt
	s.st.readyAt = time.Time{}
	s.setLifecycle(target)

	metrics.IncStart()
	s.logger.Info("backend spawned", "pid", p.pid, "generation", p.gen)
	s.emit(history.EventSpawned, p.pid, "", "")

	go s.watchStdout(p)
	go s.watchStderr(p)
	go s.observeExit(p)

	gen := p.gen
	p.startupTimer = s.clock.AfterFunc(s.spec.StartupTimeout, func() {
		s.post(event{kind: evStartupTimeout, gen: gen})
	})
	if s.probe != nil && s.spec.StartupPoll > 0 {
		go s.pollStartup(pollCtx, p)
	}
	return nil
}

func (s *Supervisor) observeExit(p *proc) {
	err := p.h.Wait()
	close(p.exited)
	s.post(event{kind: evExited, gen: p.gen, pid: p.pid, err: err})
}

func (s *Supervisor) pollStartup(ctx context.Context, p *proc) {
	t := s.clock.NewTicker(s.spec.StartupPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			err := s.probe.Check(ctx)
			if err == nil {
				s.post(event{kind: evReady, gen: p.gen, source: "probe"})
				return
			}
			s.logger.Debug("backend not answering yet", "probe", s.probe.Describe(), "error", err)
		}
	}
}

func (s *Supervisor) handleReady(e event) {
	p := s.st.current
	if p == nil || p.gen != e.gen {
		return
	}
	if s.st.lifecycle != Starting && s.st.lifecycle != Restarting {
		return
	}
	p.stopPolling()
	p.startupTimer.Stop()

	s.st.readyAt = s.clock.Now()
	s.st.failures = 0
	s.st.timedOut = false
	took := s.st.readyAt.Sub(p.spawnedAt)
	metrics.ObserveReady(took.Seconds())
	s.setLifecycle(Ready)
	s.logger.Info("backend ready", "pid", p.pid, "generation", p.gen, "signal", e.source, "took", took)
	s.emit(history.EventReady, p.pid, "", "")
}

func (s *Supervisor) handleStartupTimeout(e event) {
	p := s.st.current
	if p == nil || p.gen != e.gen {
		return
	}
	if s.st.lifecycle != Starting && s.st.lifecycle != Restarting {
		return
	}
	s.st.timedOut = true
	s.logger.Warn("backend has not signalled readiness, still waiting",
		"pid", p.pid, "timeout", s.spec.StartupTimeout)
}

func (s *Supervisor) handleExited(e event) {
	status := exitText(e.err)
	p := s.st.current
	if p == nil || p.gen != e.gen {
		// a retired generation finishing its shutdown
		metrics.IncExit(true)
		s.logger.Info("backend exited", "pid", e.pid, "generation", e.gen, "status", status)
		s.emitGen(history.EventExited, e.gen, e.pid, history.ExitRequested, status)
		return
	}

	p.cancel()
	p.startupTimer.Stop()
	s.st.current = nil
	s.st.lastExit = status
	s.st.crashed = true
	metrics.IncExit(false)
	s.logger.Error("backend exited unexpectedly", "pid", p.pid, "generation", p.gen, "status", status)
	s.setLifecycle(Stopped)
	s.emit(history.EventExited, p.pid, history.ExitUnexpected, status)
}

func (s *Supervisor) handleRestart(reason string) {
	if s.st.lifecycle == Restarting {
		s.logger.Debug("restart already pending", "reason", reason)
		return
	}
	s.st.failures = 0
	s.st.restarts++
	s.st.lastReason = reason
	metrics.IncRestart(reason)

	pid := 0
	if p := s.st.current; p != nil {
		pid = p.pid
		s.retire(p)
		s.st.current = nil
	}
	s.setLifecycle(Restarting)
	s.lock.Cleanup()
	s.logger.Warn("restarting backend", "reason", reason, "pid", pid, "delay", s.spec.RestartDelay)
	s.emit(history.EventRestart, pid, reason, "")

	s.st.quiesceSeq++
	seq := s.st.quiesceSeq
	s.st.quiesce = s.clock.AfterFunc(s.spec.RestartDelay, func() {
		s.post(event{kind: evQuiesced, seq: seq})
	})
}

func (s *Supervisor) handleQuiesced(e event) {
	if e.seq != s.st.quiesceSeq || s.st.lifecycle != Restarting || s.st.current != nil {
		return
	}
	s.st.quiesce = nil
	_ = s.spawn(Restarting)
}

func (s *Supervisor) handleStop() {
	if s.st.quiesce != nil {
		s.st.quiesce.Stop()
		s.st.quiesce = nil
	}
	s.st.quiesceSeq++

	var done <-chan struct{}
	pid := 0
	if p := s.st.current; p != nil {
		pid = p.pid
		done = s.retire(p)
		s.st.current = nil
	}
	s.st.crashed = false
	s.st.failures = 0
	s.setLifecycle(Stopped)
	if done != nil {
		<-done
	}
	s.lock.Cleanup()
	s.emit(history.EventStopped, pid, "", "")
}

func (s *Supervisor) handleProbe(ok bool) int {
	countable := s.st.lifecycle == Ready || (s.st.lifecycle == Stopped && s.st.crashed)
	if !countable {
		return s.st.failures
	}
	if ok {
		s.st.failures = 0
	} else {
		s.st.failures++
	}
	return s.st.failures
}

// retire detaches p from the loop and terminates it in the background:
// SIGTERM to the process group, SIGKILL after the stop grace.
func (s *Supervisor) retire(p *proc) <-chan struct{} {
	p.cancel()
	p.startupTimer.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.h.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("could not signal backend", "pid", p.pid, "error", err)
		}
		grace := s.clock.NewTimer(s.spec.StopGrace)
		defer grace.Stop()
		select {
		case <-p.exited:
			return
		case <-grace.Chan():
		}
		s.logger.Warn("backend ignored SIGTERM, killing", "pid", p.pid, "grace", s.spec.StopGrace)
		if err := p.h.Kill(); err != nil {
			s.logger.Debug("could not kill backend", "pid", p.pid, "error", err)
		}
		reap := s.clock.NewTimer(killWait)
		defer reap.Stop()
		select {
		case <-p.exited:
		case <-reap.Chan():
			s.logger.Error("backend did not exit after SIGKILL", "pid", p.pid)
		}
	}()
	return done
}

func (s *Supervisor) setLifecycle(to Lifecycle) {
	from := s.st.lifecycle
	if from == to {
		return
	}
	s.st.lifecycle = to
	metrics.RecordStateTransition(from.String(), to.String())
	s.logger.Debug("backend state changed", "from", from.String(), "to", to.String())
}

func (s *Supervisor) publish() {
	snap := Snapshot{
		Name:                s.spec.Name,
		Lifecycle:           s.st.lifecycle,
		Generation:          s.st.gen,
		ConsecutiveFailures: s.st.failures,
		Restarts:            s.st.restarts,
		Crashed:             s.st.crashed,
		StartupTimedOut:     s.st.timedOut,
		LastExit:            s.st.lastExit,
		LastRestartReason:   s.st.lastReason,
		StartedAt:           s.st.startedAt,
		ReadyAt:             s.st.readyAt,
	}
	if s.st.current != nil {
		snap.PID = s.st.current.pid
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Supervisor) emit(t history.EventType, pid int, reason, errText string) {
	s.emitGen(t, s.st.gen, pid, reason, errText)
}

func (s *Supervisor) emitGen(t history.EventType, gen uint64, pid int, reason, errText string) {
	s.history.Emit(history.Event{
		Type:       t,
		OccurredAt: s.clock.Now().UTC(),
		Record: history.Record{
			Name:       s.spec.Name,
			PID:        pid,
			Lifecycle:  s.st.lifecycle.String(),
			Generation: gen,
			Reason:     reason,
			Error:      errText,
		},
	})
}

func exitText(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
