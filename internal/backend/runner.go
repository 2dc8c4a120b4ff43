package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/backstop/internal/env"
	"github.com/loykin/backstop/internal/logger"
)

// Runner spawns backend processes.
type Runner interface {
	Spawn(ctx context.Context) (Handle, error)
}

// Handle is a running backend process. Stdout and Stderr reach EOF after the
// process exits; Wait must be called exactly once.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// ExecRunner starts the backend with os/exec in its own process group.
type ExecRunner struct {
	Spec   Spec
	Env    env.Env
	Log    logger.FileConfig
	Logger *slog.Logger
	// WaitDelay bounds how long Wait waits for output pipes held open by
	// grandchildren after the backend itself has exited.
	WaitDelay time.Duration
}

func NewExecRunner(spec Spec, e env.Env, log logger.FileConfig, l *slog.Logger) *ExecRunner {
	if l == nil {
		l = slog.Default()
	}
	return &ExecRunner{Spec: spec, Env: e, Log: log, Logger: l, WaitDelay: 2 * time.Second}
}

func (r *ExecRunner) Spawn(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec := r.Spec
	if pid, ok := StalePID(spec.PIDFile); ok {
		r.Logger.Warn("killing backend left over from a previous run", "pid", pid, "pid_file", spec.PIDFile)
		_ = signalGroup(pid, syscall.SIGKILL)
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = r.Env.Merge(spec.Env)
	configureSysProcAttr(cmd)
	cmd.WaitDelay = r.WaitDelay

	outLog, errLog, err := r.Log.Writers(spec.Name)
	if err != nil {
		return nil, err
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = tee(outW, outLog)
	cmd.Stderr = tee(errW, errLog)

	h := &execHandle{
		cmd:     cmd,
		stdout:  outR,
		stderr:  errR,
		closers: []io.Closer{outW, errW},
		pidFile: spec.PIDFile,
		logger:  r.Logger,
	}
	if outLog != nil {
		h.closers = append(h.closers, outLog)
	}
	if errLog != nil {
		h.closers = append(h.closers, errLog)
	}

	if err := cmd.Start(); err != nil {
		h.closeAll()
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	pid := cmd.Process.Pid
	if err := writePIDFile(spec.PIDFile, pid, pidMeta{StartMillis: processStartMillis(pid), Command: spec.Command}); err != nil {
		r.Logger.Warn("could not write pid file", "path", spec.PIDFile, "error", err)
	}
	return h, nil
}

func tee(pipe io.Writer, log io.Writer) io.Writer {
	if log == nil {
		return pipe
	}
	return io.MultiWriter(pipe, log)
}

type execHandle struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  io.Reader
	closers []io.Closer
	pidFile string
	logger  *slog.Logger
	once    sync.Once
}

func (h *execHandle) PID() int          { return h.cmd.Process.Pid }
func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Wait() error {
	err := h.cmd.Wait()
	h.closeAll()
	if h.pidFile != "" {
		if rmErr := os.Remove(h.pidFile); rmErr != nil && !os.IsNotExist(rmErr) {
			h.logger.Debug("could not remove pid file", "path", h.pidFile, "error", rmErr)
		}
	}
	return err
}

func (h *execHandle) Signal(sig os.Signal) error { return signalGroup(h.PID(), sig) }

func (h *execHandle) Kill() error { return signalGroup(h.PID(), syscall.SIGKILL) }

func (h *execHandle) closeAll() {
	h.once.Do(func() {
		for _, c := range h.closers {
			_ = c.Close()
		}
	})
}
