package backend

import (
	"bufio"
	"io"
	"strings"
)

const maxLineBytes = 1 << 20

// stderrClass is the outcome of classifying a backend stderr line.
type stderrClass int

const (
	stderrPlain stderrClass = iota
	stderrLockConflict
	stderrMissingBrowser
)

func classifyStderr(line string, spec Spec) stderrClass {
	if containsAny(line, spec.LockMarkers) {
		return stderrLockConflict
	}
	if containsAny(line, spec.MissingBrowserMarkers) {
		return stderrMissingBrowser
	}
	return stderrPlain
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// scanLines calls fn for every line of r until EOF. Reading continues after
// fn returns so the backend never blocks on a full pipe.
func scanLines(r io.Reader, fn func(string)) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(sc.Text())
	}
	// an over-long line stops the scanner; drain the rest
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) watchStdout(p *proc) {
	markers := s.spec.markers()
	signalled := false
	scanLines(p.h.Stdout(), func(line string) {
		s.logger.Debug("backend stdout", "pid", p.pid, "line", line)
		if !signalled && containsAny(line, markers) {
			signalled = true
			s.post(event{kind: evReady, gen: p.gen, source: "stdout"})
		}
	})
}

func (s *Supervisor) watchStderr(p *proc) {
	scanLines(p.h.Stderr(), func(line string) {
		switch classifyStderr(line, s.spec) {
		case stderrLockConflict:
			s.logger.Warn("backend reported a lock conflict, cleaning lock file", "pid", p.pid, "line", line)
			s.lock.Cleanup()
		case stderrMissingBrowser:
			s.logger.Error("backend browser executable is missing", "pid", p.pid, "line", line)
		default:
			s.logger.Warn("backend stderr", "pid", p.pid, "line", line)
		}
	})
}
