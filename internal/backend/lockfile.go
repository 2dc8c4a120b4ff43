package backend

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// LockFile is the browser profile lock left behind by a crashed backend.
// Cleanup is idempotent and safe for concurrent use.
type LockFile struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewLockFile(path string, logger *slog.Logger) *LockFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockFile{path: path, logger: logger}
}

func (l *LockFile) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Cleanup removes the lock file if present. Failures are logged and otherwise
// ignored; it reports whether a file was removed.
func (l *LockFile) Cleanup() bool {
	if l == nil || l.path == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path)
	switch {
	case err == nil:
		l.logger.Info("removed stale lock file", "path", l.path)
		return true
	case errors.Is(err, fs.ErrNotExist):
		return false
	default:
		l.logger.Warn("could not remove lock file", "path", l.path, "error", err)
		return false
	}
}
