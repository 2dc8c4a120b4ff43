package backend

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFileCleanupIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playwright-mcp.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	l := NewLockFile(path, nil)
	assert.Equal(t, path, l.Path())
	assert.True(t, l.Cleanup())
	assert.False(t, l.Cleanup())
	assert.NoFileExists(t, path)

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Cleanup() {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, removed)
}

func TestLockFileNilAndEmpty(t *testing.T) {
	var l *LockFile
	assert.False(t, l.Cleanup())
	assert.Empty(t, l.Path())
	assert.False(t, NewLockFile("", nil).Cleanup())
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backend.pid")
	require.NoError(t, WritePIDFile(path, os.Getpid()))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	stale, ok := StalePID(path)
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), stale)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)
	_, ok = StalePID(path)
	assert.False(t, ok)

	assert.NoError(t, WritePIDFile("", 1))
}

func TestStalePIDRequiresMatchingStartTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.pid")
	self := os.Getpid()
	start := processStartMillis(self)
	require.Positive(t, start)

	// same PID, different start: the PID was reused by another process
	require.NoError(t, writePIDFile(path, self, pidMeta{StartMillis: start - 60_000}))
	_, ok := StalePID(path)
	assert.False(t, ok)

	// a bare PID cannot be verified
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(self)+"\n"), 0o600))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, self, pid)
	_, ok = StalePID(path)
	assert.False(t, ok)

	require.NoError(t, writePIDFile(path, self, pidMeta{StartMillis: start, Command: "node"}))
	pid, meta, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, self, pid)
	assert.Equal(t, "node", meta.Command)
	stale, ok := StalePID(path)
	assert.True(t, ok)
	assert.Equal(t, self, stale)
}
