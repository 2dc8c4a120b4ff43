package install

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	withExe := filepath.Join(dir, "chromium-1140", "chrome-linux")
	require.NoError(t, os.MkdirAll(withExe, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(withExe, "chrome"), []byte("#!"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "chromium-empty"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "ffmpeg-1010"), 0o755))

	r, err := Verify(dir)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.ElementsMatch(t, []string{"chromium-1140", "chromium-empty", "ffmpeg-1010"}, r.Entries)
	require.Len(t, r.Chromium, 2)
	assert.Equal(t, filepath.Join(withExe, "chrome"), r.Chromium[0].Executable)
	assert.Equal(t, []string{filepath.Join(dir, "chromium-empty")}, r.Missing())
}

func TestVerifyIgnoresDirectoryNamedLikeExecutable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "chromium-1", "chrome"), 0o755))
	r, err := Verify(dir)
	require.NoError(t, err)
	assert.Empty(t, r.Chromium[0].Executable)
}

func TestVerifyFailures(t *testing.T) {
	_, err := Verify(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "does not exist")

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "firefox-1"), 0o755))
	r, err := Verify(dir)
	assert.ErrorContains(t, err, "no chromium build")
	assert.False(t, r.OK())
	assert.Equal(t, []string{"firefox-1"}, r.Entries)
}
