package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExecutableCandidates are the locations of the browser binary inside a
// chromium build directory, per platform.
var ExecutableCandidates = []string{
	"chrome",
	"chromium",
	"chrome-linux/chrome",
	"chrome-win/chrome.exe",
	"chrome-mac/Chromium.app/Contents/MacOS/Chromium",
}

// ChromiumDir is one chromium build found under the browsers path.
type ChromiumDir struct {
	Dir        string `json:"dir"`
	Executable string `json:"executable,omitempty"`
}

// Report describes what Verify found.
type Report struct {
	BrowsersPath string        `json:"browsers_path"`
	Entries      []string      `json:"entries"`
	Chromium     []ChromiumDir `json:"chromium"`
}

// OK reports whether at least one chromium build was found. A build without
// a known executable still counts; it only earns a warning.
func (r Report) OK() bool { return len(r.Chromium) > 0 }

// Missing lists the chromium directories without a known executable.
func (r Report) Missing() []string {
	var out []string
	for _, c := range r.Chromium {
		if c.Executable == "" {
			out = append(out, c.Dir)
		}
	}
	return out
}

// Verify inspects path. It fails when the directory cannot be read or holds
// no chromium build.
func Verify(path string) (Report, error) {
	r := Report{BrowsersPath: path}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, fmt.Errorf("browsers path %s does not exist", path)
		}
		return r, fmt.Errorf("read browsers path %s: %w", path, err)
	}
	for _, e := range entries {
		r.Entries = append(r.Entries, e.Name())
		if !strings.HasPrefix(e.Name(), chromiumPrefix) {
			continue
		}
		dir := filepath.Join(path, e.Name())
		r.Chromium = append(r.Chromium, ChromiumDir{Dir: dir, Executable: findExecutable(dir)})
	}
	if !r.OK() {
		return r, fmt.Errorf("no chromium build under %s", path)
	}
	return r, nil
}

func findExecutable(dir string) string {
	for _, c := range ExecutableCandidates {
		p := filepath.Join(dir, filepath.FromSlash(c))
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}
