package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidMeta follows the PID line. The start time tells the recorded backend
// apart from an unrelated process that later reused its PID.
type pidMeta struct {
	StartMillis int64  `json:"start_ms"`
	Command     string `json:"command,omitempty"`
}

// WritePIDFile records pid and its start time at path, creating parent
// directories.
func WritePIDFile(path string, pid int) error {
	return writePIDFile(path, pid, pidMeta{StartMillis: processStartMillis(pid)})
}

func writePIDFile(path string, pid int, meta pidMeta) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o600)
}

// ReadPIDFile returns the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	pid, _, err := readPIDFile(path)
	return pid, err
}

// readPIDFile returns the PID and, when present, the metadata after it. Files
// holding only a PID yield zero metadata.
func readPIDFile(path string) (int, pidMeta, error) {
	var meta pidMeta
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	line, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, meta, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		// unreadable metadata leaves the PID unverifiable
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

// StalePID reports the PID recorded at path when that very process is still
// alive, typically left over from a previous supervisor that died without
// cleanup. A live PID whose start time differs from the recorded one, or a
// file without a start time, is not reported.
func StalePID(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	pid, meta, err := readPIDFile(path)
	if err != nil || !processAlive(pid) {
		return 0, false
	}
	if meta.StartMillis <= 0 || processStartMillis(pid) != meta.StartMillis {
		return 0, false
	}
	return pid, true
}

// processStartMillis returns the creation time of pid in Unix milliseconds,
// or 0 when it cannot be read.
func processStartMillis(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
