package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/env"
	"github.com/loykin/backstop/internal/probe"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "backstop.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:8081" {
		t.Fatalf("listen=%q", c.Server.Listen)
	}
	if c.BackendAddr() != "127.0.0.1:8082" {
		t.Fatalf("backend addr=%q", c.BackendAddr())
	}
	if c.BackendURL().String() != "http://127.0.0.1:8082" {
		t.Fatalf("backend url=%q", c.BackendURL())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	if !reflect.DeepEqual(c.Forward.RetrySchedule, want) {
		t.Fatalf("schedule=%v", c.Forward.RetrySchedule)
	}
	if c.Forward.RequestTimeout != 60*time.Second || c.Health.Interval != 25*time.Second ||
		c.Health.Timeout != 2*time.Second || c.Health.Threshold != 3 {
		t.Fatalf("unexpected timings: %+v %+v", c.Forward, c.Health)
	}
	if !c.Health.RecoverExited || !c.UseOSEnv || !c.Install.Enabled || c.Admin.Enabled || c.History.Enabled {
		t.Fatalf("unexpected switches: %+v", c)
	}
	if c.Server.RetryAfter != 10*time.Second || !reflect.DeepEqual(c.Server.PassThrough, []string{"/mcp"}) {
		t.Fatalf("unexpected server config: %+v", c.Server)
	}

	s := c.BackendSpec()
	if s.Command != "node" || !reflect.DeepEqual(s.Args, backend.DefaultArgs(8082)) {
		t.Fatalf("unexpected command: %s %v", s.Command, s.Args)
	}
	if s.StartupTimeout != 60*time.Second || s.StartupPoll != 5*time.Second || s.RestartDelay != 3*time.Second {
		t.Fatalf("unexpected spec timings: %+v", s)
	}
	if c.Backend.LockFile != "/tmp/playwright-mcp.lock" {
		t.Fatalf("lock file=%q", c.Backend.LockFile)
	}
	if c.HistorySinks() != nil {
		t.Fatalf("history disabled, want no sinks")
	}
}

func TestLoadFromTOML(t *testing.T) {
	t.Setenv("PORT", "")
	p := writeTOML(t, `
env = ["TOP=1"]

[server]
listen = "127.0.0.1:7000"
pass_through = ["/mcp", "/sse"]
retry_after = "30s"

[admin]
enabled = true
listen = "127.0.0.1:7001"

[backend]
command = "/usr/local/bin/worker --serve"
host = "localhost"
port = 9000
ready_markers = ["ready"]
startup_timeout = "10s"
restart_delay = "500ms"

[health]
interval = "5s"
probe = "tcp"
threshold = 2
recover_exited = false

[forward]
retry_schedule = ["100ms", "250ms"]
max_replay_body = 4096

[install]
enabled = false

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/backstop"

[history]
enabled = true
sinks = ["sqlite:///tmp/history.db"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:7000" || c.Server.RetryAfter != 30*time.Second {
		t.Fatalf("server=%+v", c.Server)
	}
	if !c.Admin.Enabled || c.Admin.Listen != "127.0.0.1:7001" {
		t.Fatalf("admin=%+v", c.Admin)
	}
	s := c.BackendSpec()
	if len(s.Args) != 0 || s.Command != "/usr/local/bin/worker --serve" {
		t.Fatalf("custom commands must not get default args: %+v", s)
	}
	if s.Port != 9000 || !reflect.DeepEqual(s.ReadyMarkers, []string{"ready"}) || s.RestartDelay != 500*time.Millisecond {
		t.Fatalf("spec=%+v", s)
	}
	if s.StartupPoll != backend.DefaultStartupPoll {
		t.Fatalf("unset keys keep defaults, got poll %s", s.StartupPoll)
	}
	if got := c.ForwardOptions(); got.Target.Host != "localhost:9000" ||
		!reflect.DeepEqual(got.Schedule, []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}) ||
		got.MaxReplayBody != 4096 {
		t.Fatalf("forward=%+v", got)
	}
	h := c.HealthOptions()
	if h.Interval != 5*time.Second || h.Threshold != 2 || h.RecoverExited {
		t.Fatalf("health=%+v", h)
	}
	pr, err := c.Probe()
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, ok := pr.(probe.TCPProbe); !ok {
		t.Fatalf("want tcp probe, got %T", pr)
	}
	if c.Log.Slog.Level != "debug" || c.Log.Slog.Format != "json" || c.Log.File.Dir != "/var/log/backstop" {
		t.Fatalf("log=%+v", c.Log)
	}
	if c.InstallOptions(mustEnv(t, c)).Enabled {
		t.Fatalf("install should be disabled")
	}
	if got := c.HistorySinks(); !reflect.DeepEqual(got, []string{"sqlite:///tmp/history.db"}) {
		t.Fatalf("sinks=%v", got)
	}
	if got := c.ServerOptions(); !reflect.DeepEqual(got.PassThrough, []string{"/mcp", "/sse"}) {
		t.Fatalf("pass through=%v", got.PassThrough)
	}
}

func mustEnv(t *testing.T, c *Config) env.Env {
	t.Helper()
	e, err := c.Environment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	return e
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BACKSTOP_SERVER_LISTEN", "127.0.0.1:9999")
	t.Setenv("BACKSTOP_HEALTH_THRESHOLD", "5")
	t.Setenv("BACKSTOP_BACKEND_PORT", "9100")
	t.Setenv("BACKSTOP_FORWARD_REQUEST_TIMEOUT", "15s")

	p := writeTOML(t, "[server]\nlisten = \"0.0.0.0:1\"\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("env must win over file, listen=%q", c.Server.Listen)
	}
	if c.Health.Threshold != 5 || c.Backend.Port != 9100 || c.Forward.RequestTimeout != 15*time.Second {
		t.Fatalf("overrides not applied: %+v %+v %+v", c.Health, c.Backend, c.Forward)
	}
	if !reflect.DeepEqual(c.BackendSpec().Args, backend.DefaultArgs(9100)) {
		t.Fatalf("default args must follow the port: %v", c.BackendSpec().Args)
	}
}

func TestPortOverride(t *testing.T) {
	t.Setenv("PORT", "3000")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "0.0.0.0:3000" {
		t.Fatalf("listen=%q", c.Server.Listen)
	}

	t.Setenv("PORT", "http")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for invalid PORT")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Setenv("PORT", "")
	p := writeTOML(t, `
[backend]
command = ""

[health]
threshold = 0
probe = "grpc"

[forward]
retry_schedule = []
`)
	_, err := Load(p)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"backend command", "health.threshold", "health.probe", "retry_schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvironment(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("OS_ONLY", "osv")
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\n#comment\nTOP=file\nCHAIN=${OS_ONLY}-x\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	p := writeTOML(t, `
use_os_env = true
env_files = ["`+dotenv+`"]
env = ["TOP=tv"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, err := c.Environment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	for k, want := range map[string]string{"OS_ONLY": "osv", "FILE_ONLY": "fv", "TOP": "tv", "CHAIN": "osv-x"} {
		if got, _ := e.Lookup(k); got != want {
			t.Fatalf("%s=%q want %q", k, got, want)
		}
	}

	c.UseOSEnv = false
	e, err = c.Environment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	if _, ok := e.Lookup("OS_ONLY"); ok {
		t.Fatalf("OS env must not leak when use_os_env=false")
	}

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := c.Environment(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\n\nB = two\nbroken\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	m := make(map[string]string)
	for _, kv := range pairs {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	if len(m) != 2 || m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}
