package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/config"
	"github.com/loykin/backstop/internal/history"
	"github.com/loykin/backstop/internal/history/sqlite"
)

const helperEnv = "BACKSTOP_HELPER_BACKEND"

// TestHelperBackend is not a real test: it is the backend process spawned
// by the tests below.
func TestHelperBackend(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("HELPER_PORT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println("server listening")
	_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path, "pid": strconv.Itoa(os.Getpid())})
	}))
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PORT", "")
	dir := t.TempDir()
	port := freePort(t)
	data := fmt.Sprintf(`
[server]
listen = "127.0.0.1:0"

[admin]
enabled = true
listen = "127.0.0.1:0"

[backend]
command = %q
args = ["-test.run=^TestHelperBackend$"]
env = ["%s=1", "HELPER_PORT=%d"]
port = %d
pidfile = %q
lock_file = %q
startup_poll = "100ms"
restart_delay = "50ms"
stop_grace = "2s"

[health]
interval = "1h"

[install]
enabled = false

[log.file]
dir = %q
`, os.Args[0], helperEnv, port, port,
		filepath.Join(dir, "backend.pid"), filepath.Join(dir, "backend.lock"), filepath.Join(dir, "logs"))
	p := filepath.Join(dir, "backstop.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	c, err := config.Load(p)
	require.NoError(t, err)
	return c
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, context.CancelFunc, <-chan error) {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithRegisterer(prometheus.NewRegistry())}, opts...)
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	select {
	case <-a.Ready():
	case err := <-errCh:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not become ready")
	}
	return a, cancel, errCh
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestRunServesBackendEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	cfg := testConfig(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg.History.Enabled = true
	cfg.History.Sinks = []string{"sqlite://" + dbPath}
	a, cancel, errCh := startApp(t, cfg)
	front := "http://" + a.FrontAddr()

	require.Eventually(t, func() bool {
		code, _ := get(t, front+"/health")
		return code == http.StatusOK
	}, 20*time.Second, 50*time.Millisecond)

	code, body := get(t, front+"/api/data")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"path":"/api/data"`)

	code, body = get(t, "http://"+a.AdminAddr()+"/status")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"lifecycle":"ready"`)

	pid := a.Supervisor().State().PID
	require.Positive(t, pid)
	_, err := os.Stat(cfg.Backend.PIDFile)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, backend.Stopped, a.Supervisor().State().Lifecycle)
	_, err = os.Stat(cfg.Backend.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file should be removed")

	sink, err := sqlite.New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	for _, et := range []history.EventType{history.EventSpawned, history.EventReady, history.EventStopped} {
		n, err := sink.Count(context.Background(), et, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n, string(et))
	}
}

func TestAdminRestartSpawnsNewGeneration(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}
	cfg := testConfig(t)
	a, cancel, errCh := startApp(t, cfg)
	defer func() {
		cancel()
		<-errCh
	}()

	require.Eventually(t, func() bool { return a.Supervisor().State().Ready() }, 20*time.Second, 50*time.Millisecond)
	first := a.Supervisor().State()

	resp, err := http.Post("http://"+a.AdminAddr()+"/restart", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// non pass-through traffic is turned away until the new process is ready
	require.Eventually(t, func() bool {
		st := a.Supervisor().State()
		return st.Ready() && st.Generation > first.Generation
	}, 20*time.Second, 50*time.Millisecond)
	assert.NotEqual(t, first.PID, a.Supervisor().State().PID)
	assert.EqualValues(t, 1, a.Supervisor().State().Restarts)
}

func TestRunFailsWhenListenAddressIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := testConfig(t)
	cfg.Server.Listen = ln.Addr().String()
	a, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestNewRejectsBadHistorySink(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	cfg.History.Sinks = []string{"mongodb://nope"}
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}
