package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/backstop/internal/backend"
	"github.com/loykin/backstop/internal/env"
	"github.com/loykin/backstop/internal/forward"
	"github.com/loykin/backstop/internal/health"
	"github.com/loykin/backstop/internal/install"
	"github.com/loykin/backstop/internal/logger"
	"github.com/loykin/backstop/internal/probe"
	"github.com/loykin/backstop/internal/server"
)

// EnvPrefix prefixes environment overrides: server.listen is read from
// BACKSTOP_SERVER_LISTEN.
const EnvPrefix = "BACKSTOP"

// Config represents the TOML file.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Server  ServerConfig  `mapstructure:"server"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Backend BackendConfig `mapstructure:"backend"`
	Health  HealthConfig  `mapstructure:"health"`
	Forward ForwardConfig `mapstructure:"forward"`
	Install InstallConfig `mapstructure:"install"`
	Log     logger.Config `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Listen      string        `mapstructure:"listen"`
	PassThrough []string      `mapstructure:"pass_through"`
	RetryAfter  time.Duration `mapstructure:"retry_after"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type BackendConfig struct {
	Name           string        `mapstructure:"name"`
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	WorkDir        string        `mapstructure:"workdir"`
	Env            []string      `mapstructure:"env"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	PIDFile        string        `mapstructure:"pidfile"`
	LockFile       string        `mapstructure:"lock_file"`
	ReadyMarkers   []string      `mapstructure:"ready_markers"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	StartupPoll    time.Duration `mapstructure:"startup_poll"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	StopGrace      time.Duration `mapstructure:"stop_grace"`
}

type HealthConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Probe           string        `mapstructure:"probe"`
	Path            string        `mapstructure:"path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Threshold       int           `mapstructure:"threshold"`
	RecoverExited   bool          `mapstructure:"recover_exited"`
	SampleResources bool          `mapstructure:"sample_resources"`
}

type ForwardConfig struct {
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	RetrySchedule  []time.Duration `mapstructure:"retry_schedule"`
	MaxReplayBody  int64           `mapstructure:"max_replay_body"`
}

type InstallConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	BrowsersPath string   `mapstructure:"browsers_path"`
	Command      []string `mapstructure:"command"`
}

// HistoryConfig lists lifecycle history sinks by DSN (sqlite://, postgres://,
// clickhouse://, opensearch://).
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
	Buffer  int      `mapstructure:"buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("server.listen", "0.0.0.0:8081")
	v.SetDefault("server.pass_through", server.DefaultPassThrough)
	v.SetDefault("server.retry_after", server.DefaultRetryAfter)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.listen", "127.0.0.1:9091")

	v.SetDefault("backend.name", backend.DefaultName)
	v.SetDefault("backend.command", backend.DefaultCommand)
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workdir", "")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.host", "127.0.0.1")
	v.SetDefault("backend.port", backend.DefaultPort)
	v.SetDefault("backend.pidfile", "")
	v.SetDefault("backend.lock_file", backend.DefaultLockFile)
	v.SetDefault("backend.ready_markers", backend.DefaultSpec().ReadyMarkers)
	v.SetDefault("backend.startup_timeout", backend.DefaultStartupTimeout)
	v.SetDefault("backend.startup_poll", backend.DefaultStartupPoll)
	v.SetDefault("backend.restart_delay", backend.DefaultRestartDelay)
	v.SetDefault("backend.stop_grace", backend.DefaultStopGrace)

	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.probe", "http")
	v.SetDefault("health.path", "/")
	v.SetDefault("health.timeout", probe.DefaultTimeout)
	v.SetDefault("health.threshold", health.DefaultThreshold)
	v.SetDefault("health.recover_exited", true)
	v.SetDefault("health.sample_resources", true)

	v.SetDefault("forward.request_timeout", forward.DefaultRequestTimeout)
	v.SetDefault("forward.retry_schedule", forward.DefaultSchedule)
	v.SetDefault("forward.max_replay_body", forward.DefaultMaxReplayBody)

	v.SetDefault("install.enabled", true)
	v.SetDefault("install.browsers_path", "")
	v.SetDefault("install.command", install.DefaultCommand)

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.buffer", 256)
}

// Load reads the TOML file at path (optional), applies BACKSTOP_*
// environment overrides and the PORT variable, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		listen, err := withPort(c.Server.Listen, p)
		if err != nil {
			return nil, fmt.Errorf("PORT: %w", err)
		}
		c.Server.Listen = listen
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func withPort(listen, port string) (string, error) {
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port), nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.RetryAfter <= 0 {
		errs = append(errs, errors.New("server.retry_after must be positive"))
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Listen) == "" {
		errs = append(errs, errors.New("admin.listen is required when admin is enabled"))
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		errs = append(errs, fmt.Errorf("backend.port %d out of range", c.Backend.Port))
	}
	if strings.TrimSpace(c.Backend.Host) == "" {
		errs = append(errs, errors.New("backend.host is required"))
	}
	if err := c.BackendSpec().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Health.Threshold <= 0 {
		errs = append(errs, errors.New("health.threshold must be positive"))
	}
	if c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.timeout must be positive"))
	}
	if k := strings.ToLower(c.Health.Probe); k != "http" && k != "tcp" {
		errs = append(errs, fmt.Errorf("health.probe %q: want http or tcp", c.Health.Probe))
	}
	if c.Forward.RequestTimeout <= 0 {
		errs = append(errs, errors.New("forward.request_timeout must be positive"))
	}
	if len(c.Forward.RetrySchedule) == 0 {
		errs = append(errs, errors.New("forward.retry_schedule must not be empty"))
	}
	for i, d := range c.Forward.RetrySchedule {
		if d < 0 {
			errs = append(errs, fmt.Errorf("forward.retry_schedule[%d] is negative", i))
		}
	}
	if c.Forward.MaxReplayBody < 0 {
		errs = append(errs, errors.New("forward.max_replay_body must not be negative"))
	}
	if c.Install.Enabled && len(c.Install.Command) == 0 {
		errs = append(errs, errors.New("install.command is required when install is enabled"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.sinks is required when history is enabled"))
	}
	return errors.Join(errs...)
}

// BackendAddr is host:port of the backend.
func (c *Config) BackendAddr() string {
	return net.JoinHostPort(c.Backend.Host, strconv.Itoa(c.Backend.Port))
}

// BackendURL is the base URL requests are forwarded to.
func (c *Config) BackendURL() *url.URL {
	return &url.URL{Scheme: "http", Host: c.BackendAddr()}
}

// BackendSpec builds the supervisor spec. The stock node command without
// explicit args gets the default Playwright MCP arguments for the port.
func (c *Config) BackendSpec() backend.Spec {
	s := backend.DefaultSpec()
	b := c.Backend
	s.Name = b.Name
	s.Command = b.Command
	s.Args = append([]string(nil), b.Args...)
	if len(s.Args) == 0 && b.Command == backend.DefaultCommand {
		s.Args = backend.DefaultArgs(b.Port)
	}
	s.WorkDir = b.WorkDir
	s.Env = append([]string(nil), b.Env...)
	s.Port = b.Port
	s.PIDFile = b.PIDFile
	s.ReadyMarkers = append([]string(nil), b.ReadyMarkers...)
	s.StartupTimeout = b.StartupTimeout
	s.StartupPoll = b.StartupPoll
	s.RestartDelay = b.RestartDelay
	s.StopGrace = b.StopGrace
	return s
}

// Environment layers the OS environment (when use_os_env), env_files in
// order and the top-level env list.
func (c *Config) Environment() (env.Env, error) {
	e := env.Isolated()
	if c.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return e, fmt.Errorf("env file %s: %w", p, err)
		}
		e = e.WithPairs(pairs)
	}
	return e.WithPairs(c.Env), nil
}

// ForwardOptions returns the forwarder settings; clock and logger are left
// to the caller.
func (c *Config) ForwardOptions() forward.Config {
	return forward.Config{
		Target:         c.BackendURL(),
		Schedule:       append([]time.Duration(nil), c.Forward.RetrySchedule...),
		RequestTimeout: c.Forward.RequestTimeout,
		MaxReplayBody:  c.Forward.MaxReplayBody,
	}
}

func (c *Config) HealthOptions() health.Config {
	return health.Config{
		Interval:        c.Health.Interval,
		ProbeTimeout:    c.Health.Timeout,
		Threshold:       c.Health.Threshold,
		RecoverExited:   c.Health.RecoverExited,
		SampleResources: c.Health.SampleResources,
	}
}

// Probe builds the readiness probe shared by the startup poll and the
// health monitor.
func (c *Config) Probe() (probe.Probe, error) {
	return probe.New(c.Health.Probe, c.BackendAddr(), c.Health.Path, c.Health.Timeout)
}

func (c *Config) ServerOptions() server.Config {
	return server.Config{
		PassThrough: append([]string(nil), c.Server.PassThrough...),
		RetryAfter:  c.Server.RetryAfter,
	}
}

func (c *Config) InstallOptions(e env.Env) install.Config {
	return install.Config{
		Enabled:      c.Install.Enabled,
		BrowsersPath: c.Install.BrowsersPath,
		Command:      append([]string(nil), c.Install.Command...),
		Env:          e,
	}
}

// HistorySinks returns the configured sink DSNs, nil when history is off.
func (c *Config) HistorySinks() []string {
	if !c.History.Enabled {
		return nil
	}
	return append([]string(nil), c.History.Sinks...)
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
