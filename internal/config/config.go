// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/syncgate/config.toml",
	"configs/config.toml",
}

// Application kinds.
const (
	AppEcho     = "echo"
	AppEnviron  = "environ"
	AppUpstream = "upstream"
)

const (
	defaultMemoryThreshold int64 = 512 * 1024
	defaultAbsoluteCeiling int64 = 1024 * 1024 * 1024
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UnixSocket string   `kong:"help='Listen on a unix socket instead of host:port.',env='UNIX_SOCKET'"`
	Threads    int      `kong:"short='t',help='Number of worker goroutines running the application.',env='THREADS'"`
	ScriptName string   `kong:"help='Mount prefix of the application.',env='SCRIPT_NAME'"`
	URLScheme  string   `kong:"help='Override the URL scheme reported to the application: http|https.',env='URL_SCHEME'"`
	App        string   `kong:"help='Application to serve: echo|environ|upstream.',env='APP'"`
	Static     []string `kong:"help='Serve a directory, as path=dir. Repeatable.',placeholder='PATH=DIR'"`
	StaticCORS string   `kong:"help='Access-Control-Allow-Origin for static files.',env='STATIC_CORS'"`
	LogLevel   string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Version kong.VersionFlag `kong:"short='V',help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Bridge   BridgeConfig   `toml:"bridge"`
	App      AppConfig      `toml:"app"`
	Upstream UpstreamConfig `toml:"upstream"`
	Static   []StaticConfig `toml:"static"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Health   HealthConfig   `toml:"health"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset

	// UnixSocket, when set, replaces host:port.
	UnixSocket      string `toml:"unix_socket"`
	UnixSocketPerms int    `toml:"unix_socket_perms"`

	ShutdownTimeoutSeconds int             `toml:"shutdown_timeout_seconds"`
	StaticCORS             string          `toml:"static_cors"`
	RateLimit              RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BridgeConfig holds the settings of the blocking application bridge.
type BridgeConfig struct {
	// Pointers so an explicit 0 can be told apart from an omitted key.
	MemoryThreshold *int64 `toml:"memory_threshold"`
	AbsoluteCeiling *int64 `toml:"absolute_ceiling"`

	WorkerPoolSize int    `toml:"worker_pool_size"` // 0 means runtime.NumCPU()
	ScriptName     string `toml:"script_name"`
	URLScheme      string `toml:"url_scheme"`
	SpoolDir       string `toml:"spool_dir"`
}

// Threshold returns the in-memory body limit.
func (b *BridgeConfig) Threshold() int64 {
	if b.MemoryThreshold == nil {
		return defaultMemoryThreshold
	}
	return *b.MemoryThreshold
}

// Ceiling returns the maximum accepted body size.
func (b *BridgeConfig) Ceiling() int64 {
	if b.AbsoluteCeiling == nil {
		return defaultAbsoluteCeiling
	}
	return *b.AbsoluteCeiling
}

// AppConfig selects the application served behind the bridge.
type AppConfig struct {
	Kind string `toml:"kind"`
}

// UpstreamConfig holds settings of the upstream forwarding application.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// StaticConfig maps a URL path to a directory.
type StaticConfig struct {
	Path string `toml:"path"`
	Dir  string `toml:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// HealthConfig holds the liveness endpoint path. The status endpoint lives
// at Path + "/status".
type HealthConfig struct {
	Path string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/syncgate/config.toml then configs/config.toml, and falls back to
// defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", path)
		}
		cfg.filePath = path
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, errors.Wrap(err, "config: flags")
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "config: validate")
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UnixSocket != "" {
		c.Server.UnixSocket = cli.UnixSocket
	}
	if cli.Threads != 0 {
		c.Bridge.WorkerPoolSize = cli.Threads
	}
	if cli.ScriptName != "" {
		c.Bridge.ScriptName = cli.ScriptName
	}
	if cli.URLScheme != "" {
		c.Bridge.URLScheme = cli.URLScheme
	}
	if cli.App != "" {
		c.App.Kind = cli.App
	}
	if cli.StaticCORS != "" {
		c.Server.StaticCORS = cli.StaticCORS
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	for _, s := range cli.Static {
		path, dir, ok := strings.Cut(s, "=")
		if !ok {
			return errors.Newf("--static must be path=dir; got %q", s)
		}
		c.Static = append(c.Static, StaticConfig{Path: path, Dir: dir})
	}
	return nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.UnixSocketPerms < 0 || c.Server.UnixSocketPerms > 0o777 {
		return errors.Newf("server.unix_socket_perms must be 0–0777; got %o", c.Server.UnixSocketPerms)
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("server.shutdown_timeout_seconds must be non-negative; got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return errors.Newf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return errors.Newf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return errors.Newf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	if err := c.Bridge.validate(); err != nil {
		return err
	}

	switch c.App.Kind {
	case AppEcho, AppEnviron, "":
	case AppUpstream:
		if c.Upstream.BaseURL == "" {
			return errors.New("upstream.base_url is required for the upstream app")
		}
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return errors.Wrap(err, "upstream.base_url is not a valid URL")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Newf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
		}
	default:
		return errors.Newf("app.kind must be one of: echo, environ, upstream; got %q", c.App.Kind)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return errors.Newf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return errors.Newf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	for i, s := range c.Static {
		if s.Path == "" || s.Path[0] != '/' {
			return errors.Newf("static[%d].path must start with '/'; got %q", i, s.Path)
		}
		if s.Dir == "" {
			return errors.Newf("static[%d].dir is required", i)
		}
	}

	if c.Health.Path != "" && c.Health.Path[0] != '/' {
		return errors.Newf("health.path must start with '/'; got %q", c.Health.Path)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return errors.Newf("metrics.path must start with '/'; got %q", p)
		}
		health := c.Health.Path
		if health == "" {
			health = "/healthz"
		}
		if p == health || strings.HasPrefix(p, health+"/") {
			return errors.Newf("metrics.path %q conflicts with reserved route %q", p, health)
		}
	}

	return nil
}

func (b *BridgeConfig) validate() error {
	if b.MemoryThreshold != nil && *b.MemoryThreshold < 0 {
		return errors.Newf("bridge.memory_threshold must be non-negative; got %d", *b.MemoryThreshold)
	}
	if b.AbsoluteCeiling != nil && *b.AbsoluteCeiling < 0 {
		return errors.Newf("bridge.absolute_ceiling must be non-negative; got %d", *b.AbsoluteCeiling)
	}
	if b.WorkerPoolSize < 0 {
		return errors.Newf("bridge.worker_pool_size must be non-negative; got %d", b.WorkerPoolSize)
	}
	if s := b.ScriptName; s != "" {
		if s[0] != '/' {
			return errors.Newf("bridge.script_name must start with '/'; got %q", s)
		}
		if s != "/" && strings.HasSuffix(s, "/") {
			return errors.Newf("bridge.script_name must not end with '/'; got %q", s)
		}
	}
	switch b.URLScheme {
	case "", "http", "https":
	default:
		return errors.Newf("bridge.url_scheme must be http or https; got %q", b.URLScheme)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, TimeoutSeconds, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. The bridge
// size limits are pointers and keep an explicit 0.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.UnixSocketPerms == 0 {
		c.Server.UnixSocketPerms = 0o600
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 60
	}
	if c.Bridge.MemoryThreshold == nil {
		v := defaultMemoryThreshold
		c.Bridge.MemoryThreshold = &v
	}
	if c.Bridge.AbsoluteCeiling == nil {
		v := defaultAbsoluteCeiling
		c.Bridge.AbsoluteCeiling = &v
	}
	// A root mount is the empty prefix.
	if c.Bridge.ScriptName == "/" {
		c.Bridge.ScriptName = ""
	}
	if c.App.Kind == "" {
		c.App.Kind = AppEnviron
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.Path == "" {
		c.Health.Path = "/healthz"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
