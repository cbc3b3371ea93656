package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a temp config file and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
unix_socket_perms = 0o660
shutdown_timeout_seconds = 5

[bridge]
memory_threshold = 1024
absolute_ceiling = 4096
worker_pool_size = 8
script_name = "/api"
url_scheme = "https"
spool_dir = "/var/tmp"

[app]
kind = "upstream"

[upstream]
base_url = "https://backend.internal"
timeout_seconds = 60
idle_connections = 50

[[static]]
path = "/assets"
dir = "./public"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.UnixSocketPerms != 0o660 {
		t.Errorf("Server.UnixSocketPerms = %o, want %o", cfg.Server.UnixSocketPerms, 0o660)
	}
	if cfg.Bridge.Threshold() != 1024 {
		t.Errorf("Bridge.Threshold() = %d, want %d", cfg.Bridge.Threshold(), 1024)
	}
	if cfg.Bridge.Ceiling() != 4096 {
		t.Errorf("Bridge.Ceiling() = %d, want %d", cfg.Bridge.Ceiling(), 4096)
	}
	if cfg.Bridge.WorkerPoolSize != 8 {
		t.Errorf("Bridge.WorkerPoolSize = %d, want %d", cfg.Bridge.WorkerPoolSize, 8)
	}
	if cfg.Bridge.ScriptName != "/api" {
		t.Errorf("Bridge.ScriptName = %q, want %q", cfg.Bridge.ScriptName, "/api")
	}
	if cfg.Bridge.URLScheme != "https" {
		t.Errorf("Bridge.URLScheme = %q, want %q", cfg.Bridge.URLScheme, "https")
	}
	if cfg.App.Kind != AppUpstream {
		t.Errorf("App.Kind = %q, want %q", cfg.App.Kind, AppUpstream)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if len(cfg.Static) != 1 || cfg.Static[0].Path != "/assets" || cfg.Static[0].Dir != "./public" {
		t.Errorf("Static = %+v, want one /assets mount", cfg.Static)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Server.ShutdownTimeoutSeconds != 60 {
		t.Errorf("default Server.ShutdownTimeoutSeconds = %d, want %d", cfg.Server.ShutdownTimeoutSeconds, 60)
	}
	if cfg.Bridge.Threshold() != 512*1024 {
		t.Errorf("default Bridge.Threshold() = %d, want %d", cfg.Bridge.Threshold(), 512*1024)
	}
	if cfg.Bridge.Ceiling() != 1024*1024*1024 {
		t.Errorf("default Bridge.Ceiling() = %d, want %d", cfg.Bridge.Ceiling(), 1024*1024*1024)
	}
	if cfg.App.Kind != AppEnviron {
		t.Errorf("default App.Kind = %q, want %q", cfg.App.Kind, AppEnviron)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Health.Path != "/healthz" {
		t.Errorf("default Health.Path = %q, want %q", cfg.Health.Path, "/healthz")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v; defaults should apply without a file", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.filePath != "" {
		t.Errorf("filePath = %q, want empty", cfg.filePath)
	}
}

func TestLoad_ExplicitZeroThreshold(t *testing.T) {
	path := writeConfig(t, `
[bridge]
memory_threshold = 0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.Threshold() != 0 {
		t.Errorf("Bridge.Threshold() = %d, want 0", cfg.Bridge.Threshold())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[bridge]
worker_pool_size = 2
script_name = "/old"

[log]
level = "info"
`)

	cli := &CLI{
		Config:     path,
		Host:       "127.0.0.1",
		Port:       3000,
		UnixSocket: "/tmp/gate.sock",
		Threads:    16,
		ScriptName: "/new",
		URLScheme:  "https",
		App:        "echo",
		Static:     []string{"/static=./www"},
		StaticCORS: "*",
		LogLevel:   "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Server.UnixSocket != "/tmp/gate.sock" {
		t.Errorf("Server.UnixSocket = %q, want %q (CLI override)", cfg.Server.UnixSocket, "/tmp/gate.sock")
	}
	if cfg.Bridge.WorkerPoolSize != 16 {
		t.Errorf("Bridge.WorkerPoolSize = %d, want %d (CLI override)", cfg.Bridge.WorkerPoolSize, 16)
	}
	if cfg.Bridge.ScriptName != "/new" {
		t.Errorf("Bridge.ScriptName = %q, want %q (CLI override)", cfg.Bridge.ScriptName, "/new")
	}
	if cfg.Bridge.URLScheme != "https" {
		t.Errorf("Bridge.URLScheme = %q, want %q (CLI override)", cfg.Bridge.URLScheme, "https")
	}
	if cfg.App.Kind != AppEcho {
		t.Errorf("App.Kind = %q, want %q (CLI override)", cfg.App.Kind, AppEcho)
	}
	if len(cfg.Static) != 1 || cfg.Static[0].Path != "/static" || cfg.Static[0].Dir != "./www" {
		t.Errorf("Static = %+v, want /static=./www", cfg.Static)
	}
	if cfg.Server.StaticCORS != "*" {
		t.Errorf("Server.StaticCORS = %q, want %q (CLI override)", cfg.Server.StaticCORS, "*")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_RootScriptName(t *testing.T) {
	cfg, err := Load(&CLI{Config: writeConfig(t, ""), ScriptName: "/"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.ScriptName != "" {
		t.Errorf("Bridge.ScriptName = %q, want empty for root mount", cfg.Bridge.ScriptName)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		cli  CLI
		want string
	}{
		{"negative port", "[server]\nport = -1\n", CLI{}, "server.port"},
		{"bad socket perms", "[server]\nunix_socket_perms = 0o1777\n", CLI{}, "unix_socket_perms"},
		{"negative shutdown", "[server]\nshutdown_timeout_seconds = -5\n", CLI{}, "shutdown_timeout_seconds"},
		{"negative threshold", "[bridge]\nmemory_threshold = -1\n", CLI{}, "memory_threshold"},
		{"negative ceiling", "[bridge]\nabsolute_ceiling = -1\n", CLI{}, "absolute_ceiling"},
		{"negative workers", "[bridge]\nworker_pool_size = -2\n", CLI{}, "worker_pool_size"},
		{"relative script name", "[bridge]\nscript_name = \"api\"\n", CLI{}, "script_name"},
		{"trailing slash script name", "[bridge]\nscript_name = \"/api/\"\n", CLI{}, "script_name"},
		{"bad url scheme", "[bridge]\nurl_scheme = \"ftp\"\n", CLI{}, "url_scheme"},
		{"unknown app", "[app]\nkind = \"django\"\n", CLI{}, "app.kind"},
		{"upstream without url", "[app]\nkind = \"upstream\"\n", CLI{}, "base_url"},
		{"upstream bad scheme", "[app]\nkind = \"upstream\"\n[upstream]\nbase_url = \"ftp://x\"\n", CLI{}, "base_url"},
		{"negative timeout", "[upstream]\ntimeout_seconds = -1\n", CLI{}, "timeout_seconds"},
		{"bad log level", "[log]\nlevel = \"verbose\"\n", CLI{}, "log.level"},
		{"bad log format", "[log]\nformat = \"xml\"\n", CLI{}, "log.format"},
		{"static without slash", "[[static]]\npath = \"assets\"\ndir = \".\"\n", CLI{}, "static[0].path"},
		{"static without dir", "[[static]]\npath = \"/assets\"\n", CLI{}, "static[0].dir"},
		{"static flag format", "", CLI{Static: []string{"/assets"}}, "path=dir"},
		{"health without slash", "[health]\npath = \"healthz\"\n", CLI{}, "health.path"},
		{"rate limit", "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n", CLI{}, "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			cli.Config = writeConfig(t, tt.data)
			_, err := Load(&cli)
			if err == nil {
				t.Fatalf("Load() expected error mentioning %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 25.5
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 25.5 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 25.5", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "[app]\nkind = \"echo\"\n")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics path without leading slash, got nil")
	}
}

func TestLoad_MetricsPathConflictsWithHealth(t *testing.T) {
	for _, p := range []string{"/healthz", "/healthz/status"} {
		t.Run(p, func(t *testing.T) {
			path := writeConfig(t, "[metrics]\nenabled = true\npath = \""+p+"\"\n")
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error for metrics path %q, got nil", p)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = false
path = "no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
