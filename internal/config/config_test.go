package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"ns-metadata-proxy/internal/model"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[proxy]
network_id = "6f3c3c8e-1b1b-4c4c-9d9d-0e0e0e0e0e0e"
pid_file = "/run/ns-metadata-proxy/net.pid"
metadata_port = 9000
socket_path = "/run/metadata_proxy"

[server]
host = "127.0.0.1"
body_max_bytes = 5242880

[upstream]
timeout_seconds = 5

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Proxy.NetworkID != "6f3c3c8e-1b1b-4c4c-9d9d-0e0e0e0e0e0e" {
		t.Errorf("Proxy.NetworkID = %q", cfg.Proxy.NetworkID)
	}
	if cfg.Proxy.MetadataPort != 9000 {
		t.Errorf("Proxy.MetadataPort = %d, want %d", cfg.Proxy.MetadataPort, 9000)
	}
	if cfg.Proxy.SocketPath != "/run/metadata_proxy" {
		t.Errorf("Proxy.SocketPath = %q, want %q", cfg.Proxy.SocketPath, "/run/metadata_proxy")
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q, want %q", cfg.Addr(), "127.0.0.1:9000")
	}
	if cfg.Upstream.TimeoutSeconds != 5 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 5)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if !cfg.ShouldDaemonize() {
		t.Error("ShouldDaemonize() = false, want true by default")
	}
}

func TestLoad_YAMLConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
proxy:
  router_id: rtr-1
  daemonize: false
server:
  host: 127.0.0.1
metrics:
  enabled: true
  listen: unix:///run/ns-metadata-proxy/admin.sock
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.RouterID != "rtr-1" {
		t.Errorf("Proxy.RouterID = %q, want %q", cfg.Proxy.RouterID, "rtr-1")
	}
	if cfg.ShouldDaemonize() {
		t.Error("ShouldDaemonize() = true, want false")
	}
	if cfg.Metrics.Listen != "unix:///run/ns-metadata-proxy/admin.sock" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	orig := configSearchPaths
	configSearchPaths = []string{filepath.Join(t.TempDir(), "absent.toml")}
	t.Cleanup(func() { configSearchPaths = orig })

	cfg, err := Load(&CLI{NetworkID: "net-1", NoDaemonize: true})
	if err != nil {
		t.Fatalf("Load() error = %v; flags alone should be enough", err)
	}
	if cfg.Proxy.NetworkID != "net-1" {
		t.Errorf("Proxy.NetworkID = %q, want %q", cfg.Proxy.NetworkID, "net-1")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[proxy]
router_id = "rtr-1"
pid_file = "/tmp/rtr-1.pid"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Proxy.MetadataPort != 9697 {
		t.Errorf("default Proxy.MetadataPort = %d, want %d", cfg.Proxy.MetadataPort, 9697)
	}
	if cfg.Proxy.SocketPath != "/var/lib/ns-metadata-proxy/metadata_proxy" {
		t.Errorf("default Proxy.SocketPath = %q", cfg.Proxy.SocketPath)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Server.ShutdownGraceSeconds != 10 {
		t.Errorf("default Server.ShutdownGraceSeconds = %d, want %d", cfg.Server.ShutdownGraceSeconds, 10)
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 30)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_StatePathDerivesSocket(t *testing.T) {
	cfg, err := Load(&CLI{
		Config:      writeConfig(t, "config.toml", ""),
		NetworkID:   "net-1",
		NoDaemonize: true,
		StatePath:   "/srv/state",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.SocketPath != "/srv/state/metadata_proxy" {
		t.Errorf("Proxy.SocketPath = %q, want %q", cfg.Proxy.SocketPath, "/srv/state/metadata_proxy")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[proxy]
network_id = "toml-net"
metadata_port = 9697
daemonize = true
pid_file = "/tmp/toml.pid"

[log]
level = "info"
`)

	cli := &CLI{
		Config:       path,
		NetworkID:    "cli-net",
		MetadataPort: 3000,
		SocketPath:   "/tmp/cli.sock",
		NoDaemonize:  true,
		LogLevel:     "debug",
		LogFile:      "/tmp/proxy.log",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Proxy.NetworkID != "cli-net" {
		t.Errorf("Proxy.NetworkID = %q, want %q (CLI override)", cfg.Proxy.NetworkID, "cli-net")
	}
	if cfg.Proxy.MetadataPort != 3000 {
		t.Errorf("Proxy.MetadataPort = %d, want %d (CLI override)", cfg.Proxy.MetadataPort, 3000)
	}
	if cfg.Proxy.SocketPath != "/tmp/cli.sock" {
		t.Errorf("Proxy.SocketPath = %q, want %q (CLI override)", cfg.Proxy.SocketPath, "/tmp/cli.sock")
	}
	if cfg.ShouldDaemonize() {
		t.Error("ShouldDaemonize() = true, want false (CLI override)")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if cfg.Log.File != "/tmp/proxy.log" {
		t.Errorf("Log.File = %q, want %q (CLI override)", cfg.Log.File, "/tmp/proxy.log")
	}
}

func TestLoad_IdentityErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "neither id",
			data: `
[proxy]
daemonize = false
`,
		},
		{
			name: "both ids",
			data: `
[proxy]
network_id = "net-1"
router_id = "rtr-1"
daemonize = false
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, "config.toml", tt.data)))
			var cfgErr *model.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %v, want *model.ConfigurationError", err)
			}
		})
	}
}

func TestLoad_DaemonizeRequiresPidFile(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[proxy]
network_id = "net-1"
`)

	_, err := Load(cliWithPath(path))
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want *model.ConfigurationError", err)
	}
	if cfgErr.Field != "pid_file" {
		t.Errorf("Field = %q, want %q", cfgErr.Field, "pid_file")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		section string
		want    string
	}{
		{"negative port", "[proxy]\nmetadata_port = -1", "metadata_port"},
		{"port too large", "[proxy]\nmetadata_port = 70000", "metadata_port"},
		{"negative body_max_bytes", "[server]\nbody_max_bytes = -1", "body_max_bytes"},
		{"negative grace", "[server]\nshutdown_grace_seconds = -1", "shutdown_grace_seconds"},
		{"negative timeout", "[upstream]\ntimeout_seconds = -5", "timeout_seconds"},
		{"rate limit without rps", "[server.rate_limit]\nenabled = true\nrequests_per_second = 0", "requests_per_second"},
		{"invalid log level", "[log]\nlevel = \"verbose\"", "log.level"},
		{"invalid log format", "[log]\nformat = \"xml\"", "log.format"},
		{"relative metrics path", "[metrics]\nenabled = true\npath = \"metrics\"", "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "[proxy]\nnetwork_id = \"net-1\"\ndaemonize = false\n"
			if strings.HasPrefix(tt.section, "[proxy]") {
				data = "[proxy]\nnetwork_id = \"net-1\"\ndaemonize = false\n" + strings.TrimPrefix(tt.section, "[proxy]\n") + "\n"
			} else {
				data += "\n" + tt.section + "\n"
			}

			_, err := Load(cliWithPath(writeConfig(t, "config.toml", data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[proxy]
network_id = "net-1"
daemonize = false

[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLogValues(t *testing.T) {
	cfg, err := Load(&CLI{
		Config:      writeConfig(t, "config.toml", ""),
		RouterID:    "rtr-9",
		NoDaemonize: true,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	cfg.LogValues(slog.New(slog.NewTextHandler(&buf, nil)))

	out := buf.String()
	for _, want := range []string{"proxy.identity_kind=router", "proxy.identity=rtr-9", "proxy.metadata_port=9697"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "writable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0644, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.toml")
	if err := os.WriteFile(present, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml"), present})
	if got != present {
		t.Errorf("findConfigInPaths() = %q, want %q", got, present)
	}
	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml")}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(&CLI{
		Config:   filepath.Join("..", "..", "configs", "config.toml"),
		RouterID: "rtr-1",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Proxy.SocketPath != "/var/lib/ns-metadata-proxy/metadata_proxy" {
		t.Errorf("Proxy.SocketPath = %q", cfg.Proxy.SocketPath)
	}
	if !cfg.ShouldDaemonize() {
		t.Error("example config should daemonize")
	}
}
