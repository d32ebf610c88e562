// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"ns-metadata-proxy/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ns-metadata-proxy/config.toml",
	"configs/config.toml",
}

const (
	defaultMetadataPort = 9697
	defaultStatePath    = "/var/lib/ns-metadata-proxy"
	defaultSocketName   = "metadata_proxy"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	NetworkID    string `kong:"name='network-id',help='Network served by this proxy (exclusive with --router-id).',env='NETWORK_ID'"`
	RouterID     string `kong:"name='router-id',help='Router served by this proxy (exclusive with --network-id).',env='ROUTER_ID'"`
	PidFile      string `kong:"name='pid-file',help='Pidfile used to detect and stop a running proxy.',env='PID_FILE'"`
	MetadataPort int    `kong:"name='metadata-port',short='p',help='TCP port to listen for metadata requests (overrides config).',env='METADATA_PORT'"`
	SocketPath   string `kong:"name='socket-path',help='Unix socket of the metadata backend (overrides config).',env='METADATA_PROXY_SOCKET'"`
	StatePath    string `kong:"name='state-path',help='Directory holding the default backend socket (overrides config).'"`
	Daemonize    bool   `kong:"xor='daemonize',help='Detach from the terminal (default).'"`
	NoDaemonize  bool   `kong:"name='no-daemonize',xor='daemonize',help='Run in the foreground.'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFile      string `kong:"help='Write logs to this file instead of stdout (overrides config).',env='LOG_FILE'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Start   struct{} `kong:"cmd,default='1',help='Start the proxy (detached unless --no-daemonize).'"`
	Stop    struct{} `kong:"cmd,help='Stop the proxy recorded in the pidfile.'"`
	Restart struct{} `kong:"cmd,help='Stop the running proxy, then start it again.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Proxy    ProxyConfig    `toml:"proxy" yaml:"proxy"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ProxyConfig describes one proxy instance. It is not modified after Load.
type ProxyConfig struct {
	NetworkID    string `toml:"network_id" yaml:"network_id"`
	RouterID     string `toml:"router_id" yaml:"router_id"`
	PidFile      string `toml:"pid_file" yaml:"pid_file"`
	Daemonize    *bool  `toml:"daemonize" yaml:"daemonize"` // nil means "use default" (true)
	MetadataPort int    `toml:"metadata_port" yaml:"metadata_port"`
	SocketPath   string `toml:"socket_path" yaml:"socket_path"`
	StatePath    string `toml:"state_path" yaml:"state_path"`
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host                 string          `toml:"host" yaml:"host"`
	BodyMaxBytes         int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	ShutdownGraceSeconds int             `toml:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
	RateLimit            RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds metadata backend connection settings.
type UpstreamConfig struct {
	TimeoutSeconds   int   `toml:"timeout_seconds" yaml:"timeout_seconds"`
	MaxResponseBytes int64 `toml:"max_response_bytes" yaml:"max_response_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// MetricsConfig holds the admin listener settings (health, status, Prometheus).
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"` // host:port or unix:///path
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ns-metadata-proxy/config.toml then configs/config.toml. Unlike an
// explicit path, a missing search result is not an error: flags alone are
// enough to run a proxy.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.NetworkID != "" {
		c.Proxy.NetworkID = cli.NetworkID
	}
	if cli.RouterID != "" {
		c.Proxy.RouterID = cli.RouterID
	}
	if cli.PidFile != "" {
		c.Proxy.PidFile = cli.PidFile
	}
	if cli.MetadataPort != 0 {
		c.Proxy.MetadataPort = cli.MetadataPort
	}
	if cli.SocketPath != "" {
		c.Proxy.SocketPath = cli.SocketPath
	}
	if cli.StatePath != "" {
		c.Proxy.StatePath = cli.StatePath
	}
	if cli.Daemonize {
		c.Proxy.Daemonize = boolPtr(true)
	}
	if cli.NoDaemonize {
		c.Proxy.Daemonize = boolPtr(false)
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		c.Log.File = cli.LogFile
	}
}

func (c *Config) validate() error {
	if _, err := c.Identity(); err != nil {
		return err
	}

	if c.ShouldDaemonize() && c.Proxy.PidFile == "" {
		return &model.ConfigurationError{Field: "pid_file", Reason: "required when daemonize is enabled"}
	}

	// Numeric bounds.
	if c.Proxy.MetadataPort < 0 || c.Proxy.MetadataPort > 65535 {
		return fmt.Errorf("proxy.metadata_port must be 0–65535; got %d", c.Proxy.MetadataPort)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("server.shutdown_grace_seconds must be non-negative; got %d", c.Server.ShutdownGraceSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return errors.New("log rotation settings must be non-negative")
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset": metadata_port = 0 results in 9697.
func (c *Config) setDefaults() {
	if c.Proxy.Daemonize == nil {
		c.Proxy.Daemonize = boolPtr(true)
	}
	if c.Proxy.MetadataPort == 0 {
		c.Proxy.MetadataPort = defaultMetadataPort
	}
	if c.Proxy.StatePath == "" {
		c.Proxy.StatePath = defaultStatePath
	}
	if c.Proxy.SocketPath == "" {
		c.Proxy.SocketPath = filepath.Join(c.Proxy.StatePath, defaultSocketName)
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ShutdownGraceSeconds == 0 {
		c.Server.ShutdownGraceSeconds = 10
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 16 * 1024 * 1024 // 16 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9698"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Identity returns the validated identity of this proxy instance.
func (c *Config) Identity() (model.Identity, error) {
	return model.NewIdentity(c.Proxy.NetworkID, c.Proxy.RouterID)
}

// ShouldDaemonize reports whether start detaches from the terminal.
func (c *Config) ShouldDaemonize() bool {
	return c.Proxy.Daemonize == nil || *c.Proxy.Daemonize
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

// Addr returns the proxy listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Proxy.MetadataPort)
}

// LogValues logs the effective option values, one attribute group per section.
func (c *Config) LogValues(logger *slog.Logger) {
	id, _ := c.Identity()
	logger.Info("configuration",
		slog.Group("proxy",
			"identity_kind", id.Kind(),
			"identity", id.UUID(),
			"pid_file", c.Proxy.PidFile,
			"daemonize", c.ShouldDaemonize(),
			"metadata_port", c.Proxy.MetadataPort,
			"socket_path", c.Proxy.SocketPath,
		),
		slog.Group("server",
			"host", c.Server.Host,
			"body_max_bytes", c.Server.BodyMaxBytes,
			"shutdown_grace_seconds", c.Server.ShutdownGraceSeconds,
			"rate_limit", c.Server.RateLimit.Enabled,
		),
		slog.Group("upstream",
			"timeout_seconds", c.Upstream.TimeoutSeconds,
			"max_response_bytes", c.Upstream.MaxResponseBytes,
		),
		slog.Group("metrics",
			"enabled", c.Metrics.Enabled,
			"listen", c.Metrics.Listen,
		),
		"config_file", c.filePath,
	)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

func boolPtr(b bool) *bool { return &b }
