// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/creasty/defaults"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/arch-install-proxy/config.toml",
	"configs/config.toml",
}

// reservedAdminRoutes are served by the admin listener and cannot host metrics.
var reservedAdminRoutes = []string{"/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve  ServeCmd  `kong:"cmd,default='1',help='Serve the install script over HTTP (default).'"`
	Lambda LambdaCmd `kong:"cmd,help='Serve the install script as an AWS Lambda function.'"`
}

// ServeCmd holds flags for the standalone HTTP server.
type ServeCmd struct {
	Host string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
}

// LambdaCmd runs the proxy behind the Lambda runtime API. It has no flags of its own.
type LambdaCmd struct{}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Admin    AdminConfig    `toml:"admin"`

	filePath string // resolved config file path (unexported); empty when running on defaults
}

// ServerConfig holds public HTTP listener settings.
type ServerConfig struct {
	Host      string          `toml:"host" default:"0.0.0.0"`
	Port      int             `toml:"port" default:"8080"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" default:"10"`
}

// UpstreamConfig holds upstream connection settings. The source URL itself is fixed.
type UpstreamConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"` // 0 leaves the client without an overall timeout
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" default:"info"`
	Format string `toml:"format" default:"json"`
}

// AdminConfig holds settings for the health and metrics listener.
type AdminConfig struct {
	Enabled     bool   `toml:"enabled" default:"true"`
	Host        string `toml:"host" default:"127.0.0.1"`
	Port        int    `toml:"port" default:"9090"`
	MetricsPath string `toml:"metrics_path" default:"/metrics"`
}

// Load builds the configuration from defaults, the TOML config file and CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/arch-install-proxy/config.toml then configs/config.toml, and falls back
// to built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Serve.Host != "" {
		c.Server.Host = cli.Serve.Host
	}
	if cli.Serve.Port != 0 {
		c.Server.Port = cli.Serve.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if !c.Admin.Enabled {
		return nil
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 1–65535; got %d", c.Admin.Port)
	}
	if c.Admin.Port == c.Server.Port {
		return fmt.Errorf("admin.port must differ from server.port; both are %d", c.Admin.Port)
	}
	p := c.Admin.MetricsPath
	if p == "" || p[0] != '/' {
		return fmt.Errorf("admin.metrics_path must start with '/'; got %q", p)
	}
	for _, reserved := range reservedAdminRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("admin.metrics_path %q conflicts with reserved route %q", p, reserved)
		}
	}

	return nil
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

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
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
