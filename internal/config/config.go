// Package config handles TOML configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/m3u8-proxy/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is sent upstream when no user agent pool is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Cache backend names accepted in cache.backend.
const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendLRU    = "lru"
	CacheBackendSQLite = "sqlite"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	CacheBackend   string `kong:"help='Cache backend: none|memory|lru|sqlite (overrides config).',env='CACHE_BACKEND'"`
	CacheTTL       int    `kong:"help='Cache TTL in seconds (overrides config).',env='CACHE_TTL'"`
	MaxRecursion   int    `kong:"help='Maximum master playlist nesting (overrides config).',env='MAX_RECURSION'"`
	UserAgentsJSON string `kong:"name='user-agents-json',help='JSON array of upstream User-Agent strings.',env='USER_AGENTS_JSON'"`
	LargeMaxMB     int    `kong:"name='large-max-mb',help='Binary bodies above this size (MiB) are streamed.',env='LARGE_MAX_MB'"`
	Debug          string `kong:"help='Set to \"true\" for diagnostic logging.',env='DEBUG'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path, empty when running on defaults
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// ProxyConfig holds the playlist proxy tunables.
type ProxyConfig struct {
	CacheTTL     int      `toml:"cache_ttl"`     // seconds
	MaxRecursion int      `toml:"max_recursion"` // master playlist nesting bound
	UserAgents   []string `toml:"user_agents"`
	LargeMaxMB   int      `toml:"large_max_mb"`
	Debug        bool     `toml:"debug"`
}

// CacheConfig selects and sizes the cache backend.
type CacheConfig struct {
	Backend    string `toml:"backend"`
	MaxBytes   int64  `toml:"max_bytes"`   // memory backend
	MaxEntries int    `toml:"max_entries"` // lru backend
	SQLitePath string `toml:"sqlite_path"` // sqlite backend
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/m3u8-proxy/config.toml then configs/config.toml. Finding none is not
// an error: every setting has a default.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

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

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.CacheBackend != "" {
		c.Cache.Backend = cli.CacheBackend
	}
	if cli.CacheTTL != 0 {
		c.Proxy.CacheTTL = cli.CacheTTL
	}
	if cli.MaxRecursion != 0 {
		c.Proxy.MaxRecursion = cli.MaxRecursion
	}
	if cli.LargeMaxMB != 0 {
		c.Proxy.LargeMaxMB = cli.LargeMaxMB
	}
	if cli.UserAgentsJSON != "" {
		var agents []string
		if err := json.Unmarshal([]byte(cli.UserAgentsJSON), &agents); err != nil {
			return fmt.Errorf("USER_AGENTS_JSON is not a JSON array of strings: %w", err)
		}
		c.Proxy.UserAgents = agents
	}
	if strings.EqualFold(strings.TrimSpace(cli.Debug), "true") {
		c.Proxy.Debug = true
	}
	if c.Proxy.Debug {
		c.Log.Level = "debug"
	}
	return nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Proxy.CacheTTL < 0 {
		return fmt.Errorf("proxy.cache_ttl must be non-negative; got %d", c.Proxy.CacheTTL)
	}
	if c.Proxy.MaxRecursion < 0 {
		return fmt.Errorf("proxy.max_recursion must be non-negative; got %d", c.Proxy.MaxRecursion)
	}
	if c.Proxy.LargeMaxMB < 0 {
		return fmt.Errorf("proxy.large_max_mb must be non-negative; got %d", c.Proxy.LargeMaxMB)
	}
	for i, ua := range c.Proxy.UserAgents {
		if strings.TrimSpace(ua) == "" {
			return fmt.Errorf("proxy.user_agents[%d] is empty", i)
		}
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must be non-negative; got %d", c.Cache.MaxBytes)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative; got %d", c.Cache.MaxEntries)
	}

	switch strings.ToLower(c.Cache.Backend) {
	case CacheBackendNone, CacheBackendMemory, CacheBackendLRU, "":
		// valid
	case CacheBackendSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache.sqlite_path is required when cache.backend is %q", CacheBackendSQLite)
		}
	default:
		return fmt.Errorf("cache.backend must be one of: none, memory, lru, sqlite; got %q", c.Cache.Backend)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy", "/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Proxy.CacheTTL == 0 {
		c.Proxy.CacheTTL = 86400
	}
	if c.Proxy.MaxRecursion == 0 {
		c.Proxy.MaxRecursion = 5
	}
	if len(c.Proxy.UserAgents) == 0 {
		c.Proxy.UserAgents = []string{DefaultUserAgent}
	}
	if c.Proxy.LargeMaxMB == 0 {
		c.Proxy.LargeMaxMB = 32
	}
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 256 * 1024 * 1024 // 256 MB
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 4096
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

// TTL returns the cache TTL as a duration.
func (p *ProxyConfig) TTL() time.Duration {
	return time.Duration(p.CacheTTL) * time.Second
}

// LargeFileThreshold returns the streaming threshold in bytes.
func (p *ProxyConfig) LargeFileThreshold() int64 {
	return int64(p.LargeMaxMB) * 1024 * 1024
}

// FilePath returns the config file that was loaded, or "" when none was found.
func (c *Config) FilePath() string {
	return c.filePath
}
