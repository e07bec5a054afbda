// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/antoncomputershare/reverse-proxy/internal/balancer"
	"github.com/antoncomputershare/reverse-proxy/internal/route"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/charles/charles.toml",
	"config/charles.toml",
}

// Upstream defaults applied to zero-valued fields.
const (
	DefaultWeight        = 1
	DefaultFailThreshold = 3
	DefaultCooldownSecs  = 15
)

// RunCLI holds the arguments of the run command parsed by Kong.
type RunCLI struct {
	Config        string `kong:"short='c',help='Path to TOML or YAML config file.',env='CHARLES_CONFIG'"`
	Listen        string `kong:"help='Proxy listen address (overrides config).',env='CHARLES_LISTEN'"`
	ControlListen string `kong:"help='Control listen address (overrides config).',env='CHARLES_CONTROL_LISTEN'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   string         `toml:"listen" yaml:"listen"`
	Control  ControlConfig  `toml:"control" yaml:"control"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Routes   []RouteConfig  `toml:"routes" yaml:"routes"`

	filePath string // resolved config file path (unexported)
}

// ControlConfig holds the control listener settings.
type ControlConfig struct {
	Listen    string          `toml:"listen" yaml:"listen"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the control listener.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds outbound connection settings shared by all routes.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections" yaml:"idle_connections"`
	Selector        string `toml:"selector" yaml:"selector"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus exporter settings. The exporter gets its
// own listener so the control listener keeps its fixed set of paths.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
	Path    string `toml:"path" yaml:"path"`
}

// RouteConfig is one [[routes]] entry. Order in the file is match order.
type RouteConfig struct {
	Name          string           `toml:"name" yaml:"name"`
	Hosts         []string         `toml:"hosts" yaml:"hosts"`
	PathPrefix    string           `toml:"path_prefix" yaml:"path_prefix"`
	StripPrefix   bool             `toml:"strip_prefix" yaml:"strip_prefix"`
	RewritePrefix *string          `toml:"rewrite_prefix" yaml:"rewrite_prefix"`
	Upstreams     []UpstreamTarget `toml:"upstreams" yaml:"upstreams"`
}

// UpstreamTarget is one [[routes.upstreams]] entry.
type UpstreamTarget struct {
	URL           string `toml:"url" yaml:"url"`
	Weight        int    `toml:"weight" yaml:"weight"`
	FailThreshold int    `toml:"fail_threshold" yaml:"fail_threshold"`
	CooldownSecs  int    `toml:"cooldown_secs" yaml:"cooldown_secs"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CHARLES_CONFIG), it searches
// /etc/charles/charles.toml then config/charles.toml. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML.
func Load(cli *RunCLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes raw config bytes. format is "toml" or "yaml".
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *RunCLI) {
	if cli.Listen != "" {
		c.Listen = cli.Listen
	}
	if cli.ControlListen != "" {
		c.Control.Listen = cli.ControlListen
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required")
	}
	if c.Listen == c.Control.Listen {
		return fmt.Errorf("listen and control.listen must differ; both are %q", c.Listen)
	}

	// Numeric bounds.
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if _, err := balancer.New(c.Upstream.Selector); err != nil {
		return fmt.Errorf("upstream.selector: %w", err)
	}
	if c.Control.RateLimit.Enabled && c.Control.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("control.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Control.RateLimit.RequestsPerSecond)
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

	// Metrics exporter (only when enabled).
	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics are enabled")
		}
		if c.Metrics.Listen == c.Listen || c.Metrics.Listen == c.Control.Listen {
			return fmt.Errorf("metrics.listen %q conflicts with another listener", c.Metrics.Listen)
		}
		if p := c.Metrics.Path; p != "" && p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
	}

	return c.validateRoutes()
}

// validateRoutes checks route names and numeric upstream fields. Upstream
// URLs are deliberately not parsed here: a malformed URL surfaces as a 502
// at request time.
func (c *Config) validateRoutes() error {
	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("routes[%d]: duplicate name %q", i, name)
		}
		seen[name] = true

		if len(r.Hosts) == 0 {
			return fmt.Errorf("routes[%d] (%s): hosts must not be empty", i, name)
		}
		for j, u := range r.Upstreams {
			if u.Weight < 0 || u.FailThreshold < 0 || u.CooldownSecs < 0 {
				return fmt.Errorf("routes[%d] (%s).upstreams[%d]: weight, fail_threshold and cooldown_secs must be non-negative", i, name, j)
			}
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.Selector == "" {
		c.Upstream.Selector = balancer.StrategyFirst
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
	for i := range c.Routes {
		for j := range c.Routes[i].Upstreams {
			u := &c.Routes[i].Upstreams[j]
			if u.Weight == 0 {
				u.Weight = DefaultWeight
			}
			if u.FailThreshold == 0 {
				u.FailThreshold = DefaultFailThreshold
			}
			if u.CooldownSecs == 0 {
				u.CooldownSecs = DefaultCooldownSecs
			}
		}
	}
}

// RouteTable converts the configured routes into an immutable route.Table.
func (c *Config) RouteTable() *route.Table {
	routes := make([]route.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		ups := make([]route.Upstream, 0, len(rc.Upstreams))
		for _, u := range rc.Upstreams {
			ups = append(ups, route.Upstream{
				URL:           u.URL,
				Weight:        u.Weight,
				FailThreshold: u.FailThreshold,
				Cooldown:      time.Duration(u.CooldownSecs) * time.Second,
			})
		}
		routes = append(routes, route.Route{
			Name:          strings.TrimSpace(rc.Name),
			Hosts:         rc.Hosts,
			PathPrefix:    rc.PathPrefix,
			StripPrefix:   rc.StripPrefix,
			RewritePrefix: rc.RewritePrefix,
			Upstreams:     ups,
		})
	}
	return route.NewTable(routes)
}

// UpstreamTimeout returns the per-request upstream timeout.
func (c *UpstreamConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
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

// WarnUpstreams logs routes that will answer every request with 503 or 502:
// routes without upstreams and upstream URLs that are not absolute http(s) URLs.
func (c *Config) WarnUpstreams(logger *slog.Logger) {
	for _, r := range c.Routes {
		if len(r.Upstreams) == 0 {
			logger.Warn("route has no upstreams; requests will get 503", "route", r.Name)
			continue
		}
		for _, u := range r.Upstreams {
			parsed, err := url.Parse(u.URL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
				logger.Warn("upstream url is not an absolute http(s) URL; requests will get 502",
					"route", r.Name,
					"url", u.URL,
				)
			}
		}
	}
}
