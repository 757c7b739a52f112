// Package config loads the proxy configuration from a YAML file and applies
// ADSMETRICS_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

// DefaultPath is used when no config file is given on the command line.
const DefaultPath = "/etc/conf.d/adsmetrics-proxy.conf"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ADSMETRICS_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverValkey   = "valkey"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port    int      `yaml:"port" env:"PORT"`
	Listen  []string `yaml:"listen" env:"LISTEN" envSeparator:","` // IPv4 or IPv6 addresses
	AuthKey string   `yaml:"auth_key" env:"AUTH_KEY"`              // protects /refresh and /invalidate
}

type UpstreamConfig struct {
	BaseURL           string  `yaml:"base_url" env:"BASE_URL"`
	APIKey            string  `yaml:"api_key" env:"API_KEY"`
	Timeout           string  `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

type StoreConfig struct {
	Driver string       `yaml:"driver" env:"DRIVER"`
	Path   string       `yaml:"path" env:"PATH"` // badger directory or sqlite file
	DSN    string       `yaml:"dsn" env:"DSN"`   // postgres
	Valkey ValkeyConfig `yaml:"valkey" envPrefix:"VALKEY_"`
}

type ValkeyConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// CacheConfig durations accept Go syntax ("90s", "5m") and the d/w/y
// shorthands ("7d", "2w", "1y").
type CacheConfig struct {
	Fresh          string `yaml:"fresh" env:"FRESH"`
	Stale          string `yaml:"stale" env:"STALE"`
	PartialStale   string `yaml:"partial_stale" env:"PARTIAL_STALE"`
	DefaultBackoff string `yaml:"default_backoff" env:"DEFAULT_BACKOFF"`
	QuotaBackoff   string `yaml:"quota_backoff" env:"QUOTA_BACKOFF"`
	PollInitial    string `yaml:"poll_initial" env:"POLL_INITIAL"`
	PollMax        string `yaml:"poll_max" env:"POLL_MAX"`
	PollBudget     string `yaml:"poll_budget" env:"POLL_BUDGET"`
	RefreshWorkers int    `yaml:"refresh_workers" env:"REFRESH_WORKERS"`
	RefreshQueue   int    `yaml:"refresh_queue" env:"REFRESH_QUEUE"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Upstream: UpstreamConfig{
			Timeout: "30s",
			Burst:   1,
		},
		Store: StoreConfig{Driver: DriverMemory},
		Cache: CacheConfig{
			Fresh:          "5m",
			Stale:          "24h",
			DefaultBackoff: "60s",
			QuotaBackoff:   "6h",
			PollInitial:    "250ms",
			PollMax:        "1s",
			PollBudget:     "10s",
			RefreshWorkers: 4,
			RefreshQueue:   64,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads filename, applies environment overrides and validates the
// result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, os.Environ())
}

// Parse decodes YAML data over Default, then applies overrides from environ
// ("KEY=value" pairs).
func Parse(data []byte, environ []string) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: toMap(environ),
	}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func toMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for _, addr := range c.Server.Listen {
		if net.ParseIP(strings.Trim(addr, "[]")) == nil {
			errs = append(errs, fmt.Errorf("server.listen: %q is not an IP address", addr))
		}
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if c.Upstream.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("upstream.requests_per_second must not be negative"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverBadger:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case DriverValkey:
		if c.Store.Valkey.Address == "" {
			errs = append(errs, errors.New("store.valkey.address is required for valkey"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, badger, valkey, postgres, sqlite", c.Store.Driver))
	}

	if _, err := c.Upstream.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	settings, err := c.Cache.Settings()
	if err != nil {
		errs = append(errs, err)
	} else {
		if settings.Fresh <= 0 {
			errs = append(errs, errors.New("cache.fresh must be positive"))
		}
		if settings.Stale <= settings.Fresh {
			errs = append(errs, fmt.Errorf("cache.stale (%s) must be longer than cache.fresh (%s)", settings.Stale, settings.Fresh))
		}
		if settings.PartialStale < settings.Fresh || settings.PartialStale > settings.Stale {
			errs = append(errs, fmt.Errorf("cache.partial_stale (%s) must be between fresh and stale", settings.PartialStale))
		}
		if settings.PollMax < settings.PollInitial {
			errs = append(errs, errors.New("cache.poll_max must not be shorter than cache.poll_initial"))
		}
		if settings.RefreshWorkers <= 0 || settings.RefreshQueue <= 0 {
			errs = append(errs, errors.New("cache.refresh_workers and cache.refresh_queue must be positive"))
		}
	}
	return errors.Join(errs...)
}

// TimeoutDuration parses upstream.timeout.
func (u UpstreamConfig) TimeoutDuration() (time.Duration, error) {
	d, err := ParseDuration(u.Timeout, 30*time.Second)
	if err != nil {
		return 0, fmt.Errorf("upstream.timeout: %w", err)
	}
	return d, nil
}

// CacheSettings is CacheConfig with durations parsed.
type CacheSettings struct {
	Fresh          time.Duration
	Stale          time.Duration
	PartialStale   time.Duration
	DefaultBackoff time.Duration
	QuotaBackoff   time.Duration
	PollInitial    time.Duration
	PollMax        time.Duration
	PollBudget     time.Duration
	RefreshWorkers int
	RefreshQueue   int
}

// Settings parses every duration. An empty partial_stale follows fresh.
func (c CacheConfig) Settings() (CacheSettings, error) {
	s := CacheSettings{RefreshWorkers: c.RefreshWorkers, RefreshQueue: c.RefreshQueue}
	fields := []struct {
		name  string
		value string
		def   time.Duration
		dst   *time.Duration
	}{
		{"cache.fresh", c.Fresh, 5 * time.Minute, &s.Fresh},
		{"cache.stale", c.Stale, 24 * time.Hour, &s.Stale},
		{"cache.default_backoff", c.DefaultBackoff, 60 * time.Second, &s.DefaultBackoff},
		{"cache.quota_backoff", c.QuotaBackoff, 6 * time.Hour, &s.QuotaBackoff},
		{"cache.poll_initial", c.PollInitial, 250 * time.Millisecond, &s.PollInitial},
		{"cache.poll_max", c.PollMax, time.Second, &s.PollMax},
		{"cache.poll_budget", c.PollBudget, 10 * time.Second, &s.PollBudget},
	}
	for _, f := range fields {
		d, err := ParseDuration(f.value, f.def)
		if err != nil {
			return CacheSettings{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	partial, err := ParseDuration(c.PartialStale, s.Fresh)
	if err != nil {
		return CacheSettings{}, fmt.Errorf("cache.partial_stale: %w", err)
	}
	s.PartialStale = partial
	return s, nil
}

// ParseDuration accepts Go durations plus "<n>d", "<n>w" and "<n>y".
// An empty string yields def.
func ParseDuration(value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}

	if len(value) >= 2 {
		unit := value[len(value)-1:]
		valueStr := value[:len(value)-1]

		var n int
		if _, err := fmt.Sscanf(valueStr, "%d", &n); err == nil && fmt.Sprint(n) == valueStr {
			switch unit {
			case "y":
				return time.Duration(n) * 365 * 24 * time.Hour, nil
			case "d":
				return time.Duration(n) * 24 * time.Hour, nil
			case "w":
				return time.Duration(n) * 7 * 24 * time.Hour, nil
			}
		}
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}
