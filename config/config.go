// Package config loads the TOML configuration of the postrpc command.
//
// Every key is optional: values missing from the file keep their DefaultConfig value.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"post-rpc/loadbalance"
	"post-rpc/logging"
	"post-rpc/protocol"
)

type Config struct {
	Server     ServerConfig
	Engine     EngineConfig
	Registry   RegistryConfig
	Client     ClientConfig
	Middleware MiddlewareConfig
	Log        logging.Config
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Listen    string
	Advertise string // WebSocket URL registered for clients; derived from Listen when empty
	Weight    int
}

type EngineConfig struct {
	Version       string
	AllowedOrigin string
	TargetOrigin  string
}

type RegistryConfig struct {
	Endpoints   []string // Empty disables etcd registration
	DialTimeout time.Duration
	TTL         int64 // Lease TTL in seconds
}

type ClientConfig struct {
	Balancer     string
	AffinityKey  string
	ReadyTimeout time.Duration
}

type MiddlewareConfig struct {
	Timeout    time.Duration // Zero disables the timeout middleware
	RateLimit  float64       // Calls per second; zero disables rate limiting
	Burst      int
	RetryMax   int
	RetryDelay time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Listen  string // Separate listener; empty serves /metrics next to the RPC endpoint
	Path    string
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":8080",
			Weight: 1,
		},
		Engine: EngineConfig{
			Version:       protocol.DefaultVersion,
			AllowedOrigin: protocol.AnyOrigin,
			TargetOrigin:  protocol.AnyOrigin,
		},
		Registry: RegistryConfig{
			DialTimeout: 3 * time.Second,
			TTL:         10,
		},
		Client: ClientConfig{
			Balancer:     "round_robin",
			ReadyTimeout: 5 * time.Second,
		},
		Middleware: MiddlewareConfig{
			Timeout:    5 * time.Second,
			Burst:      1,
			RetryDelay: 50 * time.Millisecond,
		},
		Log: logging.DefaultConfig(logging.ProfileRuntime),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

type fileConfig struct {
	Server struct {
		Listen    string `toml:"listen"`
		Advertise string `toml:"advertise"`
		Weight    int    `toml:"weight"`
	} `toml:"server"`
	Engine struct {
		Version       string `toml:"version"`
		AllowedOrigin string `toml:"allowed_origin"`
		TargetOrigin  string `toml:"target_origin"`
	} `toml:"engine"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
		TTL         int64    `toml:"ttl"`
	} `toml:"registry"`
	Client struct {
		Balancer     string `toml:"balancer"`
		AffinityKey  string `toml:"affinity_key"`
		ReadyTimeout string `toml:"ready_timeout"`
	} `toml:"client"`
	Middleware struct {
		Timeout    string  `toml:"timeout"`
		RateLimit  float64 `toml:"rate_limit"`
		Burst      int     `toml:"burst"`
		RetryMax   int     `toml:"retry_max"`
		RetryDelay string  `toml:"retry_delay"`
	} `toml:"middleware"`
	Log struct {
		Level   string `toml:"level"`
		JSON    bool   `toml:"json"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`
	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
		Path    string `toml:"path"`
	} `toml:"metrics"`
}

// Load reads path on top of DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "advertise") {
		cfg.Server.Advertise = strings.TrimSpace(raw.Server.Advertise)
	}
	if meta.IsDefined("server", "weight") {
		cfg.Server.Weight = raw.Server.Weight
	}

	if meta.IsDefined("engine", "version") {
		cfg.Engine.Version = strings.TrimSpace(raw.Engine.Version)
	}
	if meta.IsDefined("engine", "allowed_origin") {
		cfg.Engine.AllowedOrigin = strings.TrimSpace(raw.Engine.AllowedOrigin)
	}
	if meta.IsDefined("engine", "target_origin") {
		cfg.Engine.TargetOrigin = strings.TrimSpace(raw.Engine.TargetOrigin)
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "dial_timeout") {
		if cfg.Registry.DialTimeout, err = parseDuration("registry.dial_timeout", raw.Registry.DialTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}

	if meta.IsDefined("client", "balancer") {
		cfg.Client.Balancer = strings.TrimSpace(raw.Client.Balancer)
	}
	if meta.IsDefined("client", "affinity_key") {
		cfg.Client.AffinityKey = raw.Client.AffinityKey
	}
	if meta.IsDefined("client", "ready_timeout") {
		if cfg.Client.ReadyTimeout, err = parseDuration("client.ready_timeout", raw.Client.ReadyTimeout); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("middleware", "timeout") {
		if cfg.Middleware.Timeout, err = parseDuration("middleware.timeout", raw.Middleware.Timeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("middleware", "rate_limit") {
		cfg.Middleware.RateLimit = raw.Middleware.RateLimit
	}
	if meta.IsDefined("middleware", "burst") {
		cfg.Middleware.Burst = raw.Middleware.Burst
	}
	if meta.IsDefined("middleware", "retry_max") {
		cfg.Middleware.RetryMax = raw.Middleware.RetryMax
	}
	if meta.IsDefined("middleware", "retry_delay") {
		if cfg.Middleware.RetryDelay, err = parseDuration("middleware.retry_delay", raw.Middleware.RetryDelay); err != nil {
			return Config{}, err
		}
	}

	if meta.IsDefined("log", "level") {
		level, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("parse log.level: unknown level %q", raw.Log.Level)
		}
		cfg.Log.Level = level
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}

	if meta.IsDefined("metrics", "enabled") {
		cfg.Metrics.Enabled = raw.Metrics.Enabled
	}
	if meta.IsDefined("metrics", "listen") {
		cfg.Metrics.Listen = strings.TrimSpace(raw.Metrics.Listen)
	}
	if meta.IsDefined("metrics", "path") {
		cfg.Metrics.Path = strings.TrimSpace(raw.Metrics.Path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.Advertise != "" && !strings.HasPrefix(c.Server.Advertise, "ws://") && !strings.HasPrefix(c.Server.Advertise, "wss://") {
		errs = append(errs, fmt.Errorf("server.advertise must be a ws:// or wss:// URL, got %q", c.Server.Advertise))
	}
	if c.Server.Weight < 0 {
		errs = append(errs, fmt.Errorf("server.weight must not be negative, got %d", c.Server.Weight))
	}
	if c.Engine.Version == "" {
		errs = append(errs, errors.New("engine.version is required"))
	}
	if len(c.Registry.Endpoints) > 0 && c.Registry.TTL <= 0 {
		errs = append(errs, fmt.Errorf("registry.ttl must be positive, got %d", c.Registry.TTL))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if c.Client.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("client.ready_timeout must be positive"))
	}
	if c.Middleware.Timeout < 0 {
		errs = append(errs, errors.New("middleware.timeout must not be negative"))
	}
	if c.Middleware.RateLimit < 0 {
		errs = append(errs, errors.New("middleware.rate_limit must not be negative"))
	}
	if c.Middleware.RateLimit > 0 && c.Middleware.Burst < 1 {
		errs = append(errs, fmt.Errorf("middleware.burst must be at least 1 with a rate limit, got %d", c.Middleware.Burst))
	}
	if c.Middleware.RetryMax < 0 {
		errs = append(errs, errors.New("middleware.retry_max must not be negative"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}
	if c.Log.Level < zerolog.TraceLevel || c.Log.Level > zerolog.Disabled {
		errs = append(errs, fmt.Errorf("log.level out of range: %d", c.Log.Level))
	}
	return errors.Join(errs...)
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
