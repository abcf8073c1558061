package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StrategyAuto   = "auto"
	StrategyPaced  = "paced"
	StrategyDirect = "direct"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              string        `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type StreamConfig struct {
	// Strategy is auto, paced or direct. auto inspects the runtime environment.
	Strategy     string        `yaml:"strategy"`
	PaceInterval time.Duration `yaml:"pace_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "5001",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Stream: StreamConfig{
			Strategy:     StrategyAuto,
			PaceInterval: time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// AGENTSTREAM_CONFIG (if any), then environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("AGENTSTREAM_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := envFirst("AGENTSTREAM_PORT", "PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := envFirst("AGENTSTREAM_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := envFirst("AGENTSTREAM_SHUTDOWN_TIMEOUT"); v != "" {
		if d, ok := parseDuration("AGENTSTREAM_SHUTDOWN_TIMEOUT", v); ok {
			cfg.Server.ShutdownTimeout = d
		}
	}
	if v := envFirst("AGENTSTREAM_STRATEGY"); v != "" {
		cfg.Stream.Strategy = v
	}
	if v := envFirst("AGENTSTREAM_PACE_INTERVAL"); v != "" {
		if d, ok := parseDuration("AGENTSTREAM_PACE_INTERVAL", v); ok {
			cfg.Stream.PaceInterval = d
		}
	}
	if v := envFirst("AGENTSTREAM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := envFirst("AGENTSTREAM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := envFirst("AGENTSTREAM_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		} else {
			Logger.Warn("ignoring invalid AGENTSTREAM_METRICS", "value", v)
		}
	}
}

func (c *Config) normalize() {
	switch s := strings.ToLower(strings.TrimSpace(c.Stream.Strategy)); s {
	case StrategyAuto, StrategyPaced, StrategyDirect:
		c.Stream.Strategy = s
	default:
		Logger.Warn("unknown stream strategy, falling back to auto", "strategy", c.Stream.Strategy)
		c.Stream.Strategy = StrategyAuto
	}
	if c.Stream.PaceInterval < 0 {
		c.Stream.PaceInterval = 0
	}
	if c.Server.Port == "" {
		c.Server.Port = Default().Server.Port
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Default().Server.ShutdownTimeout
	}
	if c.Metrics.Path == "" || !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = Default().Metrics.Path
	}
}

func (c Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func parseDuration(key, v string) (time.Duration, bool) {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		Logger.Warn("ignoring invalid duration", "key", key, "value", v)
		return 0, false
	}
	return d, true
}
