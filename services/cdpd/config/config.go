package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"microstable/observability/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cdpd.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	HealthAddress   string          `yaml:"health_listen"`
	EngineConfig    string          `yaml:"engine_config"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Logging         LoggingConfig   `yaml:"logging"`
	Events          EventsConfig    `yaml:"events"`
	Recon           ReconConfig     `yaml:"recon"`
}

// AuthConfig configures JWT bearer authentication. The token subject is the
// caller's bech32 address.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret"`
	SecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig throttles each client independently.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig selects the log level and optional file rotation.
type LoggingConfig struct {
	Level    string           `yaml:"level"`
	Rotation logging.Rotation `yaml:",inline"`
}

// EventsConfig tunes the websocket event stream.
type EventsConfig struct {
	Buffer       int      `yaml:"buffer"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// ReconConfig schedules the custody reconciliation export. An empty output
// directory disables it.
type ReconConfig struct {
	OutputDir string   `yaml:"output_dir"`
	Interval  Duration `yaml:"interval"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7081"
	}
	if cfg.HealthAddress == "" {
		cfg.HealthAddress = ":7082"
	}
	if cfg.EngineConfig == "" {
		cfg.EngineConfig = "microstable.toml"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if secretEnv := strings.TrimSpace(cfg.Auth.SecretEnv); secretEnv != "" && cfg.Auth.HMACSecret == "" {
		cfg.Auth.HMACSecret = os.Getenv(secretEnv)
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 64
	}
	if cfg.Events.WriteTimeout.Duration == 0 {
		cfg.Events.WriteTimeout.Duration = 5 * time.Second
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = time.Hour
	}
}

func validate(cfg Config) error {
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if cfg.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}
	if cfg.Recon.Interval.Duration < time.Minute {
		return fmt.Errorf("recon.interval must be at least one minute")
	}
	return nil
}
