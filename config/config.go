// Package config loads the endpoint's runtime configuration from YAML,
// applies COAPD_*-prefixed environment overrides, and watches the config
// file for changes so the hot-swappable subset can be reloaded without a
// restart (spec.md §4.4/§6.1).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the endpoint's full runtime configuration.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	BindPort    int    `yaml:"bind_port"`

	MaxQueueSize          int `yaml:"max_queue_size"`
	AllowedIdleTimeSeconds int `yaml:"allowed_idle_time_seconds"`

	MaxRetransmit   int     `yaml:"max_retransmit"`
	AckTimeoutMS    int     `yaml:"ack_timeout_ms"`
	AckRandomFactor float64 `yaml:"ack_random_factor"`

	LogLevel  string `yaml:"log_level"`
	AuditLogPath string `yaml:"audit_log_path"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// AckTimeout is AckTimeoutMS as a time.Duration.
func (c Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// AllowedIdleTime is AllowedIdleTimeSeconds as a time.Duration.
func (c Config) AllowedIdleTime() time.Duration {
	return time.Duration(c.AllowedIdleTimeSeconds) * time.Second
}

// Default returns the RFC 7252-recommended defaults (spec.md §6.1).
func Default() Config {
	return Config{
		BindAddress:            "0.0.0.0",
		BindPort:               5683,
		MaxQueueSize:           20000,
		AllowedIdleTimeSeconds: 60,
		MaxRetransmit:          4,
		AckTimeoutMS:           2000,
		AckRandomFactor:        1.5,
		LogLevel:               "info",
		AuditLogPath:           "",
		MetricsAddr:            "",
	}
}

// HotSwappable is the subset of Config that Reload may change while the
// endpoint is running. BindAddress/BindPort require a process restart
// (spec.md §4.4) since they are bound once at UDP socket creation.
type HotSwappable struct {
	MaxQueueSize           int
	AllowedIdleTimeSeconds int
	MaxRetransmit          int
	AckTimeoutMS           int
	AckRandomFactor        float64
	LogLevel               string
}

// AllowedIdleTime is AllowedIdleTimeSeconds as a time.Duration.
func (h HotSwappable) AllowedIdleTime() time.Duration {
	return time.Duration(h.AllowedIdleTimeSeconds) * time.Second
}

// Snapshot extracts the hot-swappable subset of c.
func (c Config) Snapshot() HotSwappable {
	return HotSwappable{
		MaxQueueSize:           c.MaxQueueSize,
		AllowedIdleTimeSeconds: c.AllowedIdleTimeSeconds,
		MaxRetransmit:          c.MaxRetransmit,
		AckTimeoutMS:           c.AckTimeoutMS,
		AckRandomFactor:        c.AckRandomFactor,
		LogLevel:               c.LogLevel,
	}
}

// Load reads path, applying it over the defaults, then layers COAPD_*
// environment variable overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: reading %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "config: parsing %s", path)
		}
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("COAPD_BIND_ADDRESS"); ok {
		cfg.BindAddress = v
	}
	if v, ok := envInt("COAPD_BIND_PORT"); ok {
		cfg.BindPort = v
	}
	if v, ok := envInt("COAPD_MAX_QUEUE_SIZE"); ok {
		cfg.MaxQueueSize = v
	}
	if v, ok := envInt("COAPD_ALLOWED_IDLE_TIME_SECONDS"); ok {
		cfg.AllowedIdleTimeSeconds = v
	}
	if v, ok := envInt("COAPD_MAX_RETRANSMIT"); ok {
		cfg.MaxRetransmit = v
	}
	if v, ok := envInt("COAPD_ACK_TIMEOUT_MS"); ok {
		cfg.AckTimeoutMS = v
	}
	if v, ok := os.LookupEnv("COAPD_ACK_RANDOM_FACTOR"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AckRandomFactor = f
		}
	}
	if v, ok := os.LookupEnv("COAPD_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("COAPD_AUDIT_LOG_PATH"); ok {
		cfg.AuditLogPath = v
	}
	if v, ok := os.LookupEnv("COAPD_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
