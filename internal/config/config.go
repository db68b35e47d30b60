// Package config provides YAML configuration loading and validation for
// the rkBPF runtime and the rkbridge daemon.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn",
	// or "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// TrustedKeys is the list of hex-encoded Ed25519 public keys (64 hex
	// characters each) admitted to sign programs. At least one key is
	// required.
	TrustedKeys []string `yaml:"trusted_keys"`

	// MaxSignatureAgeHours is the expiry window applied to envelopes
	// carrying the has-expiry flag. Defaults to 720 (30 days).
	MaxSignatureAgeHours int `yaml:"max_signature_age_hours"`

	// RingBufferSize is the default data-region size in bytes for ring
	// buffer maps created without an explicit size. Must be a power of
	// two. Defaults to 65536.
	RingBufferSize int `yaml:"ring_buffer_size"`

	// AuditLog is the path of the hash-chained decision trail. Empty
	// disables auditing.
	AuditLog string `yaml:"audit_log"`

	// Bridge configures the rkbridge daemon.
	Bridge BridgeConfig `yaml:"bridge"`
}

// BridgeConfig configures the userspace event bridge.
type BridgeConfig struct {
	// MapPath is the path of the pinned ring buffer map the bridge
	// consumes (e.g. "/sys/fs/bpf/maps/events"). Required when running
	// the bridge.
	MapPath string `yaml:"map_path"`

	// Topic is the logical topic name stamped on published events.
	// Defaults to "/rk/events".
	Topic string `yaml:"topic"`

	// Format is the publisher output format: "json-lines" or "text".
	// Defaults to "json-lines".
	Format string `yaml:"format"`

	// PollIntervalMs is the consumer poll cadence in milliseconds.
	// Defaults to 10.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// RateLimit is the maximum events published per second; 0 means
	// unlimited. Defaults to 0.
	RateLimit int `yaml:"rate_limit"`

	// StorePath is the SQLite event recorder database path. Empty
	// disables recording; ":memory:" keeps it in memory.
	StorePath string `yaml:"store_path"`

	// StatusAddr is the listen address of the /healthz status server.
	// Defaults to "127.0.0.1:9100".
	StatusAddr string `yaml:"status_addr"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validFormats is the set of accepted publisher formats.
var validFormats = map[string]bool{
	"json-lines": true,
	"text":       true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all fields. A validation error joins
// every failure found, not just the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxSignatureAgeHours == 0 {
		cfg.MaxSignatureAgeHours = 720
	}
	if cfg.RingBufferSize == 0 {
		cfg.RingBufferSize = 64 * 1024
	}
	if cfg.Bridge.Topic == "" {
		cfg.Bridge.Topic = "/rk/events"
	}
	if cfg.Bridge.Format == "" {
		cfg.Bridge.Format = "json-lines"
	}
	if cfg.Bridge.PollIntervalMs == 0 {
		cfg.Bridge.PollIntervalMs = 10
	}
	if cfg.Bridge.StatusAddr == "" {
		cfg.Bridge.StatusAddr = "127.0.0.1:9100"
	}
}

// Validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func Validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if len(cfg.TrustedKeys) == 0 {
		errs = append(errs, errors.New("trusted_keys requires at least one key"))
	}
	for i, key := range cfg.TrustedKeys {
		raw, err := hex.DecodeString(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("trusted_keys[%d]: not valid hex", i))
			continue
		}
		if len(raw) != 32 {
			errs = append(errs, fmt.Errorf("trusted_keys[%d]: decoded length %d, want 32", i, len(raw)))
		}
	}
	if cfg.MaxSignatureAgeHours < 0 {
		errs = append(errs, errors.New("max_signature_age_hours must not be negative"))
	}
	if s := cfg.RingBufferSize; s < 8 || s&(s-1) != 0 {
		errs = append(errs, fmt.Errorf("ring_buffer_size %d must be a power of two >= 8", s))
	}
	if !validFormats[cfg.Bridge.Format] {
		errs = append(errs, fmt.Errorf("bridge.format %q must be one of: json-lines, text", cfg.Bridge.Format))
	}
	if cfg.Bridge.PollIntervalMs < 0 {
		errs = append(errs, errors.New("bridge.poll_interval_ms must not be negative"))
	}
	if cfg.Bridge.RateLimit < 0 {
		errs = append(errs, errors.New("bridge.rate_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// DecodedKeys returns the trusted keys as raw 32-byte values. The config
// must have passed Validate.
func (c *Config) DecodedKeys() [][]byte {
	out := make([][]byte, 0, len(c.TrustedKeys))
	for _, key := range c.TrustedKeys {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 32 {
			continue
		}
		out = append(out, raw)
	}
	return out
}
