// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyguard.
//
// go-keyguard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package keyguard

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the complete keyguard configuration
type Config struct {
	KeyStore     KeyStoreConfig     `yaml:"keystore"`
	Biometric    BiometricConfig    `yaml:"biometric"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Session      SessionConfig      `yaml:"session"`
	Audit        AuditConfig        `yaml:"audit"`
	Certificates CertificatesConfig `yaml:"certificates"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// KeyStoreConfig selects the key custodian backend
type KeyStoreConfig struct {
	// Service is the OS credential store service name
	Service string `yaml:"service"`

	// AllowSoftwareFallback permits software key storage when no OS
	// secure store is usable. Never enabled by default.
	AllowSoftwareFallback bool `yaml:"allow_software_fallback"`

	// Path is the directory for file-backed storage (software keys,
	// sessions, approved certificates). Empty keeps everything in memory.
	Path string `yaml:"path"`
}

// BiometricConfig controls the biometric gate
type BiometricConfig struct {
	MaxConsecutiveFailures  int `yaml:"max_consecutive_failures"`
	AuthorizationTTLSeconds int `yaml:"authorization_ttl_seconds"`
}

// RateLimitConfig controls challenge-signing rate limiting
type RateLimitConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	WindowSeconds int `yaml:"window_seconds"`
}

// SessionConfig controls authentication sessions
type SessionConfig struct {
	DurationSeconds int `yaml:"duration_seconds"`
}

// AuditConfig controls the audit sink
type AuditConfig struct {
	// SQLitePath is the audit database file. Empty keeps the log in memory.
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
}

// CertificatesConfig controls the certificate guard
type CertificatesConfig struct {
	// Pins maps hostname patterns (exact or "*." wildcard) to base64
	// SHA-256 certificate hashes.
	Pins map[string][]string `yaml:"pins"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns a configuration with production defaults: OS
// keystore only, in-memory persistence, 5 attempts/minute rate limit,
// 24-hour sessions, 30-day audit retention.
func DefaultConfig() *Config {
	return &Config{
		KeyStore: KeyStoreConfig{
			Service: "keyguard",
		},
		Biometric: BiometricConfig{
			MaxConsecutiveFailures:  5,
			AuthorizationTTLSeconds: 10,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:   5,
			WindowSeconds: 60,
		},
		Session: SessionConfig{
			DurationSeconds: 86400,
		},
		Audit: AuditConfig{
			RetentionDays: 30,
			MaxEntries:    10000,
		},
	}
}

// LoadConfig reads configuration from a YAML file, applies environment
// variable overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if service := os.Getenv("KEYGUARD_SERVICE"); service != "" {
		cfg.KeyStore.Service = service
	}
	if path := os.Getenv("KEYGUARD_DATA_DIR"); path != "" {
		cfg.KeyStore.Path = path
	}
	if sqlitePath := os.Getenv("KEYGUARD_AUDIT_DB"); sqlitePath != "" {
		cfg.Audit.SQLitePath = sqlitePath
	}
	if attempts := os.Getenv("KEYGUARD_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil || n < 1 {
			log.Printf("Warning: invalid KEYGUARD_MAX_ATTEMPTS value %q, using default %d",
				attempts, cfg.RateLimit.MaxAttempts)
		} else {
			cfg.RateLimit.MaxAttempts = n
		}
	}
	if debug := os.Getenv("KEYGUARD_DEBUG"); debug != "" {
		cfg.Logging.Debug = debug == "true" || debug == "1"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.KeyStore.Service == "" {
		return fmt.Errorf("keystore service name must not be empty")
	}
	if c.RateLimit.MaxAttempts < 1 {
		return fmt.Errorf("ratelimit max_attempts must be at least 1")
	}
	if c.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("ratelimit window_seconds must be at least 1")
	}
	if c.Session.DurationSeconds < 1 {
		return fmt.Errorf("session duration_seconds must be at least 1")
	}
	if c.Biometric.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("biometric max_consecutive_failures must be at least 1")
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention_days must be at least 1")
	}
	if c.Audit.MaxEntries < 1 {
		return fmt.Errorf("audit max_entries must be at least 1")
	}
	return nil
}
