// Package config provides configuration management for the test SMTP server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TransportMode selects how connections are secured.
type TransportMode string

const (
	// ModeSmtp is plain SMTP, optionally upgraded with STARTTLS.
	ModeSmtp TransportMode = "smtp"
	// ModeSmtps is implicit TLS: the handshake precedes the greeting.
	ModeSmtps TransportMode = "smtps"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Smtptest Config `toml:"smtptest" yaml:"smtptest"`
}

// Config holds the complete test server configuration.
type Config struct {
	Hostname       string         `toml:"hostname" yaml:"hostname"`
	Banner         string         `toml:"banner" yaml:"banner"`
	LogLevel       string         `toml:"log_level" yaml:"log_level"`
	LogTransaction bool           `toml:"log_transaction" yaml:"log_transaction"`
	Maildir        string         `toml:"maildir" yaml:"maildir"`
	Listen         ListenConfig   `toml:"listen" yaml:"listen"`
	TLS            TLSConfig      `toml:"tls" yaml:"tls"`
	Auth           AuthConfig     `toml:"auth" yaml:"auth"`
	Limits         LimitsConfig   `toml:"limits" yaml:"limits"`
	Timeouts       TimeoutsConfig `toml:"timeouts" yaml:"timeouts"`
	Metrics        MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

// ListenConfig defines where the server binds. Port 0 asks for discovery:
// the SMTP port is tried first, then ports upward from 1024.
type ListenConfig struct {
	Address string        `toml:"address" yaml:"address"`
	Port    int           `toml:"port" yaml:"port"`
	Mode    TransportMode `toml:"mode" yaml:"mode"`
}

// TLSConfig holds STARTTLS switches and certificate settings.
type TLSConfig struct {
	StartTLS   bool   `toml:"starttls" yaml:"starttls"`
	RequireTLS bool   `toml:"require_tls" yaml:"require_tls"`
	CertFile   string `toml:"cert_file" yaml:"cert_file"`
	KeyFile    string `toml:"key_file" yaml:"key_file"`
	MinVersion string `toml:"min_version" yaml:"min_version"`
}

// AuthConfig lists the SASL mechanisms offered and where credentials live.
type AuthConfig struct {
	Mechanisms []string          `toml:"mechanisms" yaml:"mechanisms"`
	MaxRetries *int              `toml:"max_retries" yaml:"max_retries"`
	Users      map[string]string `toml:"users" yaml:"users"`
	Redis      RedisConfig       `toml:"redis" yaml:"redis"`
	OAuth      OAuthConfig       `toml:"oauth" yaml:"oauth"`
}

// OAuthConfig enables JWT validation of XOAUTH2 bearer tokens.
type OAuthConfig struct {
	JWKSURL        string   `toml:"jwks_url" yaml:"jwks_url"`
	Issuer         string   `toml:"issuer" yaml:"issuer"`
	Audience       string   `toml:"audience" yaml:"audience"`
	UsernameClaim  string   `toml:"username_claim" yaml:"username_claim"`
	AllowedDomains []string `toml:"allowed_domains" yaml:"allowed_domains"`
}

// RedisConfig points at a Redis hash of username -> password.
type RedisConfig struct {
	Address  string `toml:"address" yaml:"address"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Key      string `toml:"key" yaml:"key"`
}

// LimitsConfig defines resource limits. A zero MaxMessageSize disables the
// limit.
type LimitsConfig struct {
	MaxMessageSize int64 `toml:"max_message_size" yaml:"max_message_size"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Read string `toml:"read" yaml:"read"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Address string `toml:"address" yaml:"address"`
	Path    string `toml:"path" yaml:"path"`
}

// DefaultMaxAuthRetries is the number of failed AUTH exchanges tolerated
// before a connection is locked out.
const DefaultMaxAuthRetries = 3

// Default returns a Config with the defaults of an embedded test server.
func Default() Config {
	return Config{
		Hostname: "localhost",
		Banner:   "localhost smtptest server ready",
		LogLevel: "info",
		Listen: ListenConfig{
			Address: "127.0.0.1",
			Port:    0,
			Mode:    ModeSmtp,
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Read: "10s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

var knownMechanisms = map[string]bool{
	"PLAIN":    true,
	"LOGIN":    true,
	"CRAM-MD5": true,
	"XOAUTH2":  true,
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Listen.Port)
	}

	if !isValidMode(c.Listen.Mode) {
		return fmt.Errorf("invalid listen mode %q", c.Listen.Mode)
	}

	if c.TLS.RequireTLS && !c.TLS.StartTLS {
		return errors.New("require_tls needs starttls to be enabled")
	}

	if c.Listen.Mode == ModeSmtps && c.TLS.StartTLS {
		return errors.New("starttls cannot be combined with smtps mode")
	}

	if c.TLSNeeded() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("cert_file and key_file are required for starttls or smtps")
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	for _, m := range c.Auth.Mechanisms {
		if !knownMechanisms[strings.ToUpper(m)] {
			return fmt.Errorf("unsupported auth mechanism %q", m)
		}
	}

	if len(c.Auth.Mechanisms) > 0 && len(c.Auth.Users) == 0 && c.Auth.Redis.Address == "" && c.Auth.OAuth.JWKSURL == "" {
		return errors.New("auth mechanisms need users, a redis credential store or a JWKS URL")
	}

	if c.Auth.OAuth.JWKSURL != "" {
		u, err := url.Parse(c.Auth.OAuth.JWKSURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid jwks_url %q", c.Auth.OAuth.JWKSURL)
		}
	}

	if c.Auth.MaxRetries != nil && *c.Auth.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}

	if c.Limits.MaxMessageSize < 0 {
		return errors.New("max_message_size must not be negative")
	}

	if c.Timeouts.Read != "" {
		if _, err := time.ParseDuration(c.Timeouts.Read); err != nil {
			return fmt.Errorf("invalid read timeout: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// TLSNeeded reports whether any transport setting requires a certificate.
func (c *Config) TLSNeeded() bool {
	return c.TLS.StartTLS || c.Listen.Mode == ModeSmtps
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ReadTimeout returns the per-line read timeout.
// Returns 10 seconds if not configured or invalid.
func (c *TimeoutsConfig) ReadTimeout() time.Duration {
	if c.Read == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Read)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetMaxRetries returns the AUTH retry ceiling, DefaultMaxAuthRetries when unset.
func (c *AuthConfig) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return DefaultMaxAuthRetries
	}
	return *c.MaxRetries
}

// NormalizedMechanisms returns the mechanisms upper-cased without duplicates.
func (c *AuthConfig) NormalizedMechanisms() []string {
	seen := make(map[string]bool, len(c.Mechanisms))
	var out []string
	for _, m := range c.Mechanisms {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m TransportMode) bool {
	switch m {
	case ModeSmtp, ModeSmtps:
		return true
	default:
		return false
	}
}
