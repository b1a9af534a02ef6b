package config

import (
	"os"
	"strconv"
)

// ApplyEnv applies SMTPTEST_* environment overrides. Environment variables
// take precedence over the file but are overridden by command-line flags.
// Malformed numeric values are ignored.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("SMTPTEST_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("SMTPTEST_BANNER"); v != "" {
		cfg.Banner = v
	}
	if v := os.Getenv("SMTPTEST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SMTPTEST_ADDRESS"); v != "" {
		cfg.Listen.Address = v
	}
	if v := os.Getenv("SMTPTEST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = port
		}
	}
	if v := os.Getenv("SMTPTEST_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("SMTPTEST_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("SMTPTEST_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTPTEST_MAILDIR"); v != "" {
		cfg.Maildir = v
	}
	if v := os.Getenv("SMTPTEST_REDIS_ADDRESS"); v != "" {
		cfg.Auth.Redis.Address = v
	}
	if v := os.Getenv("SMTPTEST_REDIS_PASSWORD"); v != "" {
		cfg.Auth.Redis.Password = v
	}
	if v := os.Getenv("SMTPTEST_OAUTH_JWKS_URL"); v != "" {
		cfg.Auth.OAuth.JWKSURL = v
	}
	return cfg
}
