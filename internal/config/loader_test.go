package config

import (
	"os"
	"path/filepath"
	"testing"
)

func createTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/smtptest.toml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Hostname != Default().Hostname {
		t.Errorf("expected default hostname, got %q", cfg.Hostname)
	}
}

func TestLoadValidTOML(t *testing.T) {
	content := `
[smtptest]
hostname = "mx.test"
banner = "mx.test ready"
log_level = "debug"

[smtptest.listen]
address = "0.0.0.0"
port = 2525

[smtptest.tls]
starttls = true
require_tls = true
cert_file = "/etc/ssl/cert.pem"
key_file = "/etc/ssl/key.pem"
min_version = "1.3"

[smtptest.auth]
mechanisms = ["PLAIN", "CRAM-MD5"]
max_retries = 1

[smtptest.auth.users]
jdoe = "secret"

[smtptest.limits]
max_message_size = 1024

[smtptest.timeouts]
read = "3s"
`
	cfg, err := Load(createTempConfig(t, "smtptest.toml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "mx.test" {
		t.Errorf("hostname = %q, want mx.test", cfg.Hostname)
	}
	if cfg.Banner != "mx.test ready" {
		t.Errorf("banner = %q, want 'mx.test ready'", cfg.Banner)
	}
	if cfg.Listen.Address != "0.0.0.0" || cfg.Listen.Port != 2525 {
		t.Errorf("listen = %+v, want 0.0.0.0:2525", cfg.Listen)
	}
	if cfg.Listen.Mode != ModeSmtp {
		t.Errorf("listen.mode = %q, want default smtp", cfg.Listen.Mode)
	}
	if !cfg.TLS.StartTLS || !cfg.TLS.RequireTLS {
		t.Errorf("tls switches = %+v, want both enabled", cfg.TLS)
	}
	if cfg.TLS.MinVersion != "1.3" {
		t.Errorf("tls.min_version = %q, want 1.3", cfg.TLS.MinVersion)
	}
	if len(cfg.Auth.Mechanisms) != 2 || cfg.Auth.Mechanisms[1] != "CRAM-MD5" {
		t.Errorf("auth.mechanisms = %v", cfg.Auth.Mechanisms)
	}
	if cfg.Auth.GetMaxRetries() != 1 {
		t.Errorf("auth.max_retries = %d, want 1", cfg.Auth.GetMaxRetries())
	}
	if cfg.Auth.Users["jdoe"] != "secret" {
		t.Errorf("auth.users = %v", cfg.Auth.Users)
	}
	if cfg.Limits.MaxMessageSize != 1024 {
		t.Errorf("limits.max_message_size = %d, want 1024", cfg.Limits.MaxMessageSize)
	}
	if cfg.Timeouts.Read != "3s" {
		t.Errorf("timeouts.read = %q, want 3s", cfg.Timeouts.Read)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadValidYAML(t *testing.T) {
	content := `
smtptest:
  hostname: yaml.test
  listen:
    mode: smtps
    port: 4650
  tls:
    cert_file: cert.pem
    key_file: key.pem
  auth:
    mechanisms: [LOGIN]
    redis:
      address: 127.0.0.1:6379
      key: accounts
    oauth:
      jwks_url: https://issuer.example.com/jwks
      audience: smtptest
      allowed_domains: [example.com]
  metrics:
    enabled: true
`
	cfg, err := Load(createTempConfig(t, "smtptest.yaml", content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hostname != "yaml.test" {
		t.Errorf("hostname = %q, want yaml.test", cfg.Hostname)
	}
	if cfg.Listen.Mode != ModeSmtps || cfg.Listen.Port != 4650 {
		t.Errorf("listen = %+v, want smtps on 4650", cfg.Listen)
	}
	if cfg.Auth.Redis.Address != "127.0.0.1:6379" || cfg.Auth.Redis.Key != "accounts" {
		t.Errorf("auth.redis = %+v", cfg.Auth.Redis)
	}
	if cfg.Auth.OAuth.JWKSURL != "https://issuer.example.com/jwks" || cfg.Auth.OAuth.Audience != "smtptest" ||
		len(cfg.Auth.OAuth.AllowedDomains) != 1 {
		t.Errorf("auth.oauth = %+v", cfg.Auth.OAuth)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics = %+v, want enabled with default path", cfg.Metrics)
	}
	if cfg.Banner != Default().Banner {
		t.Errorf("banner = %q, want default", cfg.Banner)
	}
}

func TestLoadInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"broken toml", "bad.toml", "[smtptest\nhostname = \"broken\n"},
		{"broken yaml", "bad.yml", "smtptest:\n  hostname: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(createTempConfig(t, tt.file, tt.content)); err == nil {
				t.Fatal("expected parse error, got nil")
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{
		"-config", "/tmp/x.toml",
		"-port", "2525",
		"-auth", "PLAIN,LOGIN",
		"-user", "jdoe:secret",
		"-user", "svc:to:ken",
		"-starttls",
		"-maildir", "/tmp/md",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if f.ConfigPath != "/tmp/x.toml" || f.Port != 2525 || !f.StartTLS {
		t.Errorf("flags = %+v", f)
	}

	cfg := ApplyFlags(Default(), f)
	if cfg.Listen.Port != 2525 {
		t.Errorf("port = %d, want 2525", cfg.Listen.Port)
	}
	if len(cfg.Auth.Mechanisms) != 2 {
		t.Errorf("mechanisms = %v, want 2 entries", cfg.Auth.Mechanisms)
	}
	if cfg.Auth.Users["jdoe"] != "secret" || cfg.Auth.Users["svc"] != "to:ken" {
		t.Errorf("users = %v", cfg.Auth.Users)
	}
	if cfg.Maildir != "/tmp/md" {
		t.Errorf("maildir = %q, want /tmp/md", cfg.Maildir)
	}
}

func TestParseFlagsRejectsMalformedUser(t *testing.T) {
	if _, err := ParseFlags([]string{"-user", "nopassword"}); err == nil {
		t.Fatal("expected error for user without password")
	}
}

func TestApplyFlagsEmptyValuesDoNotOverride(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "original.test"
	cfg.Listen.Port = 2525
	cfg.Limits.MaxMessageSize = 1000

	f, err := ParseFlags(nil)
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	result := ApplyFlags(cfg, f)

	if result.Hostname != "original.test" {
		t.Errorf("hostname = %q, should not be overridden", result.Hostname)
	}
	if result.Listen.Port != 2525 {
		t.Errorf("port = %d, should not be overridden", result.Listen.Port)
	}
	if result.Limits.MaxMessageSize != 1000 {
		t.Errorf("max_message_size = %d, should not be overridden", result.Limits.MaxMessageSize)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SMTPTEST_HOSTNAME", "env.test")
	t.Setenv("SMTPTEST_PORT", "2526")
	t.Setenv("SMTPTEST_MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("SMTPTEST_REDIS_ADDRESS", "redis:6379")
	t.Setenv("SMTPTEST_MAILDIR", "/var/mail/test")
	t.Setenv("SMTPTEST_OAUTH_JWKS_URL", "https://issuer.example.com/jwks")

	cfg := ApplyEnv(Default())

	if cfg.Hostname != "env.test" {
		t.Errorf("hostname = %q, want env.test", cfg.Hostname)
	}
	if cfg.Listen.Port != 2526 {
		t.Errorf("port = %d, want 2526", cfg.Listen.Port)
	}
	if cfg.Limits.MaxMessageSize != 0 {
		t.Errorf("malformed size should be ignored, got %d", cfg.Limits.MaxMessageSize)
	}
	if cfg.Auth.Redis.Address != "redis:6379" {
		t.Errorf("redis address = %q", cfg.Auth.Redis.Address)
	}
	if cfg.Maildir != "/var/mail/test" {
		t.Errorf("maildir = %q", cfg.Maildir)
	}
	if cfg.Auth.OAuth.JWKSURL != "https://issuer.example.com/jwks" {
		t.Errorf("jwks url = %q", cfg.Auth.OAuth.JWKSURL)
	}
}

func TestFlagPriorityOverEnvAndFile(t *testing.T) {
	content := `
[smtptest]
hostname = "file.test"
log_level = "warn"
`
	path := createTempConfig(t, "smtptest.toml", content)
	t.Setenv("SMTPTEST_HOSTNAME", "env.test")

	f, err := ParseFlags([]string{"-config", path, "-hostname", "flag.test"})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	cfg, err := LoadWithFlags(f)
	if err != nil {
		t.Fatalf("LoadWithFlags() error = %v", err)
	}

	if cfg.Hostname != "flag.test" {
		t.Errorf("hostname = %q, want flag.test", cfg.Hostname)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want warn from file", cfg.LogLevel)
	}
}
