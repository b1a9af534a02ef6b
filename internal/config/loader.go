package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Address        string
	Port           int
	TLSCert        string
	TLSKey         string
	StartTLS       bool
	MaxMessageSize int64
	Mechanisms     string
	Users          []string
	Maildir        string
}

// ParseFlags parses args (without the program name) into a Flags struct.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("smtptestd", flag.ContinueOnError)

	fs.StringVar(&f.ConfigPath, "config", "./smtptest.toml", "Path to configuration file (.toml, .yaml or .yml)")
	fs.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.Address, "address", "", "Bind address")
	fs.IntVar(&f.Port, "port", -1, "Listen port (0 = discover a free port)")
	fs.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	fs.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	fs.BoolVar(&f.StartTLS, "starttls", false, "Advertise STARTTLS")
	fs.Int64Var(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	fs.StringVar(&f.Mechanisms, "auth", "", "Comma-separated SASL mechanisms to offer")
	fs.StringVar(&f.Maildir, "maildir", "", "Also store received messages in this Maildir")
	fs.Func("user", "Account as name:password (repeatable)", func(v string) error {
		if !strings.Contains(v, ":") {
			return fmt.Errorf("user %q: expected name:password", v)
		}
		f.Users = append(f.Users, v)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Load parses a configuration file and returns the Config. YAML is used for
// .yaml/.yml files and TOML for everything else. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fileConfig)
	default:
		err = toml.Unmarshal(data, &fileConfig)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig.Smtptest), nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Address != "" {
		cfg.Listen.Address = f.Address
	}

	if f.Port >= 0 {
		cfg.Listen.Port = f.Port
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.StartTLS {
		cfg.TLS.StartTLS = true
	}

	if f.MaxMessageSize > 0 {
		cfg.Limits.MaxMessageSize = f.MaxMessageSize
	}

	if f.Mechanisms != "" {
		cfg.Auth.Mechanisms = strings.Split(f.Mechanisms, ",")
	}

	if f.Maildir != "" {
		cfg.Maildir = f.Maildir
	}

	for _, u := range f.Users {
		name, password, _ := strings.Cut(u, ":")
		if cfg.Auth.Users == nil {
			cfg.Auth.Users = make(map[string]string)
		}
		cfg.Auth.Users[name] = password
	}

	return cfg
}

// LoadWithFlags loads the file named by the flags, applies environment
// overrides, then flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(ApplyEnv(cfg), f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.Banner != "" {
		dst.Banner = src.Banner
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.LogTransaction {
		dst.LogTransaction = true
	}

	if src.Maildir != "" {
		dst.Maildir = src.Maildir
	}

	if src.Listen.Address != "" {
		dst.Listen.Address = src.Listen.Address
	}

	if src.Listen.Port != 0 {
		dst.Listen.Port = src.Listen.Port
	}

	if src.Listen.Mode != "" {
		dst.Listen.Mode = src.Listen.Mode
	}

	if src.TLS.StartTLS {
		dst.TLS.StartTLS = true
	}

	if src.TLS.RequireTLS {
		dst.TLS.RequireTLS = true
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if len(src.Auth.Mechanisms) > 0 {
		dst.Auth.Mechanisms = src.Auth.Mechanisms
	}

	if src.Auth.MaxRetries != nil {
		dst.Auth.MaxRetries = src.Auth.MaxRetries
	}

	if len(src.Auth.Users) > 0 {
		dst.Auth.Users = src.Auth.Users
	}

	if src.Auth.Redis.Address != "" {
		dst.Auth.Redis = src.Auth.Redis
	}

	if src.Auth.OAuth.JWKSURL != "" {
		dst.Auth.OAuth = src.Auth.OAuth
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Timeouts.Read != "" {
		dst.Timeouts.Read = src.Timeouts.Read
	}

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
