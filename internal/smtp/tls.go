package smtp

import (
	"crypto/tls"
	"fmt"
)

// TLSProvider supplies the server-side TLS configuration for STARTTLS and
// implicit TLS. It is consulted at every upgrade, so a provider that fails
// makes that upgrade fail.
type TLSProvider interface {
	ServerTLSConfig() (*tls.Config, error)
}

// StaticTLS is a TLSProvider returning a fixed configuration.
type StaticTLS struct {
	Config *tls.Config
}

// ServerTLSConfig implements TLSProvider.
func (s StaticTLS) ServerTLSConfig() (*tls.Config, error) {
	if s.Config == nil {
		return nil, ErrTLSUnavailable
	}
	return s.Config, nil
}

// TLSProviderFunc adapts a function to a TLSProvider.
type TLSProviderFunc func() (*tls.Config, error)

// ServerTLSConfig implements TLSProvider.
func (f TLSProviderFunc) ServerTLSConfig() (*tls.Config, error) {
	return f()
}

// FileTLS loads a PEM key pair from disk on every upgrade, so replaced
// certificates are picked up without a restart.
type FileTLS struct {
	CertFile   string
	KeyFile    string
	MinVersion uint16
}

// ServerTLSConfig implements TLSProvider.
func (f FileTLS) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	minVersion := f.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
