package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the configuration for the metrics server.
type Config struct {
	Enabled bool
	Address string
	Path    string
}

// NoopServer is a Server that serves nothing.
type NoopServer struct{}

// Start is a no-op that returns immediately.
func (n *NoopServer) Start(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op that returns immediately.
func (n *NoopServer) Shutdown(ctx context.Context) error {
	return nil
}

// New returns a Prometheus collector and HTTP server when cfg.Enabled is set,
// registering the collector with reg. Otherwise it returns no-op
// implementations.
func New(cfg Config, reg prometheus.Registerer) (Collector, Server) {
	if !cfg.Enabled {
		return &NoopCollector{}, &NoopServer{}
	}
	return NewPrometheusCollector(reg), NewPrometheusServer(cfg.Address, cfg.Path)
}
