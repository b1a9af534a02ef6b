package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNoopCollectorImplementsInterface(t *testing.T) {
	var _ Collector = &NoopCollector{}
}

func TestNoopServerImplementsInterface(t *testing.T) {
	var _ Server = &NoopServer{}
}

func TestNoopCollectorMethods(t *testing.T) {
	c := &NoopCollector{}

	// All methods should execute without panic
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.ConnectionRefused()
	c.TLSConnectionEstablished()
	c.CommandProcessed("EHLO")
	c.AuthAttempt("PLAIN", true)
	c.MessageReceived("example.com", 1024)
	c.MessageRejected("example.com", "policy")
	c.PolicyRejection("from")
}

func TestNoopServerStartShutdown(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantNoop   bool
		wantServer bool
	}{
		{
			name:     "disabled metrics",
			cfg:      Config{Enabled: false, Address: ":9100", Path: "/metrics"},
			wantNoop: true,
		},
		{
			name: "enabled metrics",
			cfg:  Config{Enabled: true, Address: "127.0.0.1:0", Path: "/metrics"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, server := New(tt.cfg, prometheus.NewRegistry())
			if collector == nil || server == nil {
				t.Fatal("New() returned nil collector or server")
			}

			_, isNoop := collector.(*NoopCollector)
			if isNoop != tt.wantNoop {
				t.Errorf("collector is noop = %v, want %v", isNoop, tt.wantNoop)
			}
			if !tt.wantNoop {
				if _, ok := server.(*PrometheusServer); !ok {
					t.Errorf("server = %T, want *PrometheusServer", server)
				}
			}

			collector.ConnectionOpened()
			collector.ConnectionClosed()
		})
	}
}

func TestRecipientDomain(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"a@example.com", "example.com"},
		{"a@MX1.Mail.Example.co.uk", "example.co.uk"},
		{"a@localhost", "localhost"},
		{"postmaster", "unknown"},
		{"a@", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := RecipientDomain(tt.address); got != tt.want {
				t.Errorf("RecipientDomain(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

func TestFirstRecipientDomain(t *testing.T) {
	if got := FirstRecipientDomain(nil); got != "unknown" {
		t.Errorf("FirstRecipientDomain(nil) = %q, want unknown", got)
	}
	if got := FirstRecipientDomain([]string{"b@smtp.example.org", "c@other.net"}); got != "example.org" {
		t.Errorf("FirstRecipientDomain() = %q, want example.org", got)
	}
}
