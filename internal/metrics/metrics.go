// Package metrics records counters for the test SMTP server. The Collector
// interface is what the engine and dispatcher call; Server exposes the
// collected values over HTTP.
package metrics

import (
	"context"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Collector defines the metrics recorded by the dispatcher and engine.
type Collector interface {
	// Connection metrics, recorded before any SMTP exchange.
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRefused()
	TLSConnectionEstablished()

	// CommandProcessed counts parsed commands by verb.
	CommandProcessed(command string)

	// AuthAttempt counts SASL exchanges by mechanism.
	AuthAttempt(mechanism string, success bool)

	// Message metrics, labelled by the first recipient's registrable domain.
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// PolicyRejection counts firewall vetoes by stage
	// ("from", "recipient", "message").
	PolicyRejection(stage string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}

// RecipientDomain reduces an address to its registrable domain so label
// cardinality stays bounded ("a@mx1.mail.example.co.uk" -> "example.co.uk").
// Addresses without a domain map to "unknown".
func RecipientDomain(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 || idx == len(address)-1 {
		return "unknown"
	}
	domain := strings.ToLower(strings.TrimSuffix(address[idx+1:], "."))
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		return etld1
	}
	return domain
}

// FirstRecipientDomain returns RecipientDomain of the first recipient.
func FirstRecipientDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}
	return RecipientDomain(recipients[0])
}
