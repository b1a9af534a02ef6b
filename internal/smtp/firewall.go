package smtp

import (
	"io"
	"net"
)

// Firewall is consulted at four points of a connection. Every predicate
// defaults to allow in the provided implementations.
type Firewall interface {
	// Accept is called before any SMTP exchange. Returning false closes
	// the connection without a reply.
	Accept(remote net.Addr) bool
	// AllowFrom vets the MAIL FROM address.
	AllowFrom(from string) bool
	// AllowRecipient vets each RCPT TO address.
	AllowRecipient(recipient string) bool
	// AllowMessage vets the reassembled message body.
	AllowMessage(raw []byte) bool
}

// InputWrapper is implemented by firewalls that want to filter the raw
// input stream of each connection. WrapInput is called again with the new
// stream after a STARTTLS upgrade.
type InputWrapper interface {
	WrapInput(r io.Reader) io.Reader
}

// AllowAll is a Firewall that permits everything.
type AllowAll struct{}

func (AllowAll) Accept(net.Addr) bool       { return true }
func (AllowAll) AllowFrom(string) bool      { return true }
func (AllowAll) AllowRecipient(string) bool { return true }
func (AllowAll) AllowMessage([]byte) bool   { return true }

// FirewallFuncs adapts optional functions to a Firewall. Nil fields allow.
type FirewallFuncs struct {
	AcceptFunc    func(remote net.Addr) bool
	FromFunc      func(from string) bool
	RecipientFunc func(recipient string) bool
	MessageFunc   func(raw []byte) bool
	WrapFunc      func(r io.Reader) io.Reader
}

// Accept implements Firewall.
func (f FirewallFuncs) Accept(remote net.Addr) bool {
	return f.AcceptFunc == nil || f.AcceptFunc(remote)
}

// AllowFrom implements Firewall.
func (f FirewallFuncs) AllowFrom(from string) bool {
	return f.FromFunc == nil || f.FromFunc(from)
}

// AllowRecipient implements Firewall.
func (f FirewallFuncs) AllowRecipient(recipient string) bool {
	return f.RecipientFunc == nil || f.RecipientFunc(recipient)
}

// AllowMessage implements Firewall.
func (f FirewallFuncs) AllowMessage(raw []byte) bool {
	return f.MessageFunc == nil || f.MessageFunc(raw)
}

// WrapInput implements InputWrapper.
func (f FirewallFuncs) WrapInput(r io.Reader) io.Reader {
	if f.WrapFunc == nil {
		return r
	}
	return f.WrapFunc(r)
}
