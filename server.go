// Package smtptest runs a real SMTP server inside a test process. Clients
// talk to it over TCP exactly as they would to a production MTA; every
// accepted message is queued for the test to inspect.
//
//	srv, err := smtptest.New(smtptest.Options{})
//	...
//	if err := srv.Start(ctx); err != nil { ... }
//	defer srv.Close()
//	// point the code under test at srv.Addr()
//	msgs := srv.ReceivedMessages()
package smtptest

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/infodancer/smtptest/internal/credentials"
	"github.com/infodancer/smtptest/internal/logging"
	"github.com/infodancer/smtptest/internal/mailbox"
	"github.com/infodancer/smtptest/internal/metrics"
	"github.com/infodancer/smtptest/internal/server"
	"github.com/infodancer/smtptest/internal/smtp"
)

// Re-exported engine types.
type (
	Message       = smtp.Message
	Exchange      = smtp.Exchange
	Attachment    = smtp.Attachment
	Firewall      = smtp.Firewall
	InputWrapper  = smtp.InputWrapper
	FirewallFuncs = smtp.FirewallFuncs
	AllowAll      = smtp.AllowAll
	TLSProvider   = smtp.TLSProvider
	StaticTLS     = smtp.StaticTLS
	FileTLS       = smtp.FileTLS
	// CredentialStore resolves usernames to passwords for AUTH.
	CredentialStore = credentials.Store
	// TokenVerifier validates XOAUTH2 bearer tokens.
	TokenVerifier   = smtp.TokenVerifier
	Collector       = metrics.Collector
)

// SASL mechanisms understood by the server.
const (
	MechPlain   = smtp.MechPlain
	MechLogin   = smtp.MechLogin
	MechCRAMMD5 = smtp.MechCRAMMD5
	MechXOAuth2 = smtp.MechXOAuth2
)

// ReceivedMessagesWait is how long ReceivedMessages waits when nothing has
// arrived yet.
const ReceivedMessagesWait = 200 * time.Millisecond

// DefaultReadTimeout bounds every blocking read when Options.ReadTimeout is
// zero.
const DefaultReadTimeout = time.Minute

var (
	// ErrServerStarted is returned by Start on a running server.
	ErrServerStarted = errors.New("smtptest: server already started")
)

// Options configures a Server. The zero value is a plain SMTP server on
// 127.0.0.1 with a discovered port, no TLS and no authentication.
type Options struct {
	// Host is the bind address. Default 127.0.0.1.
	Host string
	// Port 0 tries 25 and then scans upward from 1024.
	Port int
	// Hostname names the server in EHLO replies and CRAM-MD5 challenges.
	Hostname string
	// Banner is the text of the 220 greeting.
	Banner string
	// MaxMessageSize caps the bytes read per connection; 0 is unlimited.
	MaxMessageSize int64
	// ReadTimeout bounds each blocking read. Negative disables it.
	ReadTimeout time.Duration

	StartTLS   bool
	RequireTLS bool
	// Secure enables implicit TLS (SMTPS).
	Secure bool
	TLS    TLSProvider

	// AuthMechanisms turns on mandatory authentication.
	AuthMechanisms []string
	// Users seeds the in-memory credential store that AddUser extends. It
	// is consulted before Credentials.
	Users          map[string]string
	Credentials    CredentialStore
	MaxAuthRetries int
	// TokenVerifier checks XOAUTH2 tokens. Without one the token is
	// compared against the user's password.
	TokenVerifier  TokenVerifier

	Firewall     Firewall
	EHLOGreeting func(client string) string

	// Trace receives "> line" and "< reply" for every exchange.
	Trace io.Writer
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
	// LogTransaction debug-logs raw socket traffic.
	LogTransaction bool
	Collector      Collector

	// Deliver is called for every message before it is queued. An error is
	// sent to the client as a 554 reply and the message is dropped.
	Deliver func(ctx context.Context, msg *Message) error
}

// Listener receives server lifecycle notifications. Nil fields are skipped.
type Listener struct {
	OnStart   func(s *Server)
	OnClose   func(s *Server)
	OnMessage func(s *Server, msg *Message)
}

// Server is an embeddable SMTP server.
type Server struct {
	opts       Options
	logger     *slog.Logger
	engine     *smtp.Engine
	dcfg       server.DispatcherConfig
	dispatcher *server.Dispatcher
	lastPort   int
	mailbox    *mailbox.Mailbox
	users      *credentials.MapStore

	mu        sync.Mutex
	listeners []*Listener
	started   bool
	closed    bool
}

// New validates opts and builds a stopped Server.
func New(opts Options) (*Server, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	} else if opts.ReadTimeout < 0 {
		opts.ReadTimeout = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		opts:    opts,
		logger:  logger,
		mailbox: mailbox.New(),
	}

	s.users = credentials.NewMapStore(opts.Users)
	var store credentials.Store = s.users
	if opts.Credentials != nil {
		store = credentials.Chain{s.users, opts.Credentials}
	}

	engine, err := smtp.NewEngine(smtp.EngineConfig{
		Hostname:       opts.Hostname,
		Banner:         opts.Banner,
		MaxMessageSize: opts.MaxMessageSize,
		StartTLS:       opts.StartTLS,
		RequireTLS:     opts.RequireTLS,
		Secure:         opts.Secure,
		TLS:            opts.TLS,
		AuthMechanisms: opts.AuthMechanisms,
		Credentials:    store,
		MaxAuthRetries: opts.MaxAuthRetries,
		TokenVerifier:  opts.TokenVerifier,
		Firewall:       opts.Firewall,
		EHLOGreeting:   opts.EHLOGreeting,
		Sink:           s.deliver,
		Trace:          logging.NewTrace(opts.Trace),
		Collector:      opts.Collector,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine

	mode := "smtp"
	if opts.Secure {
		mode = "smtps"
	}
	dcfg := server.DispatcherConfig{
		Host:           opts.Host,
		Port:           opts.Port,
		Mode:           mode,
		ReadTimeout:    opts.ReadTimeout,
		LogTransaction: opts.LogTransaction,
		Logger:         logger,
		Handler:        engine.Handler(),
		Collector:      opts.Collector,
	}
	if opts.Firewall != nil {
		dcfg.Accept = opts.Firewall.Accept
	}
	s.dcfg = dcfg
	s.dispatcher = server.NewDispatcher(dcfg)
	return s, nil
}

// AddListener registers l for lifecycle notifications.
func (s *Server) AddListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l and reports whether it was registered.
func (s *Server) RemoveListener(l *Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.listeners, l)
	if i < 0 {
		return false
	}
	s.listeners = slices.Delete(s.listeners, i, i+1)
	return true
}

func (s *Server) snapshotListeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listeners)
}

// Start binds the listening socket and begins serving in the background.
// A closed server can be started again; it rebinds the port it had before.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started && !s.closed {
		s.mu.Unlock()
		return ErrServerStarted
	}
	if s.closed {
		cfg := s.dcfg
		if s.lastPort != 0 {
			cfg.Port = s.lastPort
		}
		s.dispatcher = server.NewDispatcher(cfg)
		s.closed = false
		s.started = false
	}
	s.mailbox.Start()
	if err := s.dispatcher.Start(ctx); err != nil {
		s.mailbox.Stop()
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("smtptest server started", slog.String("address", s.Addr().String()))
	for _, l := range s.snapshotListeners() {
		if l.OnStart != nil {
			l.OnStart(s)
		}
	}
	return nil
}

// Close stops the server, force-closing live connections, and releases
// every reader blocked on the mailbox. Queued messages stay unread.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasStarted := s.started
	d := s.dispatcher
	if port := d.Port(); port != 0 {
		s.lastPort = port
	}
	s.mu.Unlock()

	err := d.Close()
	s.mailbox.Stop()

	if wasStarted {
		for _, l := range s.snapshotListeners() {
			if l.OnClose != nil {
				l.OnClose(s)
			}
		}
	}
	return err
}

// Running reports whether the server was started and not closed.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.currentDispatcher().Addr()
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int {
	return s.currentDispatcher().Port()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return s.currentDispatcher().ActiveConnections()
}

func (s *Server) currentDispatcher() *server.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher
}

// Mechanisms returns the advertised SASL mechanisms.
func (s *Server) Mechanisms() []string {
	return s.engine.Mechanisms()
}

// AddUser adds or replaces an account in the in-memory store. It may be
// called while the server is running.
func (s *Server) AddUser(username, password string) {
	s.users.Add(username, password)
}

// ReceivedMessages returns and removes every queued message, waiting up to
// ReceivedMessagesWait if none has arrived yet.
func (s *Server) ReceivedMessages() []*Message {
	return s.mailbox.Drain(ReceivedMessagesWait)
}

// ReadMessages returns and removes every queued message. When the queue is
// empty and maxWait >= 0 it waits up to maxWait once.
func (s *Server) ReadMessages(maxWait time.Duration) []*Message {
	return s.mailbox.Drain(maxWait)
}

// Messages returns an iterator that yields messages as they arrive until
// the server closes or ctx ends.
func (s *Server) Messages(ctx context.Context) iter.Seq[*Message] {
	return s.mailbox.Messages(ctx)
}

func (s *Server) deliver(ctx context.Context, msg *Message) error {
	if s.opts.Deliver != nil {
		if err := s.opts.Deliver(ctx, msg); err != nil {
			return err
		}
	}
	s.mailbox.Deliver(msg)
	for _, l := range s.snapshotListeners() {
		if l.OnMessage != nil {
			l.OnMessage(s, msg)
		}
	}
	return nil
}
