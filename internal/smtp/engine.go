package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/infodancer/smtptest/internal/credentials"
	"github.com/infodancer/smtptest/internal/logging"
	"github.com/infodancer/smtptest/internal/metrics"
	"github.com/infodancer/smtptest/internal/server"
)

// Sink receives every accepted message. A returned error is reported to the
// client as a 554 reply carrying the error text.
type Sink func(ctx context.Context, msg *Message) error

// EngineConfig configures the per-connection SMTP dialogue.
type EngineConfig struct {
	// Hostname appears in the default EHLO greeting and CRAM-MD5 challenges.
	Hostname string
	// Banner is the text of the 220 greeting.
	Banner string
	// MaxMessageSize caps the bytes read from one connection stream. Zero
	// disables the cap.
	MaxMessageSize int64

	// StartTLS advertises STARTTLS; RequireTLS refuses everything else
	// until it succeeded. Secure runs the handshake before the banner.
	StartTLS   bool
	RequireTLS bool
	Secure     bool
	TLS        TLSProvider

	// AuthMechanisms enables authentication. When non-empty, every
	// transaction command needs a successful AUTH first.
	AuthMechanisms []string
	Credentials    credentials.Store
	// TokenVerifier, when set, validates XOAUTH2 bearer tokens.
	TokenVerifier  TokenVerifier
	// MaxAuthRetries is the number of failed AUTH exchanges tolerated before
	// the connection is locked. Zero means DefaultMaxAuthRetries; a negative
	// value locks it on the first failure.
	MaxAuthRetries int

	Firewall Firewall
	// EHLOGreeting builds the first line of the EHLO reply from the client
	// name. The default is "<hostname> greets <client>".
	EHLOGreeting func(client string) string

	Sink      Sink
	Trace     *logging.Trace
	Collector metrics.Collector
}

// DefaultMaxAuthRetries is used when EngineConfig.MaxAuthRetries is zero.
const DefaultMaxAuthRetries = 3

// Engine drives SMTP sessions. One Engine serves any number of connections
// concurrently; per-connection state lives in the session.
type Engine struct {
	cfg        EngineConfig
	mechanisms []string
	firewall   Firewall
	collector  metrics.Collector
	sink       Sink
	maxRetries int
}

// NewEngine validates cfg and fills in defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Banner == "" {
		cfg.Banner = cfg.Hostname + " smtptest server ready"
	}
	if cfg.MaxMessageSize < 0 {
		return nil, errors.New("max message size must not be negative")
	}
	if (cfg.StartTLS || cfg.Secure) && cfg.TLS == nil {
		return nil, fmt.Errorf("%w: no TLS provider configured", ErrTLSUnavailable)
	}
	if cfg.RequireTLS && !cfg.StartTLS {
		return nil, errors.New("RequireTLS needs StartTLS")
	}

	e := &Engine{
		cfg:        cfg,
		firewall:   cfg.Firewall,
		collector:  cfg.Collector,
		sink:       cfg.Sink,
		maxRetries: cfg.MaxAuthRetries,
	}
	seen := make(map[string]bool)
	for _, m := range cfg.AuthMechanisms {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" || seen[m] {
			continue
		}
		if !SupportedMechanism(m) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, m)
		}
		seen[m] = true
		e.mechanisms = append(e.mechanisms, m)
	}
	if e.firewall == nil {
		e.firewall = AllowAll{}
	}
	if e.collector == nil {
		e.collector = &metrics.NoopCollector{}
	}
	if e.sink == nil {
		e.sink = func(context.Context, *Message) error { return nil }
	}
	switch {
	case e.maxRetries == 0:
		e.maxRetries = DefaultMaxAuthRetries
	case e.maxRetries < 0:
		e.maxRetries = 0
	}
	return e, nil
}

// Mechanisms returns the advertised SASL mechanisms.
func (e *Engine) Mechanisms() []string {
	return append([]string(nil), e.mechanisms...)
}

// Handler adapts the engine to a server.ConnectionHandler.
func (e *Engine) Handler() server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)
		if err := e.Serve(ctx, conn); err != nil {
			if conn.IsClosed() || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrUnexpectedEOF) {
				logger.Debug("session ended", slog.String("error", err.Error()))
				return
			}
			logger.Info("session aborted", slog.String("error", err.Error()))
		}
	}
}

// Serve runs one SMTP session on conn until QUIT, a fatal protocol error or
// an I/O failure. The caller closes conn.
func (e *Engine) Serve(ctx context.Context, conn *server.Connection) error {
	e.collector.ConnectionOpened()
	defer e.collector.ConnectionClosed()

	s := &session{
		engine: e,
		conn:   conn,
		ctx:    ctx,
		logger: logging.FromContext(ctx),
	}

	if e.cfg.Secure {
		tlsCfg, err := e.cfg.TLS.ServerTLSConfig()
		if err != nil {
			return fmt.Errorf("implicit TLS: %w", err)
		}
		if err := conn.Upgrade(ctx, tlsCfg); err != nil {
			return fmt.Errorf("implicit TLS handshake: %w", err)
		}
		e.collector.TLSConnectionEstablished()
		s.secure = true
	}

	s.bindInput()
	if err := s.reply(220, e.cfg.Banner); err != nil {
		return err
	}
	return s.run()
}

// session is the state of one connection. It is owned by a single
// goroutine.
type session struct {
	engine *Engine
	conn   *server.Connection
	ctx    context.Context
	logger *slog.Logger
	lines  *LineReader
	limit  *SizeLimitReader

	state   SessionState
	pending *Command

	received  []string
	exchanges []Exchange

	client        string
	secure        bool
	authenticated bool
	authFailures  int
	forbidden     bool

	from       string
	hasFrom    bool
	recipients []string
}

// bindInput rebuilds the input stack over the connection's current stream.
// The size limit starts from zero on every bind.
func (s *session) bindInput() {
	r := NewSizeLimitReader(s.conn.Input(), s.engine.cfg.MaxMessageSize)
	s.limit, _ = r.(*SizeLimitReader)
	if w, ok := s.engine.firewall.(InputWrapper); ok {
		r = w.WrapInput(r)
	}
	s.lines = NewLineReader(r)
}

func (s *session) run() error {
	s.state = StateEHLO
	for s.state != StateQuit {
		cmd, err := s.nextCommand()
		if err != nil {
			return err
		}
		s.engine.collector.CommandProcessed(cmd.Verb.String())

		if s.forbidden && !s.forbiddenExempt(cmd) {
			if err := s.reply(403, "Forbidden"); err != nil {
				return err
			}
			continue
		}

		switch s.state {
		case StateEHLO:
			err = s.handleGreeting(cmd)
		case StateStartTLS:
			err = s.handleStartTLSWait(cmd)
		case StateAuth:
			err = s.handleAuthWait(cmd)
		default:
			err = s.handleTransaction(cmd)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// forbiddenExempt lists what a forbidden connection may still do: QUIT,
// and DATA for a transaction that already holds an accepted recipient.
func (s *session) forbiddenExempt(cmd Command) bool {
	switch cmd.Verb {
	case VerbQUIT:
		return true
	case VerbDATA:
		return len(s.recipients) > 0
	}
	return false
}

func (s *session) nextCommand() (Command, error) {
	if s.pending != nil {
		cmd := *s.pending
		s.pending = nil
		return cmd, nil
	}
	line, err := s.readLine()
	if err != nil {
		return Command{}, err
	}
	return ParseCommand(line), nil
}

func (s *session) readLine() (string, error) {
	if err := s.conn.ExtendReadDeadline(); err != nil {
		return "", err
	}
	raw, err := s.lines.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrUnexpectedEOF
		}
		if errors.Is(err, ErrMessageTooLarge) && s.limit != nil {
			s.logger.Warn("size limit exceeded, closing connection",
				slog.Int64("bytes", s.limit.Count()),
				slog.Int64("limit", s.engine.cfg.MaxMessageSize),
			)
		}
		return "", err
	}
	line := string(raw)
	s.received = append(s.received, line)
	s.engine.cfg.Trace.Received(line)
	return line, nil
}

func (s *session) reply(code int, text string) error {
	return s.replyLines(code, text)
}

// replyLines writes a reply, using "code-text" for every line but the last,
// and records it as an Exchange.
func (s *session) replyLines(code int, lines ...string) error {
	var b strings.Builder
	for i, line := range lines {
		sep := " "
		if i < len(lines)-1 {
			sep = "-"
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", code, sep, line)
		s.engine.cfg.Trace.Replied(fmt.Sprintf("%d%s%s", code, sep, line))
	}
	wire := b.String()

	s.exchanges = append(s.exchanges, Exchange{
		Received: s.received,
		Reply:    strings.TrimSuffix(wire, "\r\n"),
	})
	s.received = nil

	w := s.conn.Writer()
	if _, err := w.WriteString(wire); err != nil {
		return err
	}
	return w.Flush()
}

func (s *session) handleGreeting(cmd Command) error {
	if cmd.Verb != VerbEHLO {
		if err := s.reply(503, "Bad sequence of commands"); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s before EHLO", ErrBadSequence, cmd.Verb)
	}
	if err := s.ehlo(cmd); err != nil {
		return err
	}
	s.state = s.afterGreeting()
	return nil
}

func (s *session) ehlo(cmd Command) error {
	s.client = cmd.Param
	s.resetTransaction()

	greeting := s.engine.cfg.Hostname + " greets " + s.client
	if s.engine.cfg.EHLOGreeting != nil {
		greeting = s.engine.cfg.EHLOGreeting(s.client)
	}
	lines := []string{greeting, "8BITMIME", "SMTPUTF8"}
	if s.engine.cfg.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", s.engine.cfg.MaxMessageSize))
	}
	if s.tlsAdvertised() {
		lines = append(lines, "STARTTLS")
	}
	if len(s.engine.mechanisms) > 0 {
		lines = append(lines, "AUTH "+strings.Join(s.engine.mechanisms, " "))
	}
	return s.replyLines(250, lines...)
}

func (s *session) tlsAdvertised() bool {
	return s.engine.cfg.StartTLS && !s.secure
}

func (s *session) afterGreeting() SessionState {
	if s.tlsAdvertised() {
		return StateStartTLS
	}
	return s.afterTLS()
}

func (s *session) afterTLS() SessionState {
	if len(s.engine.mechanisms) > 0 && !s.authenticated {
		return StateAuth
	}
	return StateMailFrom
}

func (s *session) handleStartTLSWait(cmd Command) error {
	switch cmd.Verb {
	case VerbSTARTTLS:
		return s.startTLS()
	case VerbQUIT:
		return s.quit()
	}
	if s.engine.cfg.RequireTLS {
		return s.reply(530, "Must issue a STARTTLS command first")
	}
	s.pending = &cmd
	s.state = s.afterTLS()
	return nil
}

func (s *session) startTLS() error {
	if !s.tlsAdvertised() {
		return s.reply(454, "TLS not available")
	}

	tlsCfg, err := s.engine.cfg.TLS.ServerTLSConfig()
	if err != nil {
		if replyErr := s.reply(554, "TLS Upgrade failed"); replyErr != nil {
			return replyErr
		}
		return fmt.Errorf("STARTTLS: %w", err)
	}
	if err := s.reply(220, "Go ahead"); err != nil {
		return err
	}
	if err := s.conn.Upgrade(s.ctx, tlsCfg); err != nil {
		return fmt.Errorf("STARTTLS handshake: %w", err)
	}
	s.engine.collector.TLSConnectionEstablished()
	s.logger.Debug("STARTTLS completed")

	// The client starts over with EHLO; no banner is sent.
	s.secure = true
	s.pending = nil
	s.resetTransaction()
	s.bindInput()
	s.state = StateEHLO
	return nil
}

func (s *session) handleAuthWait(cmd Command) error {
	switch cmd.Verb {
	case VerbAUTH:
		return s.authenticate(cmd)
	case VerbQUIT:
		return s.quit()
	}
	return s.reply(530, "Authentication needed")
}

func (s *session) authenticate(cmd Command) error {
	if s.authenticated {
		return s.reply(503, "Already authenticated")
	}
	mechanism, initial, hasInitial := strings.Cut(cmd.Param, " ")
	mechanism = strings.ToUpper(mechanism)
	if !s.offers(mechanism) {
		return s.reply(504, fmt.Sprintf("Authentication scheme %s not supported", mechanism))
	}
	flow, err := NewAuthFlow(mechanism, s.engine.cfg.Hostname, s.engine.cfg.Credentials, s.engine.cfg.TokenVerifier)
	if err != nil {
		return s.reply(504, fmt.Sprintf("Authentication scheme %s not supported", mechanism))
	}

	var response []byte
	if hasInitial {
		decoded, ok := decodeSASL(strings.TrimSpace(initial))
		if !ok {
			return s.authFailed(mechanism, 501, "Invalid base64 data")
		}
		response = decoded
	}

	for {
		challenge, status, err := flow.Next(s.ctx, response)
		if err != nil {
			s.logger.Warn("credential lookup failed",
				slog.String("mechanism", mechanism),
				slog.String("error", err.Error()),
			)
		}

		switch status {
		case AuthSucceeded:
			s.authenticated = true
			s.engine.collector.AuthAttempt(mechanism, true)
			s.logger.Debug("authenticated",
				slog.String("mechanism", mechanism),
				slog.String("username", flow.Username()),
			)
			if s.state == StateAuth {
				s.state = StateMailFrom
			}
			return s.reply(235, "Authentication succeeded")
		case AuthFailed:
			return s.authFailed(mechanism, 535, "Authentication failed")
		}

		if err := s.reply(334, encodeSASL(challenge)); err != nil {
			return err
		}
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "*" {
			return s.authFailed(mechanism, 501, "Authentication cancelled")
		}
		decoded, ok := decodeSASL(line)
		if !ok {
			return s.authFailed(mechanism, 501, "Invalid base64 data")
		}
		response = decoded
	}
}

// authFailed replies and counts the failure. Going past the retry ceiling
// locks the connection.
func (s *session) authFailed(mechanism string, code int, text string) error {
	s.authFailures++
	s.engine.collector.AuthAttempt(mechanism, false)
	if s.authFailures > s.engine.maxRetries {
		s.forbidden = true
		s.logger.Info("authentication retries exhausted",
			slog.Int("failures", s.authFailures),
		)
	}
	return s.reply(code, text)
}

func (s *session) offers(mechanism string) bool {
	for _, m := range s.engine.mechanisms {
		if m == mechanism {
			return true
		}
	}
	return false
}

func (s *session) handleTransaction(cmd Command) error {
	switch cmd.Verb {
	case VerbEHLO:
		if err := s.ehlo(cmd); err != nil {
			return err
		}
		s.state = StateMailFrom
		return nil
	case VerbMAIL:
		return s.mailFrom(cmd)
	case VerbRCPT:
		return s.rcptTo(cmd)
	case VerbDATA:
		return s.data()
	case VerbRSET:
		s.resetTransaction()
		s.state = StateMailFrom
		return s.reply(250, "OK")
	case VerbNOOP:
		return s.reply(250, "OK")
	case VerbEXPN, VerbVRFY, VerbHELP:
		return s.reply(502, "Not supported")
	case VerbAUTH:
		return s.authenticate(cmd)
	case VerbSTARTTLS:
		return s.startTLS()
	case VerbQUIT:
		return s.quit()
	default:
		return s.reply(500, "Unknown command")
	}
}

func (s *session) mailFrom(cmd Command) error {
	if s.hasFrom {
		return s.reply(503, "Sender already specified")
	}
	from := extractAddress(cmd.Param)
	if !s.engine.firewall.AllowFrom(from) {
		s.forbid("from")
		return s.reply(403, "Mail-From forbidden")
	}
	s.from = from
	s.hasFrom = true
	s.state = StateRecipient
	return s.reply(250, "OK")
}

func (s *session) rcptTo(cmd Command) error {
	if !s.hasFrom {
		return s.reply(503, "Bad sequence of commands")
	}
	recipient := extractAddress(cmd.Param)
	if !s.engine.firewall.AllowRecipient(recipient) {
		s.forbid("recipient")
		return s.reply(403, "Recipient forbidden")
	}
	s.recipients = append(s.recipients, recipient)
	return s.reply(250, "OK")
}

func (s *session) data() error {
	if len(s.recipients) == 0 {
		return s.reply(503, "Bad sequence of commands")
	}
	if err := s.reply(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	var body strings.Builder
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "." {
			break
		}
		body.WriteString(strings.TrimPrefix(line, "."))
		body.WriteString("\r\n")
	}
	raw := []byte(strings.TrimSuffix(body.String(), "\r\n"))
	domain := metrics.FirstRecipientDomain(s.recipients)

	defer func() {
		s.resetTransaction()
		s.state = StateMailFrom
	}()

	if !s.engine.firewall.AllowMessage(raw) {
		s.forbid("message")
		s.engine.collector.MessageRejected(domain, "policy")
		return s.reply(403, "Message forbidden")
	}

	msg := newMessage(s.from, s.recipients, raw, s.secure, s.exchanges)
	if err := s.engine.sink(s.ctx, msg); err != nil {
		s.logger.Debug("sink rejected message",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)
		s.engine.collector.MessageRejected(domain, "sink_error")
		return s.reply(554, err.Error())
	}
	s.engine.collector.MessageReceived(domain, int64(len(raw)))
	s.logger.Debug("message accepted",
		slog.String("id", msg.ID),
		slog.String("from", msg.From),
		slog.Int("recipients", len(msg.Recipients)),
		slog.Int("size", len(raw)),
	)
	return s.reply(250, "OK")
}

func (s *session) forbid(stage string) {
	s.forbidden = true
	s.engine.collector.PolicyRejection(stage)
}

func (s *session) quit() error {
	s.state = StateQuit
	return s.reply(221, "goodbye")
}

func (s *session) resetTransaction() {
	s.from = ""
	s.hasFrom = false
	s.recipients = nil
}
