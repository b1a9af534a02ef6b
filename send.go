package smtptest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// SendOptions controls how Send talks to a server.
type SendOptions struct {
	// Hello is the EHLO name. Default "localhost".
	Hello string
	// StartTLS upgrades the connection before authenticating. TLSConfig is
	// used for the upgrade, or for the whole connection when ImplicitTLS
	// is set.
	StartTLS    bool
	ImplicitTLS bool
	TLSConfig   *tls.Config

	// Mechanism selects the SASL mechanism: PLAIN, LOGIN or XOAUTH2, where
	// Password carries the bearer token. Authentication is skipped when
	// Username is empty.
	Mechanism string
	Username  string
	Password  string

	// Timeout bounds dialing and each command. Default 10s.
	Timeout time.Duration
}

// Send delivers one message to the SMTP server at addr: EHLO, optional
// STARTTLS, optional AUTH, MAIL/RCPT/DATA and QUIT. SMTP failures are
// returned as *smtp.SMTPError from github.com/emersion/go-smtp.
func Send(ctx context.Context, addr string, opts SendOptions, from string, to []string, body io.Reader) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Hello == "" {
		opts.Hello = "localhost"
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	var conn net.Conn
	var err error
	if opts.ImplicitTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: opts.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := newClient(conn, opts)
	if err != nil {
		return err
	}
	c.CommandTimeout = opts.Timeout
	c.SubmissionTimeout = opts.Timeout
	defer c.Close()

	if err := c.Hello(opts.Hello); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if opts.Username != "" {
		client, err := saslClient(opts)
		if err != nil {
			return err
		}
		if err := c.Auth(client); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}
	if err := c.SendMail(from, to, body); err != nil {
		return err
	}
	return c.Quit()
}

// newClient wraps conn, running STARTTLS first when asked. The upgrade
// happens before the client's timeouts are set, so it is bounded by a
// connection deadline instead.
func newClient(conn net.Conn, opts SendOptions) (*gosmtp.Client, error) {
	if !opts.StartTLS {
		return gosmtp.NewClient(conn), nil
	}
	_ = conn.SetDeadline(time.Now().Add(opts.Timeout))
	c, err := gosmtp.NewClientStartTLS(conn, opts.TLSConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("STARTTLS: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return c, nil
}

func saslClient(opts SendOptions) (sasl.Client, error) {
	switch strings.ToUpper(opts.Mechanism) {
	case "", MechPlain:
		return sasl.NewPlainClient("", opts.Username, opts.Password), nil
	case MechLogin:
		return sasl.NewLoginClient(opts.Username, opts.Password), nil
	case MechXOAuth2:
		return &xoauth2Client{username: opts.Username, token: opts.Password}, nil
	}
	return nil, fmt.Errorf("smtptest: Send does not support %s", opts.Mechanism)
}

// xoauth2Client sends Password as the bearer token.
type xoauth2Client struct {
	username string
	token    string
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"
	return MechXOAuth2, []byte(ir), nil
}

// Next answers an error challenge with an empty response so the server can
// send its final reply.
func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}

// Send delivers a message to s with opts. STARTTLS and implicit TLS follow
// the server's own configuration when opts leaves them unset.
func (s *Server) Send(ctx context.Context, opts SendOptions, from string, to []string, body io.Reader) error {
	addr := s.Addr()
	if addr == nil {
		return errors.New("smtptest: server not started")
	}
	if s.opts.Secure {
		opts.ImplicitTLS = true
	}
	if s.opts.RequireTLS {
		opts.StartTLS = true
	}
	return Send(ctx, addr.String(), opts, from, to, body)
}
