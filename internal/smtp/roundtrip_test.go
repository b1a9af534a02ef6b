package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infodancer/smtptest/internal/logging"
	"github.com/infodancer/smtptest/internal/server"
)

// generateTestTLS generates a self-signed ECDSA certificate for testing.
// Returns server and client TLS configs.
func generateTestTLS(t *testing.T) (serverCfg, clientCfg *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test.local"},
		DNSNames:     []string{"test.local", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	serverCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg = &tls.Config{RootCAs: pool, ServerName: "test.local"}
	return
}

// testEnv is an engine behind a real dispatcher on 127.0.0.1.
type testEnv struct {
	addr string

	mu       sync.Mutex
	messages []*Message
}

func (env *testEnv) deliver(_ context.Context, msg *Message) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.messages = append(env.messages, msg)
	return nil
}

func (env *testEnv) received() []*Message {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]*Message(nil), env.messages...)
}

// newTestEnv starts an engine with cfg. A nil cfg.Sink collects messages
// into the env.
func newTestEnv(t *testing.T, cfg EngineConfig) *testEnv {
	t.Helper()

	env := &testEnv{}
	if cfg.Hostname == "" {
		cfg.Hostname = "test.local"
	}
	if cfg.Sink == nil {
		cfg.Sink = env.deliver
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Pre-allocate a port. There is a small TOCTOU window but this is
	// acceptable in test environments.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	dcfg := server.DispatcherConfig{
		Host:        "127.0.0.1",
		Port:        port,
		ReadTimeout: 5 * time.Second,
		Logger:      logging.Discard(),
		Handler:     engine.Handler(),
	}
	if cfg.Firewall != nil {
		dcfg.Accept = cfg.Firewall.Accept
	}
	d := server.NewDispatcher(dcfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	env.addr = d.Addr().String()
	return env
}

// smtpClient is a thin raw-TCP SMTP driver for integration tests.
type smtpClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialSMTP(t *testing.T, addr string) *smtpClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return &smtpClient{conn: conn, r: bufio.NewReader(conn)}
}

// readResponse reads a potentially multi-line SMTP response and returns
// the numeric code and the message lines joined with "\n".
func (c *smtpClient) readResponse(t *testing.T) (int, string) {
	t.Helper()
	code, msg, err := c.tryReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return code, msg
}

func (c *smtpClient) tryReadResponse() (int, string, error) {
	var code int
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return 0, "", fmt.Errorf("response too short: %q", line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, "", fmt.Errorf("parse response code from %q: %w", line, err)
		}
		code = n
		if len(line) > 4 {
			lines = append(lines, line[4:])
		}
		// A space after the code means this is the final line.
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}
	return code, strings.Join(lines, "\n"), nil
}

func (c *smtpClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

// mustCode sends cmd and asserts the response code. Returns the response text.
// Pass cmd="" to just read a response without sending (e.g. for the greeting).
func (c *smtpClient) mustCode(t *testing.T, cmd string, wantCode int) string {
	t.Helper()
	if cmd != "" {
		c.send(t, cmd)
	}
	code, msg := c.readResponse(t)
	if code != wantCode {
		t.Fatalf("%q → expected %d, got %d (%s)", cmd, wantCode, code, msg)
	}
	return msg
}

func (c *smtpClient) Greeting(t *testing.T) string {
	return c.mustCode(t, "", 220)
}

func (c *smtpClient) Ehlo(t *testing.T) string {
	return c.mustCode(t, "EHLO me", 250)
}

func (c *smtpClient) Quit(t *testing.T) {
	c.mustCode(t, "QUIT", 221)
	c.conn.Close()
}

// StartTLS sends STARTTLS and upgrades the connection to TLS.
// Re-issues EHLO after the upgrade and returns its text.
func (c *smtpClient) StartTLS(t *testing.T, cfg *tls.Config) string {
	t.Helper()
	c.mustCode(t, "STARTTLS", 220)
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	return c.Ehlo(t)
}

// Data sends DATA, the body lines and the terminating dot, and returns the
// final reply.
func (c *smtpClient) Data(t *testing.T, body string) (int, string) {
	t.Helper()
	c.mustCode(t, "DATA", 354)
	if _, err := fmt.Fprintf(c.conn, "%s\r\n.\r\n", body); err != nil {
		t.Fatalf("write DATA body: %v", err)
	}
	return c.readResponse(t)
}

// SendMessage executes a full MAIL FROM / RCPT TO / DATA transaction.
func (c *smtpClient) SendMessage(t *testing.T, from, to, body string) {
	t.Helper()
	c.mustCode(t, fmt.Sprintf("MAIL FROM:<%s>", from), 250)
	c.mustCode(t, fmt.Sprintf("RCPT TO:<%s>", to), 250)
	if code, resp := c.Data(t, body); code != 250 {
		t.Fatalf("DATA end: expected 250, got %d (%s)", code, resp)
	}
}

// expectClosed asserts that the server closes the connection without
// sending anything further.
func (c *smtpClient) expectClosed(t *testing.T) {
	t.Helper()
	if code, msg, err := c.tryReadResponse(); err == nil {
		t.Fatalf("expected closed connection, got %d %s", code, msg)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
