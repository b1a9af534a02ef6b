package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/smtptest/internal/logging"
)

// ErrConnectionClosed is returned by Upgrade on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Connection wraps a net.Conn with read deadlines, optional transaction
// logging and in-place TLS upgrade. Its identity survives an upgrade, so the
// Tracker never needs to know about STARTTLS.
type Connection struct {
	logger      *slog.Logger
	readTimeout time.Duration
	logTx       bool

	mu     sync.Mutex
	conn   net.Conn
	input  io.Reader
	writer *bufio.Writer
	closed bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	ReadTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		logger:      logging.WithConnection(logger, conn.RemoteAddr().String()),
		readTimeout: cfg.ReadTimeout,
		logTx:       cfg.LogTransaction,
	}
	c.bind(conn)
	return c
}

// bind points the reader and writer at conn. Callers hold mu or own c
// exclusively.
func (c *Connection) bind(conn net.Conn) {
	var r io.Reader = conn
	var w io.Writer = conn

	if c.logTx {
		r = logging.NewTransactionReader(conn, c.logger, "recv")
		w = logging.NewTransactionWriter(conn, c.logger, "send")
	}

	c.conn = conn
	c.input = r
	c.writer = bufio.NewWriter(w)
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.current().RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.current().LocalAddr()
}

// Input returns the unbuffered input stream. Callers layer their own
// buffering on top and must fetch Input again after Upgrade.
func (c *Connection) Input() io.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.Writer().Flush()
}

// ExtendReadDeadline arms the read timeout for the next read. A zero
// timeout leaves reads unbounded.
func (c *Connection) ExtendReadDeadline() error {
	if c.readTimeout <= 0 {
		return nil
	}
	return c.current().SetReadDeadline(time.Now().Add(c.readTimeout))
}

// Upgrade performs a server-side TLS handshake over the current stream and
// re-binds the reader and writer to the encrypted connection.
func (c *Connection) Upgrade(ctx context.Context, cfg *tls.Config) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	tlsConn := tls.Server(c.conn, cfg)
	c.conn = tlsConn
	c.mu.Unlock()

	if err := c.ExtendReadDeadline(); err != nil {
		return err
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bind(tlsConn)
	c.logger.Debug("connection upgraded to TLS",
		slog.String("version", tls.VersionName(tlsConn.ConnectionState().Version)),
	)
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Underlying returns the current net.Conn, a *tls.Conn after an upgrade.
// Use with caution; prefer the Connection methods.
func (c *Connection) Underlying() net.Conn {
	return c.current()
}

// IsTLS returns true if the connection is encrypted with TLS.
func (c *Connection) IsTLS() bool {
	_, ok := c.current().(*tls.Conn)
	return ok
}

func (c *Connection) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
