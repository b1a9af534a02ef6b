package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/infodancer/smtptest/internal/logging"
	"github.com/infodancer/smtptest/internal/metrics"
)

// ErrNoFreePort is returned when port discovery finds nothing to bind.
var ErrNoFreePort = errors.New("no free port found")

// Port discovery tries the SMTP port first and then scans upward from
// firstDynamicPort.
const (
	smtpPort         = 25
	firstDynamicPort = 1024
	lastPort         = 65535
)

// ConnectionHandler is called for each accepted connection on its own
// goroutine. The dispatcher closes conn when the handler returns.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Dispatcher owns a listening socket, accepts connections and runs a
// handler per connection.
type Dispatcher struct {
	host      string
	port      int
	mode      string
	connCfg   ConnectionConfig
	handler   ConnectionHandler
	accept    func(net.Addr) bool
	collector metrics.Collector
	logger    *slog.Logger
	tracker   *Tracker

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	closed   bool
}

// DispatcherConfig holds configuration for creating a new Dispatcher.
type DispatcherConfig struct {
	Host string
	// Port 0 asks for discovery.
	Port int
	// Mode labels the dispatcher in logs ("smtp" or "smtps").
	Mode           string
	ReadTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
	// Accept is consulted before a connection is handed to the handler.
	// Refused connections are closed without a reply.
	Accept    func(remote net.Addr) bool
	Collector metrics.Collector
}

// NewDispatcher creates a new Dispatcher with the given configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	mode := cfg.Mode
	if mode == "" {
		mode = "smtp"
	}

	return &Dispatcher{
		host: cfg.Host,
		port: cfg.Port,
		mode: mode,
		connCfg: ConnectionConfig{
			ReadTimeout:    cfg.ReadTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		handler:   cfg.Handler,
		accept:    cfg.Accept,
		collector: collector,
		logger:    logger,
		tracker:   NewTracker(),
	}
}

// Start binds the listening socket and begins accepting connections in the
// background. Connections are served until Close is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("dispatcher closed")
	}
	if d.started {
		return errors.New("dispatcher already started")
	}

	ln, err := bind(d.host, d.port)
	if err != nil {
		return err
	}
	d.listener = ln
	d.started = true
	d.logger = logging.WithDispatcher(d.logger, ln.Addr().String(), d.mode)

	ctx, d.cancel = context.WithCancel(ctx)

	d.logger.Info("dispatcher started")

	d.wg.Add(1)
	go d.acceptLoop(ctx, ln)
	return nil
}

// Run starts the dispatcher and blocks until ctx is cancelled, then shuts
// it down.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Close()
}

// bind listens on host:port, or discovers a free port when port is 0.
func bind(host string, port int) (net.Listener, error) {
	if port != 0 {
		return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}

	if ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(smtpPort))); err == nil {
		return ln, nil
	}
	for p := firstDynamicPort; p <= lastPort; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("%w on %s", ErrNoFreePort, host)
}

// acceptLoop accepts connections until the listener is closed.
func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	defer d.wg.Done()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if d.isClosed() {
				return
			}

			// Check if it's a temporary error
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				d.logger.Warn("temporary accept error",
					slog.String("error", err.Error()),
				)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			d.logger.Error("accept error",
				slog.String("error", err.Error()),
			)
			return
		}

		if d.accept != nil && !d.accept(netConn.RemoteAddr()) {
			d.logger.Debug("connection refused by firewall",
				slog.String("remote_addr", netConn.RemoteAddr().String()),
			)
			d.collector.ConnectionRefused()
			_ = netConn.Close()
			continue
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = netConn.Close()
			return
		}
		conn := NewConnection(netConn, d.connCfg)
		d.tracker.Register(conn)
		d.wg.Add(1)
		d.mu.Unlock()

		go d.handleConnection(ctx, conn)
	}
}

// handleConnection runs the handler and releases the connection.
func (d *Dispatcher) handleConnection(ctx context.Context, conn *Connection) {
	defer d.wg.Done()
	defer d.tracker.Unregister(conn)

	conn.Logger().Info("connection accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	connCtx = logging.NewContext(connCtx, conn.Logger())

	if d.handler != nil {
		d.handler(connCtx, conn)
	}

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

// Close stops accepting, force-closes every live connection and waits for
// the workers to finish. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ln := d.listener
	cancel := d.cancel
	d.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	d.tracker.CloseAll()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	if ln != nil {
		d.logger.Info("dispatcher stopped")
	}
	return err
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Addr returns the bound address, nil before Start.
func (d *Dispatcher) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// Port returns the bound port, 0 before Start.
func (d *Dispatcher) Port() int {
	if addr, ok := d.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ActiveConnections returns the number of connections being served.
func (d *Dispatcher) ActiveConnections() int {
	return d.tracker.Len()
}
