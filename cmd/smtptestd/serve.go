package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infodancer/smtptest"
	"github.com/infodancer/smtptest/internal/config"
	"github.com/infodancer/smtptest/internal/credentials"
	"github.com/infodancer/smtptest/internal/logging"
	"github.com/infodancer/smtptest/internal/metrics"
	"github.com/infodancer/smtptest/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
)

func loadConfig(args []string) config.Config {
	flags, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runCheckConfig(args []string) {
	cfg := loadConfig(args)
	fmt.Printf("configuration ok: %s on %s:%d (%s)\n", cfg.Hostname, cfg.Listen.Address, cfg.Listen.Port, cfg.Listen.Mode)
}

func runServe(args []string) {
	cfg := loadConfig(args)
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	}, prometheus.DefaultRegisterer)
	go func() {
		if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	opts, closeStores, err := serverOptions(ctx, cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring server: %v\n", err)
		os.Exit(1)
	}
	defer closeStores()

	srv, err := smtptest.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}
	srv.AddListener(&smtptest.Listener{
		OnMessage: func(_ *smtptest.Server, msg *smtptest.Message) {
			logger.Info("message received",
				slog.String("id", msg.ID),
				slog.String("from", msg.From),
				slog.Any("recipients", msg.Recipients),
				slog.String("subject", msg.Subject()),
				slog.Int("size", len(msg.Raw)),
				slog.Bool("secure", msg.Secure),
			)
		},
	})

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("smtptestd listening",
		"hostname", cfg.Hostname,
		"address", srv.Addr().String(),
		"mode", string(cfg.Listen.Mode),
		"auth", srv.Mechanisms())

	// Messages are logged by the listener; keep the mailbox from growing.
	go func() {
		for range srv.Messages(ctx) {
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	if err := srv.Close(); err != nil {
		logger.Warn("error closing server", "error", err)
	}
}

// serverOptions translates the file configuration into server options. The
// returned function releases external credential stores. JWKS refreshes
// stop when ctx is done.
func serverOptions(ctx context.Context, cfg config.Config, logger *slog.Logger, collector metrics.Collector) (smtptest.Options, func(), error) {
	opts := smtptest.Options{
		Host:           cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		Hostname:       cfg.Hostname,
		Banner:         cfg.Banner,
		MaxMessageSize: cfg.Limits.MaxMessageSize,
		ReadTimeout:    cfg.Timeouts.ReadTimeout(),
		StartTLS:       cfg.TLS.StartTLS,
		RequireTLS:     cfg.TLS.RequireTLS,
		Secure:         cfg.Listen.Mode == config.ModeSmtps,
		AuthMechanisms: cfg.Auth.NormalizedMechanisms(),
		Users:          cfg.Auth.Users,
		Logger:         logger,
		LogTransaction: cfg.LogTransaction || cfg.LogLevel == "debug",
		Collector:      collector,
	}

	if retries := cfg.Auth.GetMaxRetries(); retries == 0 {
		opts.MaxAuthRetries = -1
	} else {
		opts.MaxAuthRetries = retries
	}

	if cfg.TLSNeeded() {
		opts.TLS = smtptest.FileTLS{
			CertFile:   cfg.TLS.CertFile,
			KeyFile:    cfg.TLS.KeyFile,
			MinVersion: cfg.TLS.MinTLSVersion(),
		}
	}

	closeStores := func() {}
	if cfg.Auth.Redis.Address != "" {
		store := credentials.NewRedisStore(credentials.RedisConfig{
			Address:  cfg.Auth.Redis.Address,
			Password: cfg.Auth.Redis.Password,
			DB:       cfg.Auth.Redis.DB,
			Key:      cfg.Auth.Redis.Key,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return opts, nil, fmt.Errorf("redis credential store: %w", err)
		}
		opts.Credentials = store
		closeStores = func() { _ = store.Close() }
	}

	if oc := cfg.Auth.OAuth; oc.JWKSURL != "" {
		verifier, err := oauth.NewJWTVerifier(ctx, oauth.JWTConfig{
			JWKSURL:        oc.JWKSURL,
			Issuer:         oc.Issuer,
			Audience:       oc.Audience,
			UsernameClaim:  oc.UsernameClaim,
			AllowedDomains: oc.AllowedDomains,
		})
		if err != nil {
			closeStores()
			return opts, nil, fmt.Errorf("oauth verifier: %w", err)
		}
		opts.TokenVerifier = verifier
	}

	if cfg.Maildir != "" {
		md, err := newMaildirSink(cfg.Maildir)
		if err != nil {
			closeStores()
			return opts, nil, err
		}
		opts.Deliver = md.Deliver
		logger.Info("storing messages in maildir", "path", cfg.Maildir)
	}

	return opts, closeStores, nil
}
