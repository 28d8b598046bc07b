// Package main is the entry point for the Ripple SMTP ingestion server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/shineum/ripple-mail/internal/address"
	"github.com/shineum/ripple-mail/internal/config"
	"github.com/shineum/ripple-mail/internal/delivery"
	"github.com/shineum/ripple-mail/internal/email"
	"github.com/shineum/ripple-mail/internal/maildir"
	"github.com/shineum/ripple-mail/internal/notify"
	"github.com/shineum/ripple-mail/internal/smtp"
	"github.com/shineum/ripple-mail/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	addUser := flag.String("add-user", "", "provision a local account for this address and exit")
	userName := flag.String("name", "", "display name for -add-user")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	validator, err := address.NewValidator(cfg.Address.Separator)
	if err != nil {
		logger.Error("invalid address separator", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(context.Background()); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed", "driver", cfg.Database.Driver)

	if *addUser != "" {
		if err := provision(context.Background(), db, validator, *addUser, *userName); err != nil {
			logger.Error("failed to create account", "address", *addUser, "error", err)
			os.Exit(1)
		}
		logger.Info("account created", "address", *addUser)
		return
	}

	mailboxes, err := maildir.New(cfg.Storage.Maildir)
	if err != nil {
		logger.Error("failed to open maildir", "error", err)
		os.Exit(1)
	}
	attachments, err := delivery.NewAttachmentStore(cfg.Storage.Attachments)
	if err != nil {
		logger.Error("failed to open attachment store", "error", err)
		os.Exit(1)
	}

	// Event trail on stdout. Embedders that serve a realtime layer add a
	// notify.Hub alongside it with notify.Notifiers.
	events := notify.NewWriter()
	pipeline := delivery.New(delivery.Deps{
		DB:             db,
		Maildir:        mailboxes,
		Attachments:    attachments,
		Notifier:       events,
		Auditor:        events,
		Logger:         logger.With("component", "delivery"),
		Domain:         cfg.SMTP.Hostname,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	// Create SMTP server
	server, err := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Banner:         cfg.SMTP.Banner,
		Deliverer:      pipeline,
		Validator:      validator,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
		Logger:         logger.With("component", "smtp"),
	})
	if err != nil {
		logger.Error("failed to create SMTP server", "error", err)
		os.Exit(1)
	}

	logger.Info("starting ripple-smtpd",
		"listen", cfg.SMTP.Listen,
		"maildir", cfg.Storage.Maildir,
		"separator", cfg.Address.Separator,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("ripple-smtpd stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// provision creates an account with its system mailboxes. The Maildir
// directory is named after the local part.
func provision(ctx context.Context, db *store.DB, v *address.Validator, addr, name string) error {
	normalized, ok := v.Validate(addr)
	if !ok {
		return fmt.Errorf("%w: %q", address.ErrInvalidAddress, addr)
	}
	local, _ := v.Split(normalized)
	if name == "" {
		name = local
	}
	return db.CreateUser(ctx, &email.User{Username: local, Address: normalized, Name: name})
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
