package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/ripple-mail/internal/address"
	"github.com/shineum/ripple-mail/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Defaults applied by New to zero ServerConfig fields.
const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultMaxMessageSize = 25 << 20
	DefaultMaxRecipients  = 100
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Banner follows the hostname in the 220 greeting.
	Banner string

	// Deliverer receives every completed DATA transaction.
	Deliverer Deliverer

	// Validator checks MAIL and RCPT addresses. Defaults to the "~" separator.
	Validator *address.Validator

	IdleTimeout    time.Duration
	MaxMessageSize int64
	MaxRecipients  int

	Logger *slog.Logger
}

// Server is an SMTP server that accepts connections and hands completed
// transactions to a Deliverer.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	listener net.Listener
	mu       sync.Mutex
	nextID   atomic.Uint64

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) (*Server, error) {
	if cfg.Deliverer == nil {
		return nil, errors.New("smtp: a Deliverer is required")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Banner == "" {
		cfg.Banner = "Ripple mail"
	}
	if cfg.Validator == nil {
		v, err := address.NewValidator(address.DefaultSeparator)
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting new connections, tells open sessions the
// service is closing and waits up to 30 seconds for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"separator", s.config.Validator.Separator(),
		"max_message_size", s.config.MaxMessageSize,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		metrics.Connections.Inc()
		metrics.ActiveConnections.Inc()
		id := s.nextID.Add(1)
		logger := s.logger.With("conn", id, "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer metrics.ActiveConnections.Dec()
			logger.Debug("connection opened")
			NewSession(conn, &s.config, logger).Handle(ctx)
			logger.Debug("connection closed")
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
