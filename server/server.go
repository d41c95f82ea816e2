// Package server accepts dserv client connections over TCP.
//
// Each connection runs a read loop that decodes the three framings and
// applies them to the broker. A connection that subscribes gets a second
// goroutine draining its notification queue onto the socket; both loops
// share one write lock so replies and notifications never interleave.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/dserv/broker"
	"github.com/c360/dserv/errors"
	"github.com/c360/dserv/health"
	"github.com/c360/dserv/metric"
	"github.com/c360/dserv/pkg/retry"
	"github.com/c360/dserv/wire"
)

// DefaultPort is the dserv TCP port.
const DefaultPort = 4620

// Version is reported by the %version command.
const Version = "3.0"

// Config holds listener settings.
type Config struct {
	Bind          string        `json:"bind" yaml:"bind"`
	Port          int           `json:"port" yaml:"port"`
	MaxLineLength int           `json:"max_line_length" yaml:"max_line_length"`
	QueueSize     int           `json:"queue_size" yaml:"queue_size"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	DialTimeout   time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	NoDelay       bool          `json:"no_delay" yaml:"no_delay"`
}

// DefaultConfig returns the stock listener settings.
func DefaultConfig() Config {
	return Config{
		Bind:          "0.0.0.0",
		Port:          DefaultPort,
		MaxLineLength: wire.DefaultMaxLineLength,
		QueueSize:     1024,
		WriteTimeout:  5 * time.Second,
		DialTimeout:   2 * time.Second,
		NoDelay:       true,
	}
}

// Validate checks the listener settings.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("check port %d", c.Port))
	}
	if c.MaxLineLength < 0 || c.QueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "check limits")
	}
	return nil
}

// Deps holds the server's runtime dependencies.
type Deps struct {
	Broker          *broker.Broker
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Server is the dserv TCP listener.
type Server struct {
	cfg         Config
	broker      *broker.Broker
	logger      *slog.Logger
	metrics     *Metrics
	senders     *SendTable
	retryConfig retry.Config

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	running   atomic.Bool
	startTime time.Time
	errors    atomic.Int64
	errMu     sync.Mutex
	lastErr   error
}

// New creates a server. It does not listen until Start.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Broker == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "New", "check broker dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxLineLength == 0 {
		cfg.MaxLineLength = wire.DefaultMaxLineLength
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "register metrics")
	}

	s := &Server{
		cfg:         cfg,
		broker:      deps.Broker,
		logger:      logger,
		metrics:     metrics,
		retryConfig: retry.DefaultConfig(),
		conns:       make(map[string]*conn),
	}
	s.senders = newSendTable(s)
	return s, nil
}

// Start binds the listener, retrying transient bind failures, and begins
// accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check state")
	}

	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	ln, err := retry.DoWithResult(ctx, s.retryConfig, func() (net.Listener, error) {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", addr)
	})
	if err != nil {
		s.recordError(err)
		return errors.WrapTransient(err, "Server", "Start", "bind "+addr)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.startTime = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	s.logger.Info("Listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || stderrors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.recordError(err)
			s.logger.Error("Accept failed", "error", err)
			return
		}

		if tc, ok := nc.(*net.TCPConn); ok && s.cfg.NoDelay {
			if err := tc.SetNoDelay(true); err != nil {
				s.logger.Warn("Could not set TCP_NODELAY", "error", err)
			}
		}

		c := newConn(s, nc, uuid.New().String())
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		s.metrics.connOpened()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve(ctx)
			s.mu.Lock()
			delete(s.conns, c.id)
			s.mu.Unlock()
			s.metrics.connClosed()
		}()
	}
}

// Stop closes the listener and every connection and waits up to timeout
// for their goroutines to finish.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	s.senders.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Server", "Stop", "wait for connections")
	}
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Senders returns the outbound push client table.
func (s *Server) Senders() *SendTable {
	return s.senders
}

// Health reports the listener state.
func (s *Server) Health() health.Status {
	if !s.running.Load() {
		s.errMu.Lock()
		err := s.lastErr
		s.errMu.Unlock()
		if err != nil {
			return health.FromError("server", err)
		}
		return health.NewUnhealthy("server", "not listening")
	}
	return health.NewHealthy("server", "listening").WithMetrics(&health.Metrics{
		Uptime:      time.Since(s.startTime),
		ErrorCount:  s.errors.Load(),
		Connections: s.Connections(),
	})
}

func (s *Server) recordError(err error) {
	s.errors.Add(1)
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}
