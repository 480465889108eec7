// Package doclease embeds the document lease lock server: an HTTP/JSON API
// over a pluggable storage backend, with a durable notification inbox and a
// best-effort change bus.
package doclease

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/internal/bus"
	"github.com/docuvault/doclease/internal/clock"
	"github.com/docuvault/doclease/internal/core"
	"github.com/docuvault/doclease/internal/httpapi"
	"github.com/docuvault/doclease/internal/storage"
	loggingbackend "github.com/docuvault/doclease/internal/storage/logging"
	"github.com/docuvault/doclease/internal/storage/retry"
)

// Server wraps the HTTP server, storage backend, and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	core         *core.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	GuestRevoker core.GuestRevoker
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithGuestRevoker installs a hook invoked when a guest's lock is revoked by
// the document owner, so the embedding application can end the guest session.
func WithGuestRevoker(fn core.GuestRevoker) Option {
	return func(o *options) {
		o.GuestRevoker = fn
	}
}

// NewServer constructs a doclease server according to cfg.
// Example:
//
//	cfg := doclease.Config{Store: "mem://", Listen: ":9341"}
//	srv, err := doclease.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	backend := o.Backend
	if backend == nil {
		var err error
		backend, err = openBackend(cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	backend = loggingbackend.Wrap(backend, logger)
	backend = retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
	})

	changeBus := bus.New(logger)
	svc := core.New(core.Config{
		Store:        backend,
		Bus:          changeBus,
		Logger:       logger,
		Clock:        clk,
		DefaultTTL:   cfg.DefaultTTL,
		MaxTTL:       cfg.MaxTTL,
		InboxLimit:   cfg.InboxLimit,
		GuestRevoker: o.GuestRevoker,
	})

	srv := &Server{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		core:    svc,
		clock:   clk,
		readyCh: make(chan struct{}),
	}

	srv.handler = httpapi.NewHandler(httpapi.Config{
		Core:   svc,
		Logger: logger,
		Clock:  clk,
		Ready:  srv.isReady,
	})
	mux := http.NewServeMux()
	srv.handler.Register(mux)

	telemetry, err := setupTelemetry(cfg.MetricsListen, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	srv.telemetry = telemetry

	srv.httpSrv = &http.Server{
		Handler:           telemetry.instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// Handler returns the server's HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Core exposes the underlying service for embedders.
func (s *Server) Core() *core.Service {
	return s.core
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"store", s.cfg.Store,
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	s.core.Bus().Close()
	if err := s.backend.Close(); err != nil {
		return err
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) isReady() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweeperStop != nil {
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(s.cfg.SweeperInterval):
				if _, err := s.core.SweepExpired(context.Background()); err != nil {
					s.logger.Warn("sweeper iteration failed", "error", err)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastServeErr = err
}

// LastServeError reports the terminal error from Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer constructs a server, starts it in the background, and returns
// it together with a stop function once the listener is ready.
// Example:
//
//	srv, stop, err := doclease.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
