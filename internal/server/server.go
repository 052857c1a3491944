package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"ggmlforge/internal/config"
	"ggmlforge/internal/logging"
)

// ShutdownTimeout bounds how long Stop waits for in-flight requests.
const ShutdownTimeout = 30 * time.Second

// Server serves handler on cfg.Server.Bind.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	logger  *slog.Logger

	lockPath string
	lock     *flock.Flock

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	done     chan struct{}
	serveErr error

	running atomic.Bool
}

// New constructs a server for handler.
func New(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if cfg == nil || handler == nil {
		return nil, errors.New("server requires config and handler")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.StateDir, "ggmlforge.lock")
	return &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logging.NewComponentLogger(logger, "server"),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// LockPath returns the single-instance lock file.
func (s *Server) LockPath() string {
	return s.lockPath
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start acquires the instance lock and begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return errors.New("server already running")
	}

	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another ggmlforge server is already running (lock %s)", s.lockPath)
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Server.Bind)
	if err != nil {
		_ = s.lock.Unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Bind, err)
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.http = httpServer
	s.done = make(chan struct{})
	s.serveErr = nil
	s.mu.Unlock()
	s.running.Store(true)

	go func() {
		defer close(s.done)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
			logging.ErrorWithContext(s.logger, "http server stopped unexpectedly", "server_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the bind address is still available"),
			)
		}
	}()

	s.logger.Info("ggmlforge server listening",
		logging.String("address", listener.Addr().String()),
		logging.String("route", s.cfg.Server.Route),
		logging.String("lock", s.lockPath),
		logging.String(logging.FieldEventType, "server_started"),
	)
	return nil
}

// Stop drains in-flight requests and releases the instance lock.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.mu.Lock()
	httpServer := s.http
	done := s.done
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown incomplete; closing connections",
			logging.Error(err),
			logging.String(logging.FieldEventType, "server_shutdown_forced"),
			logging.String(logging.FieldImpact, "in-flight conversions were interrupted"),
		)
		_ = httpServer.Close()
	}
	if done != nil {
		<-done
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("failed to release server lock", logging.Error(err))
	}
	s.running.Store(false)
	s.logger.Info("ggmlforge server stopped", logging.String(logging.FieldEventType, "server_stopped"))
}

// Run starts the server and blocks until ctx is done or serving fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
	}
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}
