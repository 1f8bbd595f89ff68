package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Server coordinates the listeners of the enabled policy services.
type Server struct {
	logger      *slog.Logger
	logPayload  bool
	idleTimeout time.Duration

	listeners []*Listener
	mu        sync.Mutex
}

// Config holds server-wide listener settings.
type Config struct {
	// Logger for all listeners and connections.
	Logger *slog.Logger
	// LogPayload turns on debug logging of raw frames.
	LogPayload bool
	// IdleTimeout closes connections with no traffic. Zero disables it;
	// the MTA holds policy connections open between messages.
	IdleTimeout time.Duration
}

// New creates a new Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:      logger,
		logPayload:  cfg.LogPayload,
		idleTimeout: cfg.IdleTimeout,
	}
}

// AddService registers one policy service listener. Must be called
// before Run.
func (s *Server) AddService(policy, address string, handler ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, NewListener(ListenerConfig{
		Address:     address,
		Policy:      policy,
		IdleTimeout: s.idleTimeout,
		LogPayload:  s.logPayload,
		Logger:      s.logger,
		Handler:     handler,
	}))
}

// Run starts all registered listeners and blocks until the context is
// cancelled. All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	if len(listeners) == 0 {
		return fmt.Errorf("no policy services registered")
	}

	s.logger.Info("starting server",
		slog.Int("listener_count", len(listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, l := range listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()

	s.logger.Info("server shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown closes all listeners without waiting for connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}
