// Package api provides HTTP handlers and the admin API server for FunnelPipe.
//
// It exposes endpoints for managing funnel definitions and message templates,
// inspecting runs and the event log, sending one-off test messages, and
// cancelling in-flight runs.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/delivery"
	"github.com/funnelpipe/funnelpipe/internal/engine"
	"github.com/funnelpipe/funnelpipe/internal/store"
	"github.com/go-playground/validator/v10"
)

// Server configuration defaults.
const (
	// DefaultAddr is the default listen address for the admin API.
	DefaultAddr = ":8080"
	// DefaultReadHeaderTimeout bounds request header reads.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultSendTimeout bounds a one-off test send.
	DefaultSendTimeout = 30 * time.Second
	// DefaultLogTail is how many events /logs returns when no limit is given.
	DefaultLogTail = 200
	// DefaultRunsLimit is how many runs /runs returns when no limit is given.
	DefaultRunsLimit = 100
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the admin API over the funnel store, run store, event log, and
// delivery sink.
type Server struct {
	st        store.Store
	sink      delivery.Sink
	scheduler *engine.Scheduler
	events    engine.EventSink
	validate  *validator.Validate
	httpSrv   *http.Server
}

// NewServer creates the admin API server.
func NewServer(st store.Store, sink delivery.Sink, scheduler *engine.Scheduler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		st:        st,
		sink:      sink,
		scheduler: scheduler,
		events:    engine.NewStoreEventSink(st),
		validate:  validator.New(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/save-funnel", s.saveFunnelHandler)
	mux.HandleFunc("/funnels", s.funnelsHandler)
	mux.HandleFunc("/delete-funnel", s.deleteFunnelHandler)
	mux.HandleFunc("/send-message", s.sendMessageHandler)
	mux.HandleFunc("/logs", s.logsHandler)
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/runs", s.runsHandler)
	mux.HandleFunc("/runs/", s.runHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// Handler returns the underlying HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: admin API listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		slog.Info("Server.Run: admin API stopped")
		return nil
	}
}
