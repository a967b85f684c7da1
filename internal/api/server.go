// Package api provides HTTP handlers and the API server for flowdeck.
//
// It exposes endpoints for injecting user events, managing flow definitions,
// and receiving transport webhooks. The API integrates with the engine,
// store, and messaging modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/messaging"
	"github.com/flowdeck/flowdeck/internal/store"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioService *messaging.TwilioService
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the inbound Twilio webhook backed by the given
// transport.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.TwilioService = svc }
}

// Server is the flowdeck HTTP API.
type Server struct {
	addr       string
	store      store.Store
	engine     *engine.Engine
	dispatcher *messaging.Dispatcher
	twilio     *messaging.TwilioService
	httpServer *http.Server
}

// NewServer creates the API server over the given collaborators.
func NewServer(st store.Store, eng *engine.Engine, dispatcher *messaging.Dispatcher, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		addr:       cfg.Addr,
		store:      st,
		engine:     eng,
		dispatcher: dispatcher,
		twilio:     cfg.TwilioService,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
	}
	return s
}

// routes builds the request mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/flows", s.flowsHandler)
	mux.HandleFunc("/flows/", s.flowHandler)
	if s.twilio != nil {
		mux.HandleFunc("/webhooks/twilio", s.twilio.WebhookHandler)
	}
	return mux
}

// Start begins serving in the background. Errors other than a clean shutdown
// are logged.
func (s *Server) Start() {
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	slog.Info("API server stopped")
	return nil
}
