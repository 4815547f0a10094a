// Package api exposes the live telemetry state over HTTP and pushes every
// change to WebSocket subscribers.
package api

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/forestwatch/internal/connection"
	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	ReadHeaderTimeout = 5 * time.Second
	IdleTimeout       = 120 * time.Second
	ShutdownTimeout   = 10 * time.Second
)

// Health reports the connection manager's lifecycle position.
type Health interface {
	State() connection.State
	Attempts() int
}

type Server struct {
	store  *store.Store
	health Health
	hub    *Hub
	log    logger.Logger
	router chi.Router
	server *http.Server
}

func New(addr string, st *store.Store, health Health) *Server {
	s := &Server{
		store:  st,
		health: health,
		hub:    NewHub(st),
		log:    logger.Component("api"),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       IdleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/history", s.handleHistory)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/dismiss", s.handleDismiss)
	})

	return r
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the push hub so callers can run it alongside the listener.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the push hub and the listener in the background. A listener
// failure cancels the application context.
func (s *Server) Start(ctx context.Context, cancel context.CancelFunc) {
	go s.hub.Run(ctx)

	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.ErrorWithCode(errors.New().Wrap(ErrServe, err)).Msg("API server failed")
			cancel()
		}
	}()
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}
	return nil
}
