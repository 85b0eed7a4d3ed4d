// Package api exposes statement scoring, verdict lookup and rule management
// over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	idleTimeout       = 2 * time.Minute
	readHeaderTimeout = 10 * time.Second
	compressionLevel  = 5
)

// Server routes requests to a Handler. It is itself an http.Handler, so
// tests can drive it without a listener.
type Server struct {
	router *chi.Mux
	http   *http.Server
}

// NewServer wires the routes. metricsHandler is mounted at /metrics when
// non-nil.
func NewServer(cfg domain.ServerConfig, h *Handler, metricsHandler http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(
		CORSMiddleware(cfg.AllowedOrigins),
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(compressionLevel),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no such endpoint"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: req.Method + " not allowed here"})
	})

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/statements", func(r chi.Router) {
		r.Post("/evaluate", h.Evaluate)
		r.Post("/batch", h.EvaluateBatch)
		r.Post("/ingest", h.Ingest)
		r.Get("/{id}", h.GetStatement)
	})
	r.Get("/verdicts/{id}", h.GetVerdict)
	r.Get("/accounts/{accountId}/verdicts", h.ListAccountVerdicts)
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Post("/reload", h.ReloadRules)
		r.Get("/{id}", h.GetRule)
	})

	s := &Server{router: r}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s,
		ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:       idleTimeout,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Start listens on Addr. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
