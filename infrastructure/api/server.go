// Package api implements the HTTP front-end: thin handlers that validate
// requests, relay them to the workers through a dispatcher, and map replies
// and faults onto statuses and JSON bodies.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	apimiddleware "github.com/artresearch/idios/infrastructure/api/middleware"
	"github.com/artresearch/idios/infrastructure/dispatch"
	"github.com/artresearch/idios/internal/metrics"
)

// requestTimeout bounds a request end to end; it leaves headroom over the
// 10 s dispatcher deadline for image fetches during compare.
const requestTimeout = 60 * time.Second

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	dispatcher dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	addr       string
}

// NewServer creates a Server with all routes mounted and the standard
// middleware stack applied.
func NewServer(addr string, dispatcher dispatch.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		addr:       addr,
	}

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(apimiddleware.Logging(logger))
	s.router.Use(apimiddleware.Metrics(m))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	s.router.Use(chimiddleware.Timeout(requestTimeout))

	s.mountRoutes()
	return s
}

func (s *Server) mountRoutes() {
	models := NewModelsRouter(s.dispatcher, s.logger)
	s.router.Mount("/models", models.Routes())

	s.router.Get("/ping", s.ping)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	docs := NewDocsRouter("/docs/openapi.json")
	s.router.Mount("/docs", docs.Routes())
}

// ping handles GET /ping. With rpc=true the pong makes a round trip through
// the broker and a worker; otherwise the front-end answers directly.
func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	rpc := false
	if raw := r.URL.Query().Get("rpc"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			apimiddleware.WriteDetails(w, http.StatusUnprocessableEntity, []apimiddleware.Detail{{
				Loc:  []any{"query", "rpc"},
				Msg:  "value could not be parsed to a boolean",
				Type: "type_error.bool",
			}})
			return
		}
		rpc = v
	}

	if !rpc {
		apimiddleware.WriteJSON(w, http.StatusOK, "pong")
		return
	}

	raw, err := s.dispatcher.Call(r.Context(), "ping")
	if err != nil {
		apimiddleware.WriteError(w, r, err, s.logger)
		return
	}
	apimiddleware.WriteRawJSON(w, http.StatusOK, raw)
}

// Handler returns the router for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}
