// Package server assembles the bundlevault HTTP surface: handle
// dereferencing, the load API and its websocket progress stream.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ziadkadry99/bundlevault/internal/audit"
	"github.com/ziadkadry99/bundlevault/internal/handles"
	"github.com/ziadkadry99/bundlevault/internal/loader"
)

// DefaultRequestTimeout bounds a request when Config leaves it unset. It
// is longer than the default archive fetch timeout, since a first load
// downloads and extracts the archive inside the request.
const DefaultRequestTimeout = 10 * time.Minute

// Config holds server configuration.
type Config struct {
	Port           int
	AllowAll       bool          // allow all CORS origins
	RequestTimeout time.Duration // per-request deadline; zero means DefaultRequestTimeout
}

// Server serves content handles and the load API.
type Server struct {
	cfg        Config
	loader     *loader.Loader
	registry   *handles.Registry
	trail      *audit.Store
	sessions   *loader.Sessions
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server over the given loader and handle registry. The
// audit endpoints are mounted when trail is non-nil.
func New(cfg Config, l *loader.Loader, reg *handles.Registry, trail *audit.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		cfg:      cfg,
		loader:   l,
		registry: reg,
		trail:    trail,
		sessions: loader.NewSessions(),
		logger:   logger,
	}

	s.router = s.buildRouter()
	return s
}

// buildRouter creates and configures the chi router with all routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	// Documents run in sandboxed frames, which send Origin: null.
	corsOpts := cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*", "null"},
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag", loader.SessionHeader},
		MaxAge:         300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	handles.RegisterRoutes(r, s.registry)
	if s.loader != nil {
		loader.RegisterRoutes(r, s.loader, s.sessions)
	}
	if s.trail != nil {
		audit.RegisterRoutes(r, s.trail)
	}
	return r
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() chi.Router { return s.router }

// Sessions returns the sessions created over HTTP.
func (s *Server) Sessions() *loader.Sessions { return s.sessions }

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 60*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("bundlevault server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and releases every session
// it handed out.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.sessions.ReleaseAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
