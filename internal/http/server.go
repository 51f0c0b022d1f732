// Package http provides the HTTP server and the API surface over the job
// engine, the artifact layout and the embeddings index.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidecarr/sidecarr/internal/config"
	"github.com/sidecarr/sidecarr/internal/events"
	"github.com/sidecarr/sidecarr/internal/generate"
	"github.com/sidecarr/sidecarr/internal/http/handlers"
	"github.com/sidecarr/sidecarr/internal/http/middleware"
	"github.com/sidecarr/sidecarr/internal/index"
	"github.com/sidecarr/sidecarr/internal/jobs"
	"github.com/sidecarr/sidecarr/internal/media"
)

// Deps are the collaborators the API surface exposes.
type Deps struct {
	Config   *config.Config
	Engine   *jobs.Engine
	Bus      *events.Bus
	Layout   *media.Layout
	Generate *generate.Service
	// Index may be nil when the embeddings database is disabled.
	Index   *index.Store
	Version string
	Logger  *slog.Logger
}

// Server owns the router and the listener lifecycle.
type Server struct {
	cfg        config.ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds the router, middleware chain and every API handler.
func NewServer(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(deps.Config.Server.CORSOrigins))
	router.Use(middleware.SkipCompressionForSSE(chimiddleware.Compress(5)))

	humaConfig := huma.DefaultConfig("sidecarr API", version)
	humaConfig.Info.Description = "Sidecar artifact server for a media library"
	api := humachi.New(router, humaConfig)

	handlers.NewJobsHandler(deps.Engine).Register(api)
	handlers.NewMarkersHandler(deps.Generate, deps.Layout).Register(api)
	handlers.NewSystemHandler(version, deps.Engine, deps.Config).Register(api)

	library := handlers.NewLibraryHandler(deps.Layout, deps.Index)
	library.Register(api)
	library.RegisterRaw(router)

	handlers.NewEventsHandler(deps.Bus, log).Register(router)
	handlers.NewMediaHandler(deps.Layout).Register(router)

	router.Handle("/metrics", promhttp.Handler())

	return &Server{
		cfg:    deps.Config.Server,
		router: router,
		api:    api,
		log:    log,
	}
}

// API returns the huma API, for registering extra operations in tests.
func (s *Server) API() huma.API { return s.api }

// Router returns the chi router.
func (s *Server) Router() *chi.Mux { return s.router }

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info("starting HTTP server", slog.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}

// Shutdown drains active connections within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// ListenAndServe blocks until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()
	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
