// Package api wires the management API and the protocol surfaces into one
// HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rs/cors"
	"go.uber.org/zap"

	v0 "github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/v0"
	"github.com/agentregistry-dev/agentplane/internal/registry/api/router"
	"github.com/agentregistry-dev/agentplane/internal/registry/config"
	"github.com/agentregistry-dev/agentplane/internal/registry/jobs"
	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/proxy"
	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/internal/registry/telemetry"
	"github.com/agentregistry-dev/agentplane/pkg/types"
)

// ShutdownTimeout bounds how long in-flight requests may drain.
const ShutdownTimeout = 30 * time.Second

// ServerOptions are the collaborators served over HTTP.
type ServerOptions struct {
	Registry    service.RegistryService
	Proxy       *proxy.Service
	Scheduler   *jobs.Scheduler
	Metrics     *telemetry.Metrics
	HealthCheck v0.HealthCheck
	Version     *v0.VersionBody
	ExtraRoutes func(api huma.API, pathPrefix string)
}

// Server is the control plane HTTP server.
type Server struct {
	cfg *config.Config
	mux *http.ServeMux
	api huma.API
	srv *http.Server
	log *zap.Logger
}

var _ types.Server = (*Server)(nil)

// NewServer builds the server and registers every route.
func NewServer(cfg *config.Config, opts ServerOptions) *Server {
	version := opts.Version
	if version == nil {
		version = &v0.VersionBody{Version: "dev"}
	}

	mux := http.NewServeMux()
	humaConfig := huma.DefaultConfig("Agentplane API", version.Version)
	humaConfig.Info.Description = "Provider lifecycle and agent protocol proxy control plane"
	api := humago.New(mux, humaConfig)

	router.RegisterRoutes(api, opts.Registry, version, &router.RouteOptions{
		Scheduler:   opts.Scheduler,
		HealthCheck: opts.HealthCheck,
		ExtraRoutes: opts.ExtraRoutes,
	})
	if opts.Proxy != nil {
		router.RegisterProtocolRoutes(mux, opts.Proxy)
	}
	mux.Handle("GET /metrics", opts.Metrics.Handler())

	s := &Server{
		cfg: cfg,
		mux: mux,
		api: api,
		log: logging.APIEventLog,
	}
	s.srv = &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: event streams stay open for the length of a run.
	}
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = accessLog(logging.NewEventPolicy(&s.cfg.Logging), h)
	h = requestID(h)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
			},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{RequestIDHeader, proxy.RunIDHeader, proxy.SessionIDHeader, proxy.SchemaVersionHeader},
		}).Handler(h)
	}
	return h
}

func (s *Server) HumaAPI() huma.API { return s.api }

func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.srv.Shutdown(ctx)
}
