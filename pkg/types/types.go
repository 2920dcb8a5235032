package types

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// ServiceFactory wraps the base registry service, e.g. to add auditing.
type ServiceFactory func(base service.RegistryService) service.RegistryService

// DatabaseFactory creates the database used by the control plane. It receives
// the default database and may wrap or replace it.
type DatabaseFactory func(ctx context.Context, databaseURL string, baseDB database.Database) (database.Database, error)

// AppOptions lets embedders extend the control plane. All fields are optional.
type AppOptions struct {
	DatabaseFactory DatabaseFactory
	ServiceFactory  ServiceFactory

	// ExtraRoutes registers additional management routes under the same
	// API and path prefix as the built-in ones.
	ExtraRoutes func(api huma.API, pathPrefix string)

	// OnServiceCreated receives the (possibly wrapped) registry service.
	OnServiceCreated func(service.RegistryService)

	HTTPServerFactory   HTTPServerFactory
	OnHTTPServerCreated func(Server)
}

// Server is the control plane HTTP server as seen by extensions.
type Server interface {
	// HumaAPI returns the management API so new operations show up in the
	// OpenAPI document.
	HumaAPI() huma.API

	// Mux returns the underlying mux for raw handlers.
	Mux() *http.ServeMux

	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServerFactory returns a server after registering extra routes on base.
type HTTPServerFactory func(base Server, db database.Database) Server

// Response is a generic wrapper for Huma responses
// Usage: Response[HealthBody] instead of HealthOutput
type Response[T any] struct {
	Body T
}

// EmptyResponse represents a simple success response with a message
type EmptyResponse struct {
	Message string `json:"message" doc:"Success message" example:"Operation completed successfully"`
}
