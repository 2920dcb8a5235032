// Package router contains API routing logic
package router

import (
	"github.com/danielgtaylor/huma/v2"

	v0 "github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/v0"
	"github.com/agentregistry-dev/agentplane/internal/registry/jobs"
	"github.com/agentregistry-dev/agentplane/internal/registry/service"
)

// PathPrefix is where the management API and the protocol surfaces live.
const PathPrefix = "/api/v1"

// RouteOptions contains optional collaborators for route registration.
type RouteOptions struct {
	// Scheduler enables the job history endpoints.
	Scheduler   *jobs.Scheduler
	HealthCheck v0.HealthCheck

	// Optional callback for integration-owned route registration.
	ExtraRoutes func(api huma.API, pathPrefix string)
}

// RegisterRoutes registers the management API under PathPrefix.
func RegisterRoutes(
	api huma.API,
	registry service.RegistryService,
	versionInfo *v0.VersionBody,
	opts *RouteOptions,
) {
	if opts == nil {
		opts = &RouteOptions{}
	}

	v0.RegisterHealthEndpoint(api, PathPrefix, opts.HealthCheck)
	v0.RegisterPingEndpoint(api, PathPrefix)
	v0.RegisterVersionEndpoint(api, PathPrefix, versionInfo)
	v0.RegisterProvidersEndpoints(api, PathPrefix, registry)
	v0.RegisterAgentsEndpoints(api, PathPrefix, registry)
	v0.RegisterVariablesEndpoints(api, PathPrefix, registry)
	if opts.Scheduler != nil {
		v0.RegisterJobsEndpoints(api, PathPrefix, opts.Scheduler)
	}
	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(api, PathPrefix)
	}
}
