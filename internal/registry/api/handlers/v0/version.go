package v0

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/pkg/types"
)

// VersionBody describes the running control plane build.
type VersionBody struct {
	Version   string `json:"version" example:"0.4.0" doc:"Control plane version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildTime string `json:"build_time" example:"2026-01-01T00:00:00Z" doc:"Build timestamp"`
}

// RegisterVersionEndpoint registers the version endpoint
func RegisterVersionEndpoint(api huma.API, basePath string, info *VersionBody) {
	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        basePath + "/version",
		Summary:     "Get version information",
		Description: "Returns the version, git commit and build time of the control plane",
		Tags:        []string{"version"},
	}, func(_ context.Context, _ *struct{}) (*types.Response[VersionBody], error) {
		return &types.Response[VersionBody]{Body: *info}, nil
	})
}
