package v0

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/pkg/types"
)

// HealthBody reports whether the control plane can serve requests.
type HealthBody struct {
	Status string `json:"status" example:"ok"`
}

// HealthCheck probes a dependency the plane cannot serve without.
type HealthCheck func(ctx context.Context) error

// RegisterHealthEndpoint registers the health endpoint. It answers 503 when
// check fails.
func RegisterHealthEndpoint(api huma.API, basePath string, check HealthCheck) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        basePath + "/health",
		Summary:     "Health check",
		Tags:        []string{"health"},
	}, func(ctx context.Context, _ *struct{}) (*types.Response[HealthBody], error) {
		if check != nil {
			if err := check(ctx); err != nil {
				logging.L(ctx, logging.APIEventLog).Warn("health check failed", zap.Error(err))
				return nil, huma.Error503ServiceUnavailable("unavailable")
			}
		}
		return &types.Response[HealthBody]{Body: HealthBody{Status: "ok"}}, nil
	})
}
