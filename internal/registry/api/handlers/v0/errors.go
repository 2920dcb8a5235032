package v0

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// toHumaError maps service errors onto API responses. notFound names the
// missing resource.
func toHumaError(err error, notFound, action string) error {
	var missing *models.MissingConfigurationError
	switch {
	case errors.Is(err, database.ErrNotFound):
		return huma.Error404NotFound(notFound + " not found")
	case errors.As(err, &missing):
		return huma.Error422UnprocessableEntity(missing.Error())
	case errors.Is(err, database.ErrInvalidInput):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, database.ErrAlreadyExists):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, database.ErrConflict):
		return huma.Error409Conflict("Concurrent modification, retry the request")
	case errors.Is(err, deployment.ErrStartupTimeout), errors.Is(err, deployment.ErrDeploymentFailed):
		return huma.Error502BadGateway("Failed to " + action)
	default:
		return huma.Error500InternalServerError("Failed to "+action, err)
	}
}
