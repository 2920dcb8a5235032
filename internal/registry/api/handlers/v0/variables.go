package v0

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
)

type VariablesListResponse struct {
	Body struct {
		Names []string `json:"names" doc:"Configured variable names. Values are never returned."`
	}
}

type UpdateVariablesRequest struct {
	Body struct {
		Set    map[string]string `json:"set,omitempty" doc:"Variables to create or overwrite"`
		Remove []string          `json:"remove,omitempty" doc:"Variables to delete"`
	}
}

type UpdateVariablesResponse struct {
	Body service.EnvRotationResult
}

// RegisterVariablesEndpoints registers the global environment endpoints.
func RegisterVariablesEndpoints(api huma.API, basePath string, registry service.RegistryService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-variables",
		Method:      http.MethodGet,
		Path:        basePath + "/variables",
		Summary:     "List variables",
		Description: "List the names of the variables in the global environment.",
		Tags:        []string{"variables"},
	}, func(ctx context.Context, _ *struct{}) (*VariablesListResponse, error) {
		names, err := registry.ListVariables(ctx)
		if err != nil {
			return nil, toHumaError(err, "Variables", "list variables")
		}
		resp := &VariablesListResponse{}
		resp.Body.Names = names
		if resp.Body.Names == nil {
			resp.Body.Names = []string{}
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-variables",
		Method:      http.MethodPut,
		Path:        basePath + "/variables",
		Summary:     "Update variables",
		Description: "Set or remove variables and redeploy the providers that declare them. " +
			"If a redeploy fails, the change is rolled back.",
		Tags: []string{"variables"},
	}, func(ctx context.Context, input *UpdateVariablesRequest) (*UpdateVariablesResponse, error) {
		result, err := registry.UpdateEnv(ctx, input.Body.Set, input.Body.Remove)
		if err != nil {
			return nil, toHumaError(err, "Variables", "update variables")
		}
		return &UpdateVariablesResponse{Body: *result}, nil
	})
}
