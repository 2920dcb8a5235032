package v0

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

type ProviderListInput struct {
	Registry string `query:"registry" json:"registry,omitempty" doc:"Only providers declared by this catalog"`
	Managed  string `query:"managed" json:"managed,omitempty" enum:"true,false" doc:"Filter managed or unmanaged providers"`
}

type ProviderByIDInput struct {
	ProviderID string `path:"providerId" json:"providerId" doc:"Provider ID"`
}

type ProviderLogsInput struct {
	ProviderID string `path:"providerId" json:"providerId" doc:"Provider ID"`
	Limit      int    `query:"limit" json:"limit,omitempty" minimum:"1" maximum:"1000" default:"100" doc:"Maximum number of lines"`
}

type CreateProviderRequest struct {
	Body models.CreateProviderInput
}

type ProvidersListResponse struct {
	Body struct {
		Providers []models.ProviderStatus `json:"providers"`
		Count     int                     `json:"count"`
	}
}

type ProviderResponse struct {
	Body models.ProviderStatus
}

type ProviderLogsResponse struct {
	Body struct {
		Lines []string `json:"lines"`
	}
}

// RegisterProvidersEndpoints registers provider endpoints.
func RegisterProvidersEndpoints(api huma.API, basePath string, registry service.RegistryService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        basePath + "/providers",
		Summary:     "List providers",
		Description: "List registered providers with their live deployment state.",
		Tags:        []string{"providers"},
	}, func(ctx context.Context, input *ProviderListInput) (*ProvidersListResponse, error) {
		filter := &database.ProviderFilter{}
		if input.Registry != "" {
			filter.Registry = &input.Registry
		}
		if input.Managed != "" {
			managed := input.Managed == "true"
			filter.Managed = &managed
		}
		providers, err := registry.ListProviders(ctx, filter)
		if err != nil {
			return nil, toHumaError(err, "Provider", "list providers")
		}
		resp := &ProvidersListResponse{}
		resp.Body.Providers = make([]models.ProviderStatus, 0, len(providers))
		for _, p := range providers {
			resp.Body.Providers = append(resp.Body.Providers, *p)
		}
		resp.Body.Count = len(resp.Body.Providers)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-provider",
		Method:        http.MethodPost,
		Path:          basePath + "/providers",
		Summary:       "Register provider",
		Description:   "Register a provider location. Registering an existing location refreshes its agents.",
		Tags:          []string{"providers"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateProviderRequest) (*ProviderResponse, error) {
		provider, err := registry.RegisterProvider(ctx, &input.Body)
		if err != nil {
			return nil, toHumaError(err, "Provider", "register provider")
		}
		return &ProviderResponse{Body: *provider}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provider",
		Method:      http.MethodGet,
		Path:        basePath + "/providers/{providerId}",
		Summary:     "Get provider",
		Description: "Get a provider by ID.",
		Tags:        []string{"providers"},
	}, func(ctx context.Context, input *ProviderByIDInput) (*ProviderResponse, error) {
		provider, err := registry.GetProvider(ctx, input.ProviderID)
		if err != nil {
			return nil, toHumaError(err, "Provider", "get provider")
		}
		return &ProviderResponse{Body: *provider}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-provider",
		Method:        http.MethodDelete,
		Path:          basePath + "/providers/{providerId}",
		Summary:       "Delete provider",
		Description:   "Delete a provider, its deployment and its agents.",
		Tags:          []string{"providers"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ProviderByIDInput) (*struct{}, error) {
		if err := registry.DeleteProvider(ctx, input.ProviderID); err != nil {
			return nil, toHumaError(err, "Provider", "delete provider")
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provider-logs",
		Method:      http.MethodGet,
		Path:        basePath + "/providers/{providerId}/logs",
		Summary:     "Get provider logs",
		Description: "Recent log lines of a managed provider. Best effort: an empty list is returned when logs are unavailable.",
		Tags:        []string{"providers"},
	}, func(ctx context.Context, input *ProviderLogsInput) (*ProviderLogsResponse, error) {
		lines, err := registry.ProviderLogs(ctx, input.ProviderID, input.Limit)
		if err != nil {
			return nil, toHumaError(err, "Provider", "get provider logs")
		}
		resp := &ProviderLogsResponse{}
		resp.Body.Lines = lines
		if resp.Body.Lines == nil {
			resp.Body.Lines = []string{}
		}
		return resp, nil
	})
}
