package v0

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

type AgentListInput struct {
	ProviderID string `query:"providerId" json:"providerId,omitempty" doc:"Only agents of this provider"`
}

type AgentByNameInput struct {
	AgentName string `path:"agentName" json:"agentName" doc:"Agent name"`
}

type AgentsListResponse struct {
	Body struct {
		Agents []models.Agent `json:"agents"`
		Count  int            `json:"count"`
	}
}

type AgentResponse struct {
	Body models.Agent
}

// RegisterAgentsEndpoints registers the read-only agent catalog endpoints.
func RegisterAgentsEndpoints(api huma.API, basePath string, registry service.RegistryService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        basePath + "/agents",
		Summary:     "List agents",
		Description: "List the agents exposed by registered providers.",
		Tags:        []string{"agents"},
	}, func(ctx context.Context, input *AgentListInput) (*AgentsListResponse, error) {
		var providerID *string
		if input.ProviderID != "" {
			providerID = &input.ProviderID
		}
		agents, err := registry.ListAgents(ctx, providerID)
		if err != nil {
			return nil, toHumaError(err, "Agent", "list agents")
		}
		resp := &AgentsListResponse{}
		resp.Body.Agents = make([]models.Agent, 0, len(agents))
		for _, a := range agents {
			resp.Body.Agents = append(resp.Body.Agents, *a)
		}
		resp.Body.Count = len(resp.Body.Agents)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        basePath + "/agents/{agentName}",
		Summary:     "Get agent",
		Description: "Get an agent by name.",
		Tags:        []string{"agents"},
	}, func(ctx context.Context, input *AgentByNameInput) (*AgentResponse, error) {
		agent, err := registry.GetAgentByName(ctx, input.AgentName)
		if err != nil {
			return nil, toHumaError(err, "Agent", "get agent")
		}
		return &AgentResponse{Body: *agent}, nil
	})
}
