package service

import (
	"context"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// RegistryService defines the interface for provider management operations
type RegistryService interface {
	// RegisterProvider installs a location, loads its manifest and persists the provider with its agents
	RegisterProvider(ctx context.Context, in *models.CreateProviderInput) (*models.ProviderStatus, error)
	// GetProvider returns a provider with its live deployment state
	GetProvider(ctx context.Context, providerID string) (*models.ProviderStatus, error)
	// ListProviders returns providers with their live deployment state
	ListProviders(ctx context.Context, filter *database.ProviderFilter) ([]*models.ProviderStatus, error)
	// DeleteProvider tears down the deployment of a managed provider and removes it with its agents
	DeleteProvider(ctx context.Context, providerID string) error
	// ProviderLogs returns up to limit recent log lines of a managed provider
	ProviderLogs(ctx context.Context, providerID string, limit int) ([]string, error)

	// ListAgents returns all agents, or the agents of one provider
	ListAgents(ctx context.Context, providerID *string) ([]*models.Agent, error)
	// GetAgentByName returns one agent
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)

	// ListVariables returns the sorted names of the global environment variables
	ListVariables(ctx context.Context) ([]string, error)
	// UpdateEnv changes the global environment and rotates affected providers
	UpdateEnv(ctx context.Context, set map[string]string, remove []string) (*EnvRotationResult, error)
}
