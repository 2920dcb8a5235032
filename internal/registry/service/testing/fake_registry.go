// Package testing provides test utilities for the registry service.
package testing

import (
	"context"
	"slices"
	"sync"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// FakeRegistry is a configurable fake implementation of service.RegistryService for testing.
// It supports both data-driven setup via struct fields and function hooks for custom behavior.
type FakeRegistry struct {
	mu sync.Mutex

	// Data fields for simple data-driven tests
	Providers []*models.ProviderStatus
	Agents    []*models.Agent
	Env       map[string]string
	Logs      []string

	// Call counters for verification
	RegisterProviderCalls int
	DeleteProviderCalls   int
	UpdateEnvCalls        int

	// Function hooks for custom behavior (take precedence over data fields when set)
	RegisterProviderFn func(ctx context.Context, in *models.CreateProviderInput) (*models.ProviderStatus, error)
	GetProviderFn      func(ctx context.Context, providerID string) (*models.ProviderStatus, error)
	ListProvidersFn    func(ctx context.Context, filter *database.ProviderFilter) ([]*models.ProviderStatus, error)
	DeleteProviderFn   func(ctx context.Context, providerID string) error
	ProviderLogsFn     func(ctx context.Context, providerID string, limit int) ([]string, error)
	ListAgentsFn       func(ctx context.Context, providerID *string) ([]*models.Agent, error)
	GetAgentByNameFn   func(ctx context.Context, name string) (*models.Agent, error)
	ListVariablesFn    func(ctx context.Context) ([]string, error)
	UpdateEnvFn        func(ctx context.Context, set map[string]string, remove []string) (*service.EnvRotationResult, error)
}

var _ service.RegistryService = (*FakeRegistry)(nil)

// NewFakeRegistry creates a new FakeRegistry with initialized maps.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{Env: make(map[string]string)}
}

// Provider methods

func (f *FakeRegistry) RegisterProvider(ctx context.Context, in *models.CreateProviderInput) (*models.ProviderStatus, error) {
	f.mu.Lock()
	f.RegisterProviderCalls++
	f.mu.Unlock()
	if f.RegisterProviderFn != nil {
		return f.RegisterProviderFn(ctx, in)
	}
	src, err := models.ParseSource(in.Location)
	if err != nil {
		return nil, database.ErrInvalidInput
	}
	p := &models.ProviderStatus{
		Provider: models.Provider{
			ID:              models.ComputeProviderID(src.String()),
			Location:        src.String(),
			AutoStopTimeout: in.AutoStopTimeout,
			AutoRemove:      in.AutoRemove,
		},
		State: models.DeploymentStateMissing,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Providers = append(f.Providers, p)
	return p, nil
}

func (f *FakeRegistry) GetProvider(ctx context.Context, providerID string) (*models.ProviderStatus, error) {
	if f.GetProviderFn != nil {
		return f.GetProviderFn(ctx, providerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Providers {
		if p.ID == providerID {
			return p, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *FakeRegistry) ListProviders(ctx context.Context, filter *database.ProviderFilter) ([]*models.ProviderStatus, error) {
	if f.ListProvidersFn != nil {
		return f.ListProvidersFn(ctx, filter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Providers), nil
}

func (f *FakeRegistry) DeleteProvider(ctx context.Context, providerID string) error {
	f.mu.Lock()
	f.DeleteProviderCalls++
	f.mu.Unlock()
	if f.DeleteProviderFn != nil {
		return f.DeleteProviderFn(ctx, providerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.Providers {
		if p.ID == providerID {
			f.Providers = slices.Delete(f.Providers, i, i+1)
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *FakeRegistry) ProviderLogs(ctx context.Context, providerID string, limit int) ([]string, error) {
	if f.ProviderLogsFn != nil {
		return f.ProviderLogsFn(ctx, providerID, limit)
	}
	if _, err := f.GetProvider(ctx, providerID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.Logs
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return slices.Clone(lines), nil
}

// Agent methods

func (f *FakeRegistry) ListAgents(ctx context.Context, providerID *string) ([]*models.Agent, error) {
	if f.ListAgentsFn != nil {
		return f.ListAgentsFn(ctx, providerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Agent
	for _, a := range f.Agents {
		if providerID == nil || a.ProviderID == *providerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *FakeRegistry) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	if f.GetAgentByNameFn != nil {
		return f.GetAgentByNameFn(ctx, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, database.ErrNotFound
}

// Environment methods

func (f *FakeRegistry) ListVariables(ctx context.Context) ([]string, error) {
	if f.ListVariablesFn != nil {
		return f.ListVariablesFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.Env))
	for k := range f.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *FakeRegistry) UpdateEnv(ctx context.Context, set map[string]string, remove []string) (*service.EnvRotationResult, error) {
	f.mu.Lock()
	f.UpdateEnvCalls++
	f.mu.Unlock()
	if f.UpdateEnvFn != nil {
		return f.UpdateEnvFn(ctx, set, remove)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range set {
		f.Env[k] = v
	}
	for _, k := range remove {
		delete(f.Env, k)
	}
	return &service.EnvRotationResult{Version: int64(f.UpdateEnvCalls), Rotated: []string{}}, nil
}
