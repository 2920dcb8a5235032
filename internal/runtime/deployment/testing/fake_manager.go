// Package testing provides an in-memory deployment.Manager for tests.
package testing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// FakeManager simulates provider deployments as a state machine:
// CreateOrReplace moves a provider to starting, WaitForStartup to running,
// ScaleDown to ready and Delete back to missing.
// Function hooks take precedence over the simulation when set.
type FakeManager struct {
	mu sync.Mutex

	States map[string]models.ProviderDeploymentState
	// Applied holds the env each provider was last deployed with.
	Applied map[string]map[string]string
	// URLs overrides ProviderURL, typically with httptest server addresses.
	URLs map[string]string
	// History records every state a provider moved through.
	History map[string][]models.ProviderDeploymentState
	Logs    []string

	// StartupDelay is how long WaitForStartup takes to observe a starting provider as running.
	StartupDelay time.Duration

	CreateOrReplaceCalls int
	DeleteCalls          int
	ScaleDownCalls       int
	ScaleUpCalls         int
	WaitForStartupCalls  int

	hashes map[string]string

	CreateOrReplaceFn func(ctx context.Context, provider *models.Provider, env map[string]string) (bool, error)
	DeleteFn          func(ctx context.Context, providerID string) error
	StateFn           func(ctx context.Context, providerIDs []string) ([]models.ProviderDeploymentState, error)
	ScaleDownFn       func(ctx context.Context, providerID string) error
	ScaleUpFn         func(ctx context.Context, providerID string) error
	WaitForStartupFn  func(ctx context.Context, providerID string, timeout time.Duration) error
}

var _ deployment.Manager = (*FakeManager)(nil)

// NewFakeManager creates an empty FakeManager.
func NewFakeManager() *FakeManager {
	return &FakeManager{
		States:  make(map[string]models.ProviderDeploymentState),
		Applied: make(map[string]map[string]string),
		URLs:    make(map[string]string),
		History: make(map[string][]models.ProviderDeploymentState),
		hashes:  make(map[string]string),
	}
}

// SetState forces a provider into state.
func (f *FakeManager) SetState(providerID string, state models.ProviderDeploymentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setState(providerID, state)
}

// StateOf returns the current simulated state.
func (f *FakeManager) StateOf(providerID string) models.ProviderDeploymentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateOf(providerID)
}

// HistoryOf returns a copy of the recorded state transitions.
func (f *FakeManager) HistoryOf(providerID string) []models.ProviderDeploymentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ProviderDeploymentState(nil), f.History[providerID]...)
}

// Calls returns the number of CreateOrReplace calls.
func (f *FakeManager) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateOrReplaceCalls
}

func (f *FakeManager) stateOf(id string) models.ProviderDeploymentState {
	if s, ok := f.States[id]; ok {
		return s
	}
	return models.DeploymentStateMissing
}

func (f *FakeManager) setState(id string, state models.ProviderDeploymentState) {
	if state == models.DeploymentStateMissing {
		delete(f.States, id)
	} else {
		f.States[id] = state
	}
	f.History[id] = append(f.History[id], state)
}

func hash(provider *models.Provider, env map[string]string) string {
	raw, _ := json.Marshal(struct {
		Image string
		Env   map[string]string
	}{provider.ImageRef, env})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (f *FakeManager) CreateOrReplace(ctx context.Context, provider *models.Provider, env map[string]string) (bool, error) {
	f.mu.Lock()
	f.CreateOrReplaceCalls++
	fn := f.CreateOrReplaceFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, provider, env)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	extracted := provider.ExtractEnv(env)
	h := hash(provider, extracted)
	state := f.stateOf(provider.ID)
	if state != models.DeploymentStateMissing && f.hashes[provider.ID] == h {
		if state == models.DeploymentStateReady {
			f.setState(provider.ID, models.DeploymentStateStarting)
		}
		return false, nil
	}
	f.hashes[provider.ID] = h
	f.Applied[provider.ID] = extracted
	if state != models.DeploymentStateMissing {
		f.setState(provider.ID, models.DeploymentStateMissing)
	}
	f.setState(provider.ID, models.DeploymentStateStarting)
	return true, nil
}

func (f *FakeManager) Delete(ctx context.Context, providerID string) error {
	f.mu.Lock()
	f.DeleteCalls++
	fn := f.DeleteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateOf(providerID) != models.DeploymentStateMissing {
		f.setState(providerID, models.DeploymentStateMissing)
	}
	delete(f.hashes, providerID)
	delete(f.Applied, providerID)
	return nil
}

func (f *FakeManager) State(ctx context.Context, providerIDs []string) ([]models.ProviderDeploymentState, error) {
	f.mu.Lock()
	fn := f.StateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerIDs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]models.ProviderDeploymentState, len(providerIDs))
	for i, id := range providerIDs {
		states[i] = f.stateOf(id)
	}
	return states, nil
}

func (f *FakeManager) ScaleDown(ctx context.Context, providerID string) error {
	f.mu.Lock()
	f.ScaleDownCalls++
	fn := f.ScaleDownFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateOf(providerID) == models.DeploymentStateMissing {
		return fmt.Errorf("provider %s has no deployment", providerID)
	}
	f.setState(providerID, models.DeploymentStateReady)
	return nil
}

func (f *FakeManager) ScaleUp(ctx context.Context, providerID string) error {
	f.mu.Lock()
	f.ScaleUpCalls++
	fn := f.ScaleUpFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.stateOf(providerID) {
	case models.DeploymentStateMissing:
		return fmt.Errorf("provider %s has no deployment", providerID)
	case models.DeploymentStateReady:
		f.setState(providerID, models.DeploymentStateStarting)
	}
	return nil
}

func (f *FakeManager) WaitForStartup(ctx context.Context, providerID string, timeout time.Duration) error {
	f.mu.Lock()
	f.WaitForStartupCalls++
	fn := f.WaitForStartupFn
	delay := f.StartupDelay
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerID, timeout)
	}

	if delay > 0 {
		if delay > timeout {
			return fmt.Errorf("%w: provider %s not available after %s", deployment.ErrStartupTimeout, providerID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.stateOf(providerID) {
	case models.DeploymentStateRunning:
		return nil
	case models.DeploymentStateStarting:
		f.setState(providerID, models.DeploymentStateRunning)
		return nil
	case models.DeploymentStateReady:
		return fmt.Errorf("%w: provider %s is scaled down", deployment.ErrStartupTimeout, providerID)
	default:
		return fmt.Errorf("%w: provider %s is %s", deployment.ErrDeploymentFailed, providerID, f.stateOf(providerID))
	}
}

func (f *FakeManager) ProviderURL(providerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.URLs[providerID]; ok {
		return u
	}
	return "http://" + providerID + ".invalid"
}

func (f *FakeManager) StreamLogs(ctx context.Context, providerID string, sink func(line string)) error {
	f.mu.Lock()
	logs := append([]string(nil), f.Logs...)
	f.mu.Unlock()
	for _, line := range logs {
		if ctx.Err() != nil {
			return nil
		}
		sink(line)
	}
	return nil
}
