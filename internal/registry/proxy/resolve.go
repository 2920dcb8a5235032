package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// ErrInvalidSelector is returned when a Selector does not name exactly one target.
var ErrInvalidSelector = fmt.Errorf("%w: exactly one of agent name, run id or session id is required", database.ErrInvalidInput)

// Selector addresses the provider that should serve a request. Exactly one
// field must be set.
type Selector struct {
	AgentName string
	RunID     string
	SessionID string
}

// Validate rejects selectors naming zero or several targets.
func (s Selector) Validate() error {
	n := 0
	for _, v := range []string{s.AgentName, s.RunID, s.SessionID} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return ErrInvalidSelector
	}
	return nil
}

// Target is a resolved request destination.
type Target struct {
	Provider *models.Provider
	// Agent is nil when the agent was removed after the run started.
	Agent *models.Agent
	// RunRequest is set when the target was found through a run or session.
	RunRequest *models.AgentRunRequest
}

// Resolve maps a selector to the owning provider. Runs and sessions resolve
// through the provider recorded when they were created, never by name.
func (s *Service) Resolve(ctx context.Context, sel Selector) (*Target, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	if sel.AgentName != "" {
		agent, err := s.db.GetAgentByName(ctx, nil, sel.AgentName)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", sel.AgentName, err)
		}
		provider, err := s.db.GetProviderByID(ctx, nil, agent.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("provider of agent %q: %w", sel.AgentName, err)
		}
		return &Target{Provider: provider, Agent: agent}, nil
	}

	var (
		rr  *models.AgentRunRequest
		err error
	)
	if sel.RunID != "" {
		rr, err = s.db.GetRunRequestByRunID(ctx, nil, sel.RunID)
		if err != nil {
			return nil, fmt.Errorf("run %q: %w", sel.RunID, err)
		}
	} else {
		rr, err = s.db.GetRunRequestBySessionID(ctx, nil, sel.SessionID)
		if err != nil {
			return nil, fmt.Errorf("session %q: %w", sel.SessionID, err)
		}
	}

	provider, err := s.db.GetProviderByID(ctx, nil, rr.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("provider of run request %s: %w", rr.ID, err)
	}
	target := &Target{Provider: provider, RunRequest: rr}
	agent, err := s.db.GetAgentByID(ctx, nil, rr.AgentID)
	switch {
	case err == nil:
		target.Agent = agent
	case !errors.Is(err, database.ErrNotFound):
		return nil, err
	}
	return target, nil
}

// ResolveProvider looks a provider up by id, for protocols addressed per provider.
func (s *Service) ResolveProvider(ctx context.Context, providerID string) (*Target, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider id is required", database.ErrInvalidInput)
	}
	provider, err := s.db.GetProviderByID(ctx, nil, providerID)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", providerID, err)
	}
	return &Target{Provider: provider}, nil
}

// ListAgents returns the agent directory.
func (s *Service) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.db.ListAgents(ctx, nil, nil)
}

// GetAgent returns one agent by name.
func (s *Service) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: agent name is required", database.ErrInvalidInput)
	}
	return s.db.GetAgentByName(ctx, nil, name)
}
