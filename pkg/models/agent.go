package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a named capability exposed by exactly one provider.
type Agent struct {
	ID          string         `json:"id"`
	ProviderID  string         `json:"providerId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ComputeAgentID keeps agent ids stable across manifest reloads.
func ComputeAgentID(providerID, name string) string {
	return uuid.NewSHA1(providerNamespace, []byte(providerID+"/"+name)).String()
}

// AgentRunRequest ties an agent execution to the provider that serves it.
type AgentRunRequest struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agentId"`
	ProviderID   string     `json:"providerId"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	ACPRunID     *string    `json:"acpRunId,omitempty"`
	ACPSessionID *string    `json:"acpSessionId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// EnvSnapshot is a versioned view of the global environment store.
type EnvSnapshot struct {
	Values  map[string]string
	Version int64
}

// Keys returns the variable names in the snapshot.
func (s *EnvSnapshot) Keys() []string {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	return keys
}

// Merge returns a copy of the snapshot values with set applied and remove deleted.
func (s *EnvSnapshot) Merge(set map[string]string, remove []string) map[string]string {
	out := make(map[string]string, len(s.Values)+len(set))
	for k, v := range s.Values {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	for _, k := range remove {
		delete(out, k)
	}
	return out
}
