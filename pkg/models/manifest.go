package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ManifestLabel is the OCI image label carrying the base64-encoded agent manifest.
const ManifestLabel = "dev.agentplane.agents"

// AgentManifest describes the agents an image or endpoint exposes.
type AgentManifest struct {
	Agents []AgentManifestEntry `json:"agents"`
}

// AgentManifestEntry is a single agent in a manifest.
type AgentManifestEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Env         []EnvVar       `json:"env,omitempty"`
}

// DecodeManifestLabel decodes the value of ManifestLabel.
func DecodeManifestLabel(value string) (*AgentManifest, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest label: %w", err)
	}
	var m AgentManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest label: %w", err)
	}
	return &m, m.Validate()
}

// EncodeManifestLabel is the inverse of DecodeManifestLabel.
func EncodeManifestLabel(m *AgentManifest) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Validate rejects empty manifests and duplicate agent names.
func (m *AgentManifest) Validate() error {
	if len(m.Agents) == 0 {
		return fmt.Errorf("manifest declares no agents")
	}
	seen := make(map[string]struct{}, len(m.Agents))
	for _, a := range m.Agents {
		if a.Name == "" {
			return fmt.Errorf("manifest contains an agent without a name")
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("manifest declares agent %q twice", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// Env returns the union of variables declared by all agents. A variable is
// required if any agent requires it.
func (m *AgentManifest) Env() []EnvVar {
	index := map[string]int{}
	var out []EnvVar
	for _, a := range m.Agents {
		for _, v := range a.Env {
			if i, ok := index[v.Name]; ok {
				out[i].Required = out[i].Required || v.Required
				if out[i].Description == "" {
					out[i].Description = v.Description
				}
				continue
			}
			index[v.Name] = len(out)
			out = append(out, v)
		}
	}
	return out
}
