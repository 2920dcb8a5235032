package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultAutoStopTimeout is how long a managed provider may sit idle before
// the scale-down sweep parks it.
const DefaultAutoStopTimeout = 5 * time.Minute

// providerNamespace seeds the name-based UUIDs used as provider ids.
var providerNamespace = uuid.MustParse("4b2a4f0e-5f0c-4f52-9d53-8f3c6c1e0a11")

// EnvVar is an environment variable declared by a provider's agents.
type EnvVar struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Provider is a registered agent backend. Its id is derived from its source,
// so re-registering the same location yields the same provider.
type Provider struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	// ImageRef is the resolved image for managed providers, empty otherwise.
	ImageRef        string        `json:"imageRef,omitempty"`
	Env             []EnvVar      `json:"env"`
	AutoStopTimeout time.Duration `json:"autoStopTimeout"`
	// Registry records which catalog declared this provider, if any.
	Registry   string `json:"registry,omitempty"`
	AutoRemove bool   `json:"autoRemove"`
	// SelfRegistered marks unmanaged providers that reached the plane from
	// the host network rather than from inside the cluster.
	SelfRegistered bool       `json:"selfRegistered"`
	LastActiveAt   *time.Time `json:"lastActiveAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// CreateProviderInput defines inputs for provider registration.
type CreateProviderInput struct {
	Location        string        `json:"location" doc:"Provider location (docker://, git+https://github.com/..., or http(s)://)"`
	AutoStopTimeout time.Duration `json:"autoStopTimeout,omitempty" doc:"Idle duration before the provider is scaled to zero (nanoseconds)"`
	AutoRemove      bool          `json:"autoRemove,omitempty" doc:"Delete an unmanaged provider once it stops responding"`
	SelfRegistered  bool          `json:"selfRegistered,omitempty" doc:"Unmanaged provider reachable from the host network"`
	Registry        string        `json:"-"`
}

// ComputeProviderID returns the stable id for a canonical location.
func ComputeProviderID(location string) string {
	return uuid.NewSHA1(providerNamespace, []byte(location)).String()
}

// Source parses the provider's location.
func (p *Provider) Source() (Source, error) {
	return ParseSource(p.Location)
}

// Managed reports whether the plane owns the provider's container lifecycle.
func (p *Provider) Managed() bool {
	src, err := p.Source()
	return err == nil && src.Managed()
}

// URL returns the endpoint of an unmanaged provider.
func (p *Provider) URL() string {
	src, err := p.Source()
	if err != nil {
		return ""
	}
	if n, ok := src.(NetworkSource); ok {
		return n.URL
	}
	return ""
}

// CheckEnv returns the declared variables absent from env. When raiseError is
// set and any of them is required, a *MissingConfigurationError is returned.
func (p *Provider) CheckEnv(env map[string]string, raiseError bool) ([]EnvVar, error) {
	var missing, missingRequired []EnvVar
	for _, v := range p.Env {
		if _, ok := env[v.Name]; ok {
			continue
		}
		missing = append(missing, v)
		if v.Required {
			missingRequired = append(missingRequired, v)
		}
	}
	if raiseError && len(missingRequired) > 0 {
		return missing, &MissingConfigurationError{ProviderID: p.ID, Missing: missingRequired}
	}
	return missing, nil
}

// ExtractEnv projects env down to the variables this provider declares.
func (p *Provider) ExtractEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(p.Env))
	for _, v := range p.Env {
		if value, ok := env[v.Name]; ok {
			out[v.Name] = value
		}
	}
	return out
}

// DeclaresAny reports whether any of keys is declared by the provider.
func (p *Provider) DeclaresAny(keys []string) bool {
	for _, v := range p.Env {
		for _, k := range keys {
			if v.Name == k {
				return true
			}
		}
	}
	return false
}

// EffectiveAutoStopTimeout falls back to DefaultAutoStopTimeout when unset.
func (p *Provider) EffectiveAutoStopTimeout() time.Duration {
	if p.AutoStopTimeout <= 0 {
		return DefaultAutoStopTimeout
	}
	return p.AutoStopTimeout
}

// MissingConfigurationError names the required variables absent at registration.
type MissingConfigurationError struct {
	ProviderID string
	Missing    []EnvVar
}

func (e *MissingConfigurationError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, v := range e.Missing {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(names, ", "))
}
