// Package deployment defines how managed providers are brought up, parked and
// torn down on an infrastructure backend.
package deployment

import (
	"context"
	"errors"
	"time"

	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// Port every managed provider listens on.
const Port = 8000

var (
	// ErrStartupTimeout is returned when a provider does not become available in time.
	ErrStartupTimeout = errors.New("provider startup timed out")
	// ErrDeploymentFailed is returned when the infrastructure reports the provider as failing.
	ErrDeploymentFailed = errors.New("provider deployment failed")
)

// Manager reconciles the running state of managed providers. All operations
// are keyed by provider id.
type Manager interface {
	// CreateOrReplace makes the deployment match provider and env. It reports
	// changed=false when an identical deployment already exists, in which case
	// only the replica count is fixed up.
	CreateOrReplace(ctx context.Context, provider *models.Provider, env map[string]string) (bool, error)
	// Delete removes all resources and waits until the removal is observed.
	Delete(ctx context.Context, providerID string) error
	// State returns one state per id, in order, without waiting.
	State(ctx context.Context, providerIDs []string) ([]models.ProviderDeploymentState, error)
	ScaleDown(ctx context.Context, providerID string) error
	ScaleUp(ctx context.Context, providerID string) error
	// WaitForStartup blocks until the provider is available, fails, or timeout elapses.
	WaitForStartup(ctx context.Context, providerID string, timeout time.Duration) error
	// ProviderURL returns the stable in-cluster address. It is valid before the
	// deployment exists.
	ProviderURL(providerID string) string
	// StreamLogs sends log lines to sink until ctx ends or the stream closes.
	StreamLogs(ctx context.Context, providerID string, sink func(line string)) error
}

// PlatformEnv is injected into every managed provider on top of its declared variables.
type PlatformEnv struct {
	PlatformURL  string
	CollectorURL string
}

// Vars returns the injected variables.
func (p PlatformEnv) Vars() map[string]string {
	return map[string]string{
		"PORT":                        "8000",
		"HOST":                        "0.0.0.0",
		"OTEL_EXPORTER_OTLP_ENDPOINT": p.CollectorURL,
		"PLATFORM_URL":                p.PlatformURL,
	}
}
