package models

// ProviderDeploymentState is recomputed from the infrastructure on every read.
type ProviderDeploymentState string

const (
	// DeploymentStateMissing means no backing deployment exists.
	DeploymentStateMissing ProviderDeploymentState = "missing"
	// DeploymentStateStarting means the deployment exists but is not yet available.
	DeploymentStateStarting ProviderDeploymentState = "starting"
	// DeploymentStateReady means the deployment is parked at zero replicas.
	DeploymentStateReady ProviderDeploymentState = "ready"
	// DeploymentStateRunning means at least one replica is available.
	DeploymentStateRunning ProviderDeploymentState = "running"
	// DeploymentStateError means the deployment exists but is failing.
	DeploymentStateError ProviderDeploymentState = "error"
)

// ProviderStatus pairs a provider with its live deployment state.
type ProviderStatus struct {
	Provider
	State ProviderDeploymentState `json:"state"`
}
