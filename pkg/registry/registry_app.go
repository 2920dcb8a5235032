// Package registry exposes the control plane entrypoint to embedders.
package registry

import (
	"context"

	"github.com/agentregistry-dev/agentplane/internal/registry"
	"github.com/agentregistry-dev/agentplane/pkg/types"
)

// App runs the control plane until ctx is cancelled. opts may be nil.
func App(ctx context.Context, opts *types.AppOptions) error {
	return registry.App(ctx, opts)
}
