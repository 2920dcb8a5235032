package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentplane/internal/registry"
	"github.com/agentregistry-dev/agentplane/pkg/types"
)

// ServeOptions is handed to the control plane when serve runs. Embedders set
// it before executing the root command.
var ServeOptions *types.AppOptions

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Runs the agentplane server: the management API, the ACP and A2A proxies
and the background jobs. Configuration is read from AGENTPLANE_* variables
and an optional .env file.`,
	// The server is what the other commands talk to.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return registry.App(ctx, ServeOptions)
	},
}
