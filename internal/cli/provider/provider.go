package provider

import (
	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentplane/internal/client"
)

var apiClient *client.Client

func SetAPIClient(client *client.Client) {
	apiClient = client
}

var ProviderCmd = &cobra.Command{
	Use:   "provider",
	Short: "Commands for managing providers",
	Long:  `Commands for registering, inspecting and removing agent providers.`,
	Args:  cobra.ArbitraryArgs,
	Example: `agentplane provider add docker://ghcr.io/acme/echo-agent:1.0.0
agentplane provider add http://host.docker.internal:8000 --self-registered
agentplane provider list
agentplane provider logs <provider-id>
agentplane provider export -f catalog.yaml
agentplane provider remove <provider-id>`,
}

func init() {
	ProviderCmd.AddCommand(ListCmd)
	ProviderCmd.AddCommand(AddCmd)
	ProviderCmd.AddCommand(RemoveCmd)
	ProviderCmd.AddCommand(LogsCmd)
	ProviderCmd.AddCommand(ExportCmd)
}
