package cli

import (
	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentplane/internal/cli"
	"github.com/agentregistry-dev/agentplane/internal/cli/env"
	"github.com/agentregistry-dev/agentplane/internal/cli/provider"
	"github.com/agentregistry-dev/agentplane/internal/client"
)

var rootCmd = &cobra.Command{
	Use:   "agentplane",
	Short: "Run and manage agent providers",
	Long: `agentplane deploys agent providers on demand and proxies ACP and A2A
traffic to them.`,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.NewClientFromEnv()
		if err != nil {
			return err
		}
		cli.SetAPIClient(c)
		provider.SetAPIClient(c)
		env.SetAPIClient(c)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cli.ServeCmd)
	rootCmd.AddCommand(cli.StatusCmd)
	rootCmd.AddCommand(cli.VersionCmd)
	rootCmd.AddCommand(provider.ProviderCmd)
	rootCmd.AddCommand(env.EnvCmd)
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}
