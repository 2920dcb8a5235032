package env

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentplane/internal/cli/common"
	"github.com/agentregistry-dev/agentplane/internal/client"
)

var apiClient *client.Client

func SetAPIClient(client *client.Client) {
	apiClient = client
}

var EnvCmd = &cobra.Command{
	Use:   "env",
	Short: "Commands for managing the global environment",
	Long: `Commands for managing the variables passed to providers.

Changing a variable redeploys every managed provider that declares it.
If any redeploy fails, the change is rolled back.`,
	Args: cobra.ArbitraryArgs,
	Example: `agentplane env list
agentplane env set OPENAI_API_KEY=sk-... REGION=eu
agentplane env unset REGION`,
}

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List variable names",
	RunE: func(cmd *cobra.Command, args []string) error {
		if apiClient == nil {
			return fmt.Errorf("API client not initialized")
		}
		names, err := apiClient.ListVariables(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list variables: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(names) == 0 {
			fmt.Fprintln(out, "No variables set")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil
	},
}

var SetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Set variables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := common.ParseAssignments(args)
		if err != nil {
			return err
		}
		return update(cmd, set, nil)
	},
}

var UnsetCmd = &cobra.Command{
	Use:   "unset KEY...",
	Short: "Remove variables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return update(cmd, nil, args)
	},
}

func update(cmd *cobra.Command, set map[string]string, remove []string) error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	result, err := apiClient.UpdateVariables(cmd.Context(), set, remove)
	if err != nil {
		return fmt.Errorf("failed to update variables: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(result.Rotated) == 0 {
		common.PrintSuccess(out, fmt.Sprintf("Environment updated (version %d)", result.Version))
		return nil
	}
	rotated := slices.Clone(result.Rotated)
	slices.Sort(rotated)
	common.PrintSuccess(out, fmt.Sprintf("Environment updated (version %d), redeployed: %s",
		result.Version, strings.Join(rotated, ", ")))
	return nil
}

func init() {
	EnvCmd.AddCommand(ListCmd)
	EnvCmd.AddCommand(SetCmd)
	EnvCmd.AddCommand(UnsetCmd)
}
