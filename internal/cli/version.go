package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/agentregistry-dev/agentplane/internal/client"
	"github.com/agentregistry-dev/agentplane/internal/version"
)

var apiClient *client.Client

func SetAPIClient(client *client.Client) {
	apiClient = client
}

type VersionOutput struct {
	CLIVersion           string `json:"cli_version"`
	GitCommit            string `json:"git_commit"`
	BuildDate            string `json:"build_date"`
	ServerVersion        string `json:"server_version,omitempty"`
	ServerGitCommit      string `json:"server_git_commit,omitempty"`
	ServerBuildDate      string `json:"server_build_date,omitempty"`
	UpdateRecommendation string `json:"update_recommendation,omitempty"`
}

var jsonOutput bool

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Displays the version of agentplane and, when reachable, of the server.`,
	// Override PersistentPreRunE so an unreachable server does not fail the command.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient == nil {
			apiClient = client.FromEnv()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		output := VersionOutput{
			CLIVersion: version.Version,
			GitCommit:  version.GitCommit,
			BuildDate:  version.BuildDate,
		}

		var serverErr error
		if apiClient == nil {
			serverErr = fmt.Errorf("API client not initialized")
		} else if serverVersion, err := apiClient.GetVersion(); err != nil {
			serverErr = err
		} else {
			output.ServerVersion = serverVersion.Version
			output.ServerGitCommit = serverVersion.GitCommit
			output.ServerBuildDate = serverVersion.BuildTime
			output.UpdateRecommendation = updateRecommendation(version.Version, serverVersion.Version)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			jsonBytes, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("error marshaling JSON: %w", err)
			}
			fmt.Fprintln(out, string(jsonBytes))
			return nil
		}

		fmt.Fprintf(out, "agentplane version %s\n", output.CLIVersion)
		fmt.Fprintf(out, "Git commit: %s\n", output.GitCommit)
		fmt.Fprintf(out, "Build date: %s\n", output.BuildDate)

		if serverErr != nil {
			fmt.Fprintf(out, "Error getting server version: %v\n", serverErr)
			return nil
		}
		fmt.Fprintf(out, "Server version: %s\n", output.ServerVersion)
		fmt.Fprintf(out, "Server git commit: %s\n", output.ServerGitCommit)
		fmt.Fprintf(out, "Server build date: %s\n", output.ServerBuildDate)
		if output.UpdateRecommendation != "" {
			fmt.Fprintln(out, "\n-------------------------------")
			fmt.Fprintln(out, output.UpdateRecommendation)
		}
		return nil
	},
}

func updateRecommendation(cliVersion, serverVersion string) string {
	cv, sv := version.EnsureVPrefix(cliVersion), version.EnsureVPrefix(serverVersion)
	if !semver.IsValid(cv) || !semver.IsValid(sv) {
		return ""
	}
	switch semver.Compare(cv, sv) {
	case 1:
		return "CLI version is newer than server version. Consider updating the server."
	case -1:
		return "Server version is newer than CLI version. Consider updating the CLI."
	}
	return ""
}

func init() {
	VersionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information in JSON format")
}
