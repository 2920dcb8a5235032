package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentplane/internal/client"
	"github.com/agentregistry-dev/agentplane/internal/version"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

var statusOutputFormat string

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the server",
	Long:  `Displays whether the agentplane server is reachable, its version, and provider counts.`,
	// Override PersistentPreRunE so an unreachable server is reported, not fatal.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "table", "Output format (table, json)")
}

type statusInfo struct {
	API       string `json:"api"`
	Version   string `json:"version,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Providers int    `json:"providers"`
	Running   int    `json:"running"`
	Agents    int    `json:"agents"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	info := statusInfo{
		API:       "unreachable",
		Providers: -1,
		Running:   -1,
		Agents:    -1,
	}

	// No retries: a stopped server is a valid answer here.
	c := client.FromEnv()
	if err := c.Ping(); err == nil {
		info.API = "ok"
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if ver, err := c.GetVersion(); err == nil {
			info.Version = ver.Version
			info.GitCommit = ver.GitCommit
			info.BuildTime = ver.BuildTime
		}
		if providers, err := c.ListProviders(ctx); err == nil {
			info.Providers = len(providers)
			info.Running = 0
			for _, p := range providers {
				if p.State == models.DeploymentStateRunning {
					info.Running++
				}
			}
		}
		if agents, err := c.ListAgents(ctx); err == nil {
			info.Agents = len(agents)
		}
	}

	out := cmd.OutOrStdout()
	if statusOutputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(out, "agentplane version: %s\n", version.Version)
	fmt.Fprintf(out, "Server:             %s\n", c.BaseURL())
	fmt.Fprintf(out, "API:                %s\n", info.API)
	if info.Version != "" {
		fmt.Fprintf(out, "Server version:     %s\n", info.Version)
		fmt.Fprintf(out, "Git commit:         %s\n", info.GitCommit)
		fmt.Fprintf(out, "Build time:         %s\n", info.BuildTime)
	}
	if info.Providers >= 0 {
		fmt.Fprintf(out, "Providers:          %d (%d running)\n", info.Providers, info.Running)
	}
	if info.Agents >= 0 {
		fmt.Fprintf(out, "Agents:             %d\n", info.Agents)
	}
	return nil
}
