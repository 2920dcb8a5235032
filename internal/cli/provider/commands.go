package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentregistry-dev/agentplane/internal/cli/common"
	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/exporter"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

var (
	outputFormat    string
	autoStopTimeout time.Duration
	autoRemove      bool
	selfRegistered  bool
	logLines        int
	exportFile      string
)

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers",
	Long:  `List registered providers with their deployment state.`,
	RunE:  runList,
}

var AddCmd = &cobra.Command{
	Use:   "add <location>",
	Short: "Register a provider",
	Long: `Register a provider from a location.

Supported locations:
  docker://<image>                          managed, runs from a container image
  git+https://github.com/<org>/<repo>[@ref] managed, built from a repository
  http(s)://<host>:<port>                   unmanaged, already running`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

var RemoveCmd = &cobra.Command{
	Use:     "remove <provider-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a provider",
	Long:    `Remove a provider with its agents. Managed providers are undeployed first.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var LogsCmd = &cobra.Command{
	Use:   "logs <provider-id>",
	Short: "Show recent provider logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var ExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export providers as a catalog",
	Long: `Write the registered providers in catalog format. The output can be used
as the server's AGENTPLANE_CATALOG_PATH.`,
	RunE: runExport,
}

func init() {
	ExportCmd.Flags().StringVarP(&exportFile, "file", "f", "", "Write to this file instead of stdout")
	ListCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	AddCmd.Flags().DurationVar(&autoStopTimeout, "auto-stop-timeout", 0, "Idle time before the provider is scaled to zero (server default when unset)")
	AddCmd.Flags().BoolVar(&autoRemove, "auto-remove", false, "Remove the provider once it stops responding (unmanaged only)")
	AddCmd.Flags().BoolVar(&selfRegistered, "self-registered", false, "The provider runs on the host network")

	LogsCmd.Flags().IntVarP(&logLines, "lines", "n", 100, "Number of lines to show")
}

func runList(cmd *cobra.Command, args []string) error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	providers, err := apiClient.ListProviders(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return common.PrintJSON(out, providers)
	}
	if len(providers) == 0 {
		fmt.Fprintln(out, "No providers registered")
		return nil
	}
	rows := make([][]string, 0, len(providers))
	for _, p := range providers {
		kind := "unmanaged"
		if p.Managed() {
			kind = "managed"
		}
		rows = append(rows, []string{
			p.ID,
			common.TruncateString(p.Location, 60),
			kind,
			string(p.State),
			envNames(p.Env),
		})
	}
	common.PrintTable(out, []string{"ID", "Location", "Kind", "State", "Env"}, rows)
	return nil
}

func envNames(vars []models.EnvVar) string {
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		name := v.Name
		if v.Required {
			name += "*"
		}
		names = append(names, name)
	}
	return common.TruncateString(strings.Join(names, ","), 40)
}

func runAdd(cmd *cobra.Command, args []string) error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	out := cmd.OutOrStdout()
	common.PrintInfo(out, fmt.Sprintf("Registering %s...", args[0]))
	p, err := apiClient.RegisterProvider(cmd.Context(), &models.CreateProviderInput{
		Location:        args[0],
		AutoStopTimeout: autoStopTimeout,
		AutoRemove:      autoRemove,
		SelfRegistered:  selfRegistered,
	})
	if err != nil {
		return fmt.Errorf("failed to register provider: %w", err)
	}
	common.PrintSuccess(out, fmt.Sprintf("Provider %s registered (%s)", p.ID, p.State))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	if err := apiClient.DeleteProvider(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to remove provider: %w", err)
	}
	common.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Provider %s removed", args[0]))
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	lines, err := apiClient.ProviderLogs(cmd.Context(), args[0], logLines)
	if err != nil {
		return fmt.Errorf("failed to get logs: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

// clientLister reads providers through the API.
type clientLister struct{}

func (clientLister) ListProviders(ctx context.Context, _ *database.ProviderFilter) ([]*models.ProviderStatus, error) {
	providers, err := apiClient.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ProviderStatus, len(providers))
	for i := range providers {
		out[i] = &providers[i]
	}
	return out, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	if apiClient == nil {
		return fmt.Errorf("API client not initialized")
	}
	svc := exporter.NewService(clientLister{})
	if exportFile == "" {
		_, err := svc.Export(cmd.Context(), cmd.OutOrStdout())
		return err
	}
	n, err := svc.ExportToPath(cmd.Context(), exportFile)
	if err != nil {
		return err
	}
	common.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Exported %d providers to %s", n, exportFile))
	return nil
}
