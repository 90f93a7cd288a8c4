package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sentryai/sentry/internal/store"
)

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "Manage notification channels (slack, discord, jira, linear, webhook)",
}

var integrationsEnabledOnly bool

var integrationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List integrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient().Integrations(cmd.Context(), integrationsEnabledOnly)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, list)
		}
		headers := []string{"ID", "TYPE", "NAME", "MIN SEVERITY", "ENABLED", "LAST USED"}
		rows := make([][]string, 0, len(list.Integrations))
		for _, in := range list.Integrations {
			lastUsed := "-"
			if in.LastUsedAt != nil {
				lastUsed = FormatTimeOrDash(*in.LastUsedAt)
			}
			minSev := in.MinSeverity
			if minSev == "" {
				minSev = "-"
			}
			rows = append(rows, []string{
				Truncate(in.ID, 12),
				in.Type,
				Truncate(in.Name, 20),
				minSev,
				strconv.FormatBool(in.Enabled),
				lastUsed,
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d integrations\n", list.Total)
		return nil
	},
}

var (
	intType        string
	intName        string
	intConfig      string
	intConfigFile  string
	intMinSeverity string
	intEnabled     bool
)

var integrationsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Add a notification channel",
	Long: `Create registers an outbound channel. The config blob is channel
specific JSON, for example {"webhook_url": "https://hooks.slack.com/..."}
for slack or discord. The server validates the config before saving.`,
	Example: `  sentryctl integrations create --type slack --name ops \
      --config '{"webhook_url":"https://hooks.slack.com/services/T0/B0/x"}' \
      --min-severity high --enabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if intType == "" || intName == "" {
			return fmt.Errorf("--type and --name are required")
		}
		cfg := intConfig
		if intConfigFile != "" {
			raw, err := os.ReadFile(intConfigFile)
			if err != nil {
				return err
			}
			cfg = string(raw)
		}
		if cfg == "" {
			return fmt.Errorf("--config or --config-file is required")
		}
		created, err := apiClient().CreateIntegration(cmd.Context(), store.Integration{
			Type:        intType,
			Name:        intName,
			Config:      cfg,
			MinSeverity: intMinSeverity,
			Enabled:     intEnabled,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, created)
		}
		fmt.Printf("Integration %s created (%s, min severity %s)\n", created.ID, created.Type, created.MinSeverity)
		return nil
	},
}

var (
	intUpdName    string
	intUpdConfig  string
	intUpdMinSev  string
	intUpdEnabled bool
)

var integrationsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update integration fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		if cmd.Flags().Changed("name") {
			patch["name"] = intUpdName
		}
		if cmd.Flags().Changed("config") {
			patch["config"] = intUpdConfig
		}
		if cmd.Flags().Changed("min-severity") {
			patch["min_severity"] = intUpdMinSev
		}
		if cmd.Flags().Changed("enabled") {
			patch["enabled"] = intUpdEnabled
		}
		if len(patch) == 0 {
			return fmt.Errorf("nothing to update")
		}
		updated, err := apiClient().UpdateIntegration(cmd.Context(), args[0], patch)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, updated)
		}
		fmt.Printf("Integration %s updated\n", updated.ID)
		return nil
	},
}

var integrationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove an integration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteIntegration(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Integration %s deleted\n", args[0])
		return nil
	},
}

func init() {
	integrationsListCmd.Flags().BoolVar(&integrationsEnabledOnly, "enabled", false, "only enabled integrations")

	integrationsCreateCmd.Flags().StringVar(&intType, "type", "", "channel type (slack, discord, jira, linear, webhook)")
	integrationsCreateCmd.Flags().StringVar(&intName, "name", "", "display name")
	integrationsCreateCmd.Flags().StringVar(&intConfig, "config", "", "channel config JSON")
	integrationsCreateCmd.Flags().StringVar(&intConfigFile, "config-file", "", "read channel config JSON from a file")
	integrationsCreateCmd.Flags().StringVar(&intMinSeverity, "min-severity", "", "lowest severity to deliver (default medium)")
	integrationsCreateCmd.Flags().BoolVar(&intEnabled, "enabled", false, "enable immediately")

	integrationsUpdateCmd.Flags().StringVar(&intUpdName, "name", "", "display name")
	integrationsUpdateCmd.Flags().StringVar(&intUpdConfig, "config", "", "channel config JSON")
	integrationsUpdateCmd.Flags().StringVar(&intUpdMinSev, "min-severity", "", "lowest severity to deliver")
	integrationsUpdateCmd.Flags().BoolVar(&intUpdEnabled, "enabled", false, "enable or disable")

	integrationsCmd.AddCommand(integrationsListCmd)
	integrationsCmd.AddCommand(integrationsCreateCmd)
	integrationsCmd.AddCommand(integrationsUpdateCmd)
	integrationsCmd.AddCommand(integrationsDeleteCmd)
}
