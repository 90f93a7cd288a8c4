package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sentryai/sentry/internal/store"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage recurring missions",
}

var schedulesEnabledOnly bool

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient().Schedules(cmd.Context(), schedulesEnabledOnly)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, list)
		}
		headers := []string{"ID", "NAME", "TARGET", "CRON", "ENABLED", "RUNS", "LAST", "NEXT"}
		rows := make([][]string, 0, len(list.Schedules))
		for _, sc := range list.Schedules {
			next := "-"
			if sc.NextRun != nil {
				next = FormatTimeOrDash(*sc.NextRun)
			}
			last := "-"
			if sc.LastRunAt != nil {
				last = FormatTimeOrDash(*sc.LastRunAt)
			}
			rows = append(rows, []string{
				Truncate(sc.ID, 12),
				Truncate(sc.Name, 20),
				Truncate(sc.Target, 24),
				sc.CronExpr,
				strconv.FormatBool(sc.Enabled),
				strconv.Itoa(sc.RunCount),
				last,
				next,
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d schedules\n", list.Total)
		return nil
	},
}

var createSchedule store.Schedule

var schedulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a recurring mission",
	Long: `Create registers a cron-driven mission. The cron expression accepts
standard five-field syntax plus the @hourly, @daily, @weekly and @monthly
shorthands.`,
	Example: `  sentryctl schedules create --name nightly --target example.com \
      --objective "surface scan" --cron "@daily" --enabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if createSchedule.Name == "" || createSchedule.Target == "" || createSchedule.Objective == "" || createSchedule.CronExpr == "" {
			return fmt.Errorf("--name, --target, --objective and --cron are required")
		}
		created, err := apiClient().CreateSchedule(cmd.Context(), createSchedule)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, created)
		}
		printSchedule(created)
		return nil
	},
}

var schedulesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := apiClient().Schedule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, sc)
		}
		printSchedule(sc)
		return nil
	},
}

func printSchedule(sc *scheduleRow) {
	fmt.Printf("ID: %s\n", sc.ID)
	fmt.Printf("Name: %s\n", sc.Name)
	fmt.Printf("Target: %s\n", sc.Target)
	fmt.Printf("Objective: %s\n", sc.Objective)
	fmt.Printf("Scan Type: %s\n", sc.ScanType)
	fmt.Printf("Cron: %s\n", sc.CronExpr)
	if sc.Timezone != "" {
		fmt.Printf("Timezone: %s\n", sc.Timezone)
	}
	fmt.Printf("Auto-pilot: %t\n", sc.AutoPilot)
	fmt.Printf("Enabled: %t\n", sc.Enabled)
	fmt.Printf("Runs: %d\n", sc.RunCount)
	if sc.LastRunAt != nil {
		fmt.Printf("Last Run: %s (%s)\n", FormatTimeOrDash(*sc.LastRunAt), sc.LastStatus)
	}
	if sc.NextRun != nil {
		fmt.Printf("Next Run: %s\n", FormatTimeOrDash(*sc.NextRun))
	}
}

var (
	updName      string
	updTarget    string
	updObjective string
	updScanType  string
	updCron      string
	updTimezone  string
	updAutoPilot bool
	updEnabled   bool
)

var schedulesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update schedule fields",
	Long:  `Only flags you pass change; everything else keeps its stored value.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		if cmd.Flags().Changed("name") {
			patch["name"] = updName
		}
		if cmd.Flags().Changed("target") {
			patch["target"] = updTarget
		}
		if cmd.Flags().Changed("objective") {
			patch["objective"] = updObjective
		}
		if cmd.Flags().Changed("scan-type") {
			patch["scan_type"] = updScanType
		}
		if cmd.Flags().Changed("cron") {
			patch["cron_expr"] = updCron
		}
		if cmd.Flags().Changed("timezone") {
			patch["timezone"] = updTimezone
		}
		if cmd.Flags().Changed("auto-pilot") {
			patch["auto_pilot"] = updAutoPilot
		}
		if cmd.Flags().Changed("enabled") {
			patch["enabled"] = updEnabled
		}
		if len(patch) == 0 {
			return fmt.Errorf("nothing to update")
		}
		updated, err := apiClient().UpdateSchedule(cmd.Context(), args[0], patch)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, updated)
		}
		printSchedule(updated)
		return nil
	},
}

var schedulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteSchedule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Schedule %s deleted\n", args[0])
		return nil
	},
}

var schedulesTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Run a schedule now, outside its cadence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient().TriggerSchedule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, out)
		}
		fmt.Printf("Schedule %s triggered, mission %s\n", out["schedule_id"], out["mission_id"])
		return nil
	},
}

func init() {
	schedulesListCmd.Flags().BoolVar(&schedulesEnabledOnly, "enabled", false, "only enabled schedules")

	schedulesCreateCmd.Flags().StringVar(&createSchedule.Name, "name", "", "schedule name")
	schedulesCreateCmd.Flags().StringVar(&createSchedule.Target, "target", "", "mission target")
	schedulesCreateCmd.Flags().StringVar(&createSchedule.Objective, "objective", "", "mission objective")
	schedulesCreateCmd.Flags().StringVar(&createSchedule.ScanType, "scan-type", "", "scan profile")
	schedulesCreateCmd.Flags().StringVar(&createSchedule.CronExpr, "cron", "", "cron expression or @shorthand")
	schedulesCreateCmd.Flags().StringVar(&createSchedule.Timezone, "timezone", "", "IANA timezone for the cron expression")
	schedulesCreateCmd.Flags().BoolVar(&createSchedule.AutoPilot, "auto-pilot", false, "launch missions in auto-pilot")
	schedulesCreateCmd.Flags().BoolVar(&createSchedule.Enabled, "enabled", false, "enable immediately")

	schedulesUpdateCmd.Flags().StringVar(&updName, "name", "", "schedule name")
	schedulesUpdateCmd.Flags().StringVar(&updTarget, "target", "", "mission target")
	schedulesUpdateCmd.Flags().StringVar(&updObjective, "objective", "", "mission objective")
	schedulesUpdateCmd.Flags().StringVar(&updScanType, "scan-type", "", "scan profile")
	schedulesUpdateCmd.Flags().StringVar(&updCron, "cron", "", "cron expression or @shorthand")
	schedulesUpdateCmd.Flags().StringVar(&updTimezone, "timezone", "", "IANA timezone")
	schedulesUpdateCmd.Flags().BoolVar(&updAutoPilot, "auto-pilot", false, "launch missions in auto-pilot")
	schedulesUpdateCmd.Flags().BoolVar(&updEnabled, "enabled", false, "enable or disable")

	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesCreateCmd)
	schedulesCmd.AddCommand(schedulesGetCmd)
	schedulesCmd.AddCommand(schedulesUpdateCmd)
	schedulesCmd.AddCommand(schedulesDeleteCmd)
	schedulesCmd.AddCommand(schedulesTriggerCmd)
}
