package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentryai/sentry/internal/budget"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/scope"
	"github.com/sentryai/sentry/internal/workflow"
)

var missionsCmd = &cobra.Command{
	Use:   "missions",
	Short: "Start, inspect and control missions",
}

var (
	startTargets    []string
	startObjective  string
	startScanType   string
	startAutoPilot  bool
	startNotify     bool
	startAllow      []string
	startExclude    []string
	startPrivateIPs bool
	startLocalhost  bool
	startMaxSteps   int
	startMaxCost    float64
	startMaxMinutes int
)

var missionsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch a new mission",
	Long: `Launch a mission against one or more targets. Without --allow the scope
defaults to exactly the targets given; broaden it with --allow patterns
(wildcards and CIDRs) and narrow it with --exclude.`,
	Example: `  sentryctl missions start --target scanme.example.com --objective "full recon"
  sentryctl missions start --target example.com --allow "*.example.com" \
      --objective "find subdomain takeovers" --auto-pilot --max-cost 2.50`,
	RunE: runMissionStart,
}

func runMissionStart(cmd *cobra.Command, args []string) error {
	if len(startTargets) == 0 {
		return fmt.Errorf("at least one --target is required")
	}
	if strings.TrimSpace(startObjective) == "" {
		return fmt.Errorf("--objective is required")
	}

	payload := startMissionPayload{
		Targets:         startTargets,
		Objective:       startObjective,
		ScanType:        startScanType,
		AutoPilot:       startAutoPilot,
		NotifyOnFinding: startNotify,
	}
	if len(startAllow) > 0 || len(startExclude) > 0 || startPrivateIPs || startLocalhost {
		allow := startAllow
		if len(allow) == 0 {
			allow = startTargets
		}
		payload.Scope = &scope.Policy{
			Allow:           allow,
			Exclude:         startExclude,
			AllowPrivateIPs: startPrivateIPs,
			AllowLocalhost:  startLocalhost,
		}
	}
	if cmd.Flags().Changed("max-steps") || cmd.Flags().Changed("max-cost") || cmd.Flags().Changed("max-minutes") {
		lim := budget.DefaultLimits()
		if cmd.Flags().Changed("max-steps") {
			lim.MaxSteps = startMaxSteps
		}
		if cmd.Flags().Changed("max-cost") {
			lim.MaxCostUSD = startMaxCost
		}
		if cmd.Flags().Changed("max-minutes") {
			lim.MaxRuntime = time.Duration(startMaxMinutes) * time.Minute
		}
		payload.Limits = &lim
	}

	m, err := apiClient().StartMission(cmd.Context(), payload)
	if err != nil {
		return err
	}
	if flagJSON {
		return PrintJSON(os.Stdout, m)
	}
	fmt.Printf("Mission: %s\n", m.ID)
	fmt.Printf("Workflow: %s\n", m.WorkflowID)
	fmt.Printf("Target: %s\n", m.Target)
	fmt.Printf("Status: %s\n", ColorStatus(string(m.Status)))
	fmt.Printf("Auto-pilot: %t\n", m.AutoPilot)
	return nil
}

var (
	listStatus string
	listLimit  int
)

var missionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient().Missions(cmd.Context(), listStatus, listLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, list)
		}

		headers := []string{"ID", "TARGET", "OBJECTIVE", "STATUS", "STEPS", "COST", "CREATED"}
		rows := make([][]string, 0, len(list.Missions))
		for _, m := range list.Missions {
			rows = append(rows, []string{
				Truncate(m.ID, 12),
				Truncate(m.Target, 28),
				Truncate(m.Objective, 32),
				ColorStatus(string(m.Status)),
				strconv.Itoa(m.StepsTaken),
				fmt.Sprintf("$%.2f", m.CostUSD),
				FormatTimeOrDash(m.CreatedAt),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		fmt.Fprintf(os.Stdout, "\nTotal: %d missions\n", list.Total)
		return nil
	},
}

var missionsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show mission details, including the live workflow state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := apiClient().Mission(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, detail)
		}

		m := detail.Mission
		fmt.Printf("ID: %s\n", m.ID)
		fmt.Printf("Workflow: %s\n", m.WorkflowID)
		fmt.Printf("Target: %s\n", m.Target)
		fmt.Printf("Objective: %s\n", m.Objective)
		fmt.Printf("Scan Type: %s\n", m.ScanType)
		fmt.Printf("Status: %s\n", ColorStatus(string(m.Status)))
		fmt.Printf("Auto-pilot: %t\n", m.AutoPilot)
		fmt.Printf("Steps: %d\n", m.StepsTaken)
		fmt.Printf("Cost: $%.4f\n", m.CostUSD)
		fmt.Printf("Created: %s\n", FormatTimeOrDash(m.CreatedAt))
		fmt.Printf("Started: %s\n", FormatTimeOrDash(m.StartedAt))
		fmt.Printf("Ended: %s\n", FormatTimeOrDash(m.EndedAt))
		if m.Error != "" {
			fmt.Printf("Error: %s\n", m.Error)
		}

		if detail.ExecutionStatus != "" {
			fmt.Printf("Execution: %s\n", detail.ExecutionStatus)
		}
		if live := detail.Live; live != nil {
			fmt.Printf("Live: status=%s steps=%d findings=%d cost=$%.4f\n",
				live.Status, live.StepsTaken, live.FindingsCount, live.CostUSD)
			if live.Plan != nil {
				printPlan(live.Plan, live.ApprovedSteps)
			}
		}
		return nil
	},
}

func printPlan(p *mission.Plan, approved []int) {
	fmt.Printf("Plan %s (%d steps):\n", p.PlanID, len(p.Steps))
	approvedSet := make(map[int]bool, len(approved))
	for _, id := range approved {
		approvedSet[id] = true
	}
	for _, step := range p.Steps {
		mark := " "
		if approvedSet[step.ID] {
			mark = "*"
		}
		fmt.Printf("  %s %2d. [%s] %s (%s %s)\n",
			mark, step.ID, step.Risk, step.Title, step.Tool.Tool, step.Tool.Target)
	}
}

var missionsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Ask a running mission to stop gracefully",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient().CancelMission(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, out)
		}
		fmt.Printf("Mission %s: %s\n", out["mission_id"], out["status"])
		return nil
	},
}

var missionsTerminateCmd = &cobra.Command{
	Use:   "terminate <id>",
	Short: "Force-terminate a mission's workflow",
	Long: `Terminate kills the workflow without waiting for activity cleanup. Prefer
cancel; terminate is for missions that no longer respond to signals.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient().TerminateMission(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, out)
		}
		fmt.Printf("Mission %s: %s\n", out["mission_id"], out["status"])
		return nil
	},
}

var missionsPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause mission execution after the current step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalAndReport(cmd, args[0], workflow.SignalPause, nil)
	},
}

var missionsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalAndReport(cmd, args[0], workflow.SignalResume, nil)
	},
}

var (
	approvePlanID string
	approveSteps  string
)

var missionsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve the pending plan of a mission awaiting approval",
	Long: `Approve sends the approve_plan signal. Without --steps every step is
approved; with --steps only the listed step ids run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var steps []int
		if approveSteps != "" {
			for _, part := range strings.Split(approveSteps, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				n, err := strconv.Atoi(part)
				if err != nil {
					return fmt.Errorf("invalid step id %q", part)
				}
				steps = append(steps, n)
			}
		}
		payload := workflow.ApprovePlanSignal{
			PlanID:        approvePlanID,
			ApprovedSteps: steps,
		}
		return signalAndReport(cmd, args[0], workflow.SignalApprovePlan, payload)
	},
}

var signalData string

var missionsSignalCmd = &cobra.Command{
	Use:   "signal <id> <name>",
	Short: "Send a raw signal to a mission workflow",
	Long: `Send one of the workflow signals (approve_plan, pause, resume, kill)
with an optional JSON payload via --data.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if signalData != "" {
			raw := json.RawMessage(signalData)
			if !json.Valid(raw) {
				return fmt.Errorf("--data must be valid JSON")
			}
			payload = raw
		}
		return signalAndReport(cmd, args[0], args[1], payload)
	},
}

func signalAndReport(cmd *cobra.Command, id, signal string, data any) error {
	out, err := apiClient().SignalMission(cmd.Context(), id, signal, data)
	if err != nil {
		return err
	}
	if flagJSON {
		return PrintJSON(os.Stdout, out)
	}
	fmt.Printf("Mission %s: signal %s accepted\n", out["mission_id"], out["signal"])
	return nil
}

var missionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a mission record",
	Long: `Delete removes the stored record only. A running workflow keeps running;
terminate it first if that is the intent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteMission(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Mission %s deleted\n", args[0])
		return nil
	},
}

var missionFindingsSeverity string

var missionsFindingsCmd = &cobra.Command{
	Use:   "findings <id>",
	Short: "List the findings of one mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient().MissionFindings(cmd.Context(), args[0], missionFindingsSeverity)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, list)
		}
		renderFindings(list.Findings, list.Total)
		return nil
	},
}

func init() {
	missionsStartCmd.Flags().StringArrayVarP(&startTargets, "target", "t", nil, "target host, URL or CIDR (repeatable)")
	missionsStartCmd.Flags().StringVarP(&startObjective, "objective", "o", "", "what the mission should accomplish")
	missionsStartCmd.Flags().StringVar(&startScanType, "scan-type", "", "scan profile (default \"standard\")")
	missionsStartCmd.Flags().BoolVar(&startAutoPilot, "auto-pilot", false, "execute plans without waiting for approval")
	missionsStartCmd.Flags().BoolVar(&startNotify, "notify", false, "push findings to configured integrations as they appear")
	missionsStartCmd.Flags().StringArrayVar(&startAllow, "allow", nil, "scope allow pattern (repeatable)")
	missionsStartCmd.Flags().StringArrayVar(&startExclude, "exclude", nil, "scope exclude pattern (repeatable)")
	missionsStartCmd.Flags().BoolVar(&startPrivateIPs, "allow-private", false, "permit private IP ranges")
	missionsStartCmd.Flags().BoolVar(&startLocalhost, "allow-localhost", false, "permit loopback targets")
	missionsStartCmd.Flags().IntVar(&startMaxSteps, "max-steps", 0, "step budget override")
	missionsStartCmd.Flags().Float64Var(&startMaxCost, "max-cost", 0, "cost budget override in USD")
	missionsStartCmd.Flags().IntVar(&startMaxMinutes, "max-minutes", 0, "runtime budget override in minutes")

	missionsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by lifecycle status")
	missionsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum rows")

	missionsApproveCmd.Flags().StringVar(&approvePlanID, "plan", "", "plan id to approve (default: the pending plan)")
	missionsApproveCmd.Flags().StringVar(&approveSteps, "steps", "", "comma-separated step ids (default: all)")

	missionsSignalCmd.Flags().StringVar(&signalData, "data", "", "JSON signal payload")

	missionsFindingsCmd.Flags().StringVar(&missionFindingsSeverity, "severity", "", "minimum severity filter")

	missionsCmd.AddCommand(missionsStartCmd)
	missionsCmd.AddCommand(missionsListCmd)
	missionsCmd.AddCommand(missionsGetCmd)
	missionsCmd.AddCommand(missionsCancelCmd)
	missionsCmd.AddCommand(missionsTerminateCmd)
	missionsCmd.AddCommand(missionsPauseCmd)
	missionsCmd.AddCommand(missionsResumeCmd)
	missionsCmd.AddCommand(missionsApproveCmd)
	missionsCmd.AddCommand(missionsSignalCmd)
	missionsCmd.AddCommand(missionsDeleteCmd)
	missionsCmd.AddCommand(missionsFindingsCmd)
}
