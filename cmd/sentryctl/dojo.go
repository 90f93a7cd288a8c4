package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/dojo"
	"github.com/sentryai/sentry/internal/guardrail"
	"github.com/sentryai/sentry/internal/tools"
)

var dojoCmd = &cobra.Command{
	Use:   "dojo",
	Short: "Run agent evaluation scenarios locally",
}

var (
	dojoJudge    string
	dojoToolsDir string
	dojoVerbose  bool
)

var dojoRunCmd = &cobra.Command{
	Use:   "run <file-or-dir>",
	Short: "Run scenarios against the configured model provider",
	Long: `Run executes evaluation scenarios in-process: the real agent loop over
canned tool fixtures, graded on accuracy, efficiency and safety. It needs
a model provider (LLM_API_KEY or LLM_BASE_URL) but no control plane.

The judge defaults to deterministic rule grading; --judge model grades
transcripts with the model provider instead.`,
	Example: `  sentryctl dojo run ./scenarios
  sentryctl dojo run ./scenarios/takeover.json --judge model`,
	Args: cobra.ExactArgs(1),
	RunE: runDojo,
}

func runDojo(cmd *cobra.Command, args []string) error {
	client, err := modelFromEnv()
	if err != nil {
		return err
	}

	scenarios, err := loadScenarios(args[0])
	if err != nil {
		return err
	}
	if len(scenarios) == 0 {
		return fmt.Errorf("no scenarios under %s", args[0])
	}

	log := zap.NewNop()
	if dojoVerbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
			defer func() { _ = log.Sync() }()
		}
	}

	toolsDir := dojoToolsDir
	if toolsDir == "" {
		toolsDir, err = os.MkdirTemp("", "sentry-dojo-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(toolsDir)
	}
	reg, err := tools.Open(toolsDir, log.Named("tools"))
	if err != nil {
		return err
	}

	var judge dojo.Judge
	switch dojoJudge {
	case "", "rule":
		// NewRunner defaults to rule grading.
	case "model":
		judge = dojo.NewJudge(client, log.Named("judge"))
	default:
		return fmt.Errorf("unknown judge %q (rule or model)", dojoJudge)
	}

	engine := guardrail.NewEngine(client, guardrail.NewValidator(reg), guardrail.NewRingMemory(), log.Named("guardrail"))
	runner := dojo.NewRunner(engine, judge, reg.List(), log.Named("dojo"))

	results := runner.RunAll(cmd.Context(), scenarios)
	summary := dojo.Summarize(results)

	if flagJSON {
		return PrintJSON(os.Stdout, map[string]any{
			"results": results,
			"summary": summary,
		})
	}

	headers := []string{"SCENARIO", "OUTCOME", "SCORE", "ACC", "EFF", "SAFE", "STEPS", "COST"}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = r.ScenarioID
		}
		rows = append(rows, []string{
			Truncate(name, 32),
			colorOutcome(r.Outcome),
			fmt.Sprintf("%.0f", r.Score),
			fmt.Sprintf("%.0f", r.Breakdown.Accuracy),
			fmt.Sprintf("%.0f", r.Breakdown.Efficiency),
			fmt.Sprintf("%.0f", r.Breakdown.Safety),
			fmt.Sprintf("%d", r.StepsTaken),
			fmt.Sprintf("$%.4f", r.CostUSD),
		})
	}
	RenderTable(os.Stdout, headers, rows)

	fmt.Fprintf(os.Stdout, "\n%d scenarios: %d passed, %d partial, %d failed, %d errored (mean score %.1f)\n",
		summary.Total, summary.Passed, summary.Partial, summary.Failed, summary.Errored, summary.MeanScore)

	if dojoVerbose {
		for _, r := range results {
			if r.Notes != "" {
				fmt.Fprintf(os.Stdout, "\n%s:\n  %s\n", r.ScenarioID, r.Notes)
			}
		}
	}
	if n := summary.Failed + summary.Errored; n > 0 {
		return fmt.Errorf("%d of %d scenarios did not pass", n, summary.Total)
	}
	return nil
}

func loadScenarios(path string) ([]dojo.Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return dojo.LoadDir(path)
	}
	sc, err := dojo.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return []dojo.Scenario{sc}, nil
}

func colorOutcome(o dojo.Outcome) string {
	switch o {
	case dojo.OutcomePass:
		return ansiGreen + string(o) + ansiReset
	case dojo.OutcomePartial:
		return ansiYellow + string(o) + ansiReset
	default:
		return ansiRed + string(o) + ansiReset
	}
}

func init() {
	dojoRunCmd.Flags().StringVar(&dojoJudge, "judge", "rule", "grading mode: rule or model")
	dojoRunCmd.Flags().StringVar(&dojoToolsDir, "tools-dir", "", "tool schema directory (default: a temp dir seeded with builtins)")
	dojoRunCmd.Flags().BoolVarP(&dojoVerbose, "verbose", "v", false, "log the agent loop and print judge notes")

	dojoCmd.AddCommand(dojoRunCmd)
}
