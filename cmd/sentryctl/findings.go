package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentryai/sentry/internal/mission"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List, triage and correlate findings",
}

var (
	findingsSeverity string
	findingsStatus   string
	findingsLimit    int
)

var findingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List findings across all missions",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := apiClient().Findings(cmd.Context(), findingsSeverity, findingsStatus, findingsLimit)
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

func renderFindings(findings []mission.Finding, total int) {
	headers := []string{"ID", "SEVERITY", "TITLE", "ASSET", "STATUS", "CREATED"}
	rows := make([][]string, 0, len(findings))
	for _, f := range findings {
		status := string(f.Status)
		if status == "" {
			status = string(mission.FindingNew)
		}
		rows = append(rows, []string{
			Truncate(f.ID, 12),
			ColorSeverity(string(f.Severity)),
			Truncate(f.Title, 44),
			Truncate(f.AffectedAsset, 28),
			status,
			FormatTimeOrDash(f.CreatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d findings\n", total)
}

var findingsTriageCmd = &cobra.Command{
	Use:   "triage <id> <status>",
	Short: "Set a finding's triage status",
	Long:  `Valid statuses: confirmed, false_positive, resolved, new.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().UpdateFinding(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Finding %s: %s\n", args[0], args[1])
		return nil
	},
}

var similarK int

var findingsSimilarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "Find past findings similar to this one",
	Long: `Similar searches embedded finding text by cosine similarity. The server
needs an embeddings-capable model provider; without one this returns 501.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient().SimilarFindings(cmd.Context(), args[0], similarK)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, out)
		}
		if len(out.Similar) == 0 {
			fmt.Println("No similar findings.")
			return nil
		}
		headers := []string{"FINDING", "SCORE", "TEXT"}
		rows := make([][]string, 0, len(out.Similar))
		for _, s := range out.Similar {
			rows = append(rows, []string{
				Truncate(s.FindingID, 12),
				fmt.Sprintf("%.3f", s.Score),
				Truncate(s.Text, 60),
			})
		}
		RenderTable(os.Stdout, headers, rows)
		return nil
	},
}

func init() {
	findingsListCmd.Flags().StringVar(&findingsSeverity, "severity", "", "filter by severity")
	findingsListCmd.Flags().StringVar(&findingsStatus, "status", "", "filter by triage status")
	findingsListCmd.Flags().IntVar(&findingsLimit, "limit", 0, "maximum rows")

	findingsSimilarCmd.Flags().IntVar(&similarK, "k", 5, "number of neighbors")

	findingsCmd.AddCommand(findingsListCmd)
	findingsCmd.AddCommand(findingsTriageCmd)
	findingsCmd.AddCommand(findingsSimilarCmd)
}
