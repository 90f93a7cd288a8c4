// Command sentryctl is the operator CLI for the SentryAI control plane.
// Most commands are thin REST calls against sentryd; keys operates on the
// auth database directly, and dojo runs the evaluation harness in-process
// without a control plane at all.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8080"

var (
	flagServer string
	flagAPIKey string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "sentryctl",
	Short: "Operator CLI for the SentryAI mission control plane",
	Long: `sentryctl drives the SentryAI control plane: launch and signal missions,
triage findings, manage tool schemas, schedules and integrations, and run
agent evaluation scenarios locally.

The server address comes from --server, the API key from --api-key or the
SENTRY_API_KEY environment variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sentryctl %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

// apiClient builds the REST client from the global flags.
func apiClient() *APIClient {
	key := flagAPIKey
	if key == "" {
		key = os.Getenv("SENTRY_API_KEY")
	}
	return NewAPIClient(flagServer, key)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", defaultServer, "control plane base URL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "API key (or set SENTRY_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(missionsCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(integrationsCmd)
	rootCmd.AddCommand(scopeCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(dojoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
