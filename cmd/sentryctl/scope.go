package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentryai/sentry/internal/scope"
)

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Dry-run scope policies",
}

var (
	scopeAllow      []string
	scopeExclude    []string
	scopeAllowCIDRs []string
	scopeExclCIDRs  []string
	scopePrivateIPs bool
	scopeLocalhost  bool
)

var scopeCheckCmd = &cobra.Command{
	Use:   "check <target>...",
	Short: "Check targets against a scope policy without running anything",
	Long: `Check sends targets and a policy to the server and prints the verdict
each target would get during a mission. The same enforcement the workflow
applies, minus the mission.`,
	Example: `  sentryctl scope check api.example.com evil.com \
      --allow "*.example.com" --exclude "admin.example.com"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol := scope.Policy{
			Allow:           scopeAllow,
			Exclude:         scopeExclude,
			AllowCIDRs:      scopeAllowCIDRs,
			ExcludeCIDRs:    scopeExclCIDRs,
			AllowPrivateIPs: scopePrivateIPs,
			AllowLocalhost:  scopeLocalhost,
		}
		if len(pol.Allow) == 0 && len(pol.AllowCIDRs) == 0 {
			pol.Allow = args
		}
		out, err := apiClient().ScopeCheck(cmd.Context(), args, pol)
		if err != nil {
			return err
		}
		if flagJSON {
			return PrintJSON(os.Stdout, out)
		}

		headers := []string{"TARGET", "DECISION", "REASON"}
		rows := make([][]string, 0, len(out.Results))
		denied := 0
		for _, v := range out.Results {
			decision := string(v.Decision)
			if v.Allowed() {
				decision = ansiGreen + decision + ansiReset
			} else {
				decision = ansiRed + decision + ansiReset
				denied++
			}
			rows = append(rows, []string{v.Target, decision, v.Reason})
		}
		RenderTable(os.Stdout, headers, rows)
		if denied > 0 {
			fmt.Fprintf(os.Stdout, "\n%d of %d targets denied\n", denied, len(out.Results))
		}
		return nil
	},
}

func init() {
	scopeCheckCmd.Flags().StringArrayVar(&scopeAllow, "allow", nil, "allow pattern (default: the targets themselves)")
	scopeCheckCmd.Flags().StringArrayVar(&scopeExclude, "exclude", nil, "exclude pattern")
	scopeCheckCmd.Flags().StringArrayVar(&scopeAllowCIDRs, "allow-cidr", nil, "allow CIDR range")
	scopeCheckCmd.Flags().StringArrayVar(&scopeExclCIDRs, "exclude-cidr", nil, "exclude CIDR range")
	scopeCheckCmd.Flags().BoolVar(&scopePrivateIPs, "allow-private", false, "permit private IP ranges")
	scopeCheckCmd.Flags().BoolVar(&scopeLocalhost, "allow-localhost", false, "permit loopback targets")

	scopeCmd.AddCommand(scopeCheckCmd)
}
