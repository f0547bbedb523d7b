package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/audit"
)

var (
	activityKindFlag  string
	activityToolFlag  string
	activityQueryFlag string
	activityLimitFlag int
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the audit trail, newest first",
	Long: `Print recent control plane activity from the append-only audit log:
resolved plans, executions, failed steps, remediation offers, and cache
busts.

Examples:
  deckhand activity
  deckhand activity --kind step_failed
  deckhand activity --tool ruff --limit 20`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		recs, err := rt.auditor.Scan(audit.Filter{
			Kind:   activityKindFlag,
			ToolID: activityToolFlag,
			Query:  activityQueryFlag,
			Limit:  activityLimitFlag,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		if len(recs) == 0 {
			fmt.Println("No activity recorded.")
			return
		}

		for _, rec := range recs {
			line := fmt.Sprintf("%s  %-21s", rec.At.Format("2006-01-02 15:04:05"), rec.Kind)
			if rec.ToolID != "" {
				line += "  " + rec.ToolID
			}
			if rec.Card != "" {
				line += "  card=" + rec.Card
			}
			if rec.Result != "" {
				line += "  result=" + rec.Result
			}
			if rec.FailureID != "" {
				line += "  failure=" + rec.FailureID
			}
			fmt.Println(line)
		}
	},
}

func init() {
	activityCmd.Flags().StringVar(&activityKindFlag, "kind", "", "Filter by record kind")
	activityCmd.Flags().StringVar(&activityToolFlag, "tool", "", "Filter by tool ID")
	activityCmd.Flags().StringVar(&activityQueryFlag, "q", "", "Substring search across records")
	activityCmd.Flags().IntVar(&activityLimitFlag, "limit", 50, "Maximum records to show")
}
