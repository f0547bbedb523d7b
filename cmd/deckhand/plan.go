package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/plan"
)

var (
	planMethodFlag    string
	planReinstallFlag bool
	planJSONFlag      bool
)

var planCmd = &cobra.Command{
	Use:   "plan <tool>",
	Short: "Resolve an install plan without executing it",
	Long: `Resolve the deterministic install plan for a tool against the
current system profile and print it.

Examples:
  deckhand plan ruff
  deckhand plan cargo-audit --json
  deckhand plan ruff --method apt`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		prof := rt.profiles.Current(cmd.Context())
		p, err := rt.resolver.Resolve(cmd.Context(), args[0], &prof, plan.Options{
			ForceMethodFamily: planMethodFlag,
			ForceReinstall:    planReinstallFlag,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(resolveExitCode(err))
		}

		rt.auditor.Log(audit.Record{
			Kind:   audit.KindPlanResolved,
			ToolID: p.ToolID,
			PlanID: p.PlanID,
		})

		if planJSONFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(p); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exitWithCode(ExitGeneral)
			}
			return
		}
		printPlan(p)
	},
}

func printPlan(p *plan.InstallPlan) {
	if p.AlreadyInstalled {
		fmt.Printf("%s is already installed; nothing to do.\n", p.ToolID)
		return
	}

	fmt.Printf("Install plan for %s (method: %s, %d steps)\n\n", p.ToolID, p.MethodFamily, p.StepCount())
	for _, step := range p.Steps {
		marker := " "
		if step.NeedsSudo {
			marker = "!"
		}
		fmt.Printf("  %s %-26s %s\n", marker, step.ID, step.Label)
		if len(step.Argv) > 0 {
			fmt.Printf("      $ %s\n", strings.Join(step.Argv, " "))
		}
		if step.Download != nil {
			fmt.Printf("      %s\n", step.Download.URL)
		}
	}

	if p.NeedsSudoOverall {
		fmt.Println("\n! Steps marked with ! run under sudo.")
	}
	for _, adv := range p.Advisories {
		if adv == plan.AdvisoryEphemeral {
			fmt.Println("\nNote: this environment looks ephemeral; system-level changes may not persist.")
		}
	}
	if len(p.PostEnv) > 0 {
		fmt.Println("\nAfter installing, add to your shell profile:")
		for _, env := range p.PostEnv {
			fmt.Printf("  export %s=%q\n", env.Name, env.Value)
		}
	}
}

// resolveExitCode maps a resolution error to the documented exit codes.
func resolveExitCode(err error) int {
	var noMethod *plan.NoViableMethodError
	if errors.As(err, &noMethod) {
		return ExitNoViableMethod
	}
	return ExitGeneral
}

func init() {
	planCmd.Flags().StringVar(&planMethodFlag, "method", "", "Force a specific install method family")
	planCmd.Flags().BoolVar(&planReinstallFlag, "reinstall", false, "Plan even if the tool is already installed")
	planCmd.Flags().BoolVar(&planJSONFlag, "json", false, "Print the plan as JSON")
}
