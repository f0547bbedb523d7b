package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/failure"
)

var (
	remediateFailureFlag string
	remediateOptionFlag  string
	remediateYesFlag     bool
)

var remediateCmd = &cobra.Command{
	Use:   "remediate <tool>",
	Short: "Execute a remediation option from a failed install",
	Long: `Run one of the remediation options a failed install offered. The
failure and option IDs are the ones printed when the install failed.

Examples:
  deckhand remediate ruff --failure pep668 --option use_pipx
  deckhand remediate ruff --failure pep668 --option break_system_packages`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if remediateFailureFlag == "" || remediateOptionFlag == "" {
			fmt.Fprintln(os.Stderr, "Error: --failure and --option are required")
			exitWithCode(ExitUsage)
		}

		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		toolID := args[0]
		rec, err := rt.registry.Lookup(toolID)
		if err != nil {
			rec = nil // infra failure options apply without a recipe
		}
		opt, err := rt.matcher.Option(rec, remediateFailureFlag, remediateOptionFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		rt.auditor.Log(audit.Record{
			Kind:      audit.KindRemediationChosen,
			ToolID:    toolID,
			FailureID: remediateFailureFlag,
			OptionID:  remediateOptionFlag,
		})

		target, opts, err := failure.OptionTarget(opt, toolID)
		if errors.Is(err, failure.ErrManualOption) {
			fmt.Printf("%s is a manual step:\n  %s\n", opt.ID, opt.Description)
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		prof := rt.profiles.Current(ctx)
		p, err := rt.resolver.Resolve(ctx, target, &prof, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(resolveExitCode(err))
		}

		if p.AlreadyInstalled {
			fmt.Printf("%s is already installed; nothing to do.\n", p.ToolID)
			return
		}

		printPlan(p)
		fmt.Println()

		if !remediateYesFlag && !confirm("Proceed? [y/N] ") {
			fmt.Println("Aborted.")
			return
		}

		if code := runPlan(cmd, rt, ctx, &prof, p); code != ExitSuccess {
			exitWithCode(code)
		}
	},
}

func init() {
	remediateCmd.Flags().StringVar(&remediateFailureFlag, "failure", "", "Failure ID from the failed install")
	remediateCmd.Flags().StringVar(&remediateOptionFlag, "option", "", "Remediation option ID to execute")
	remediateCmd.Flags().BoolVar(&remediateYesFlag, "yes", false, "Skip the confirmation prompt")
}
