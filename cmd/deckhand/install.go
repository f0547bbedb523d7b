package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/failure"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/profile"
)

var (
	installMethodFlag    string
	installReinstallFlag bool
	installYesFlag       bool
)

var installCmd = &cobra.Command{
	Use:   "install <tool>",
	Short: "Install a devops tool",
	Long: `Resolve and execute the install plan for a tool, streaming step
output to the terminal. Failures are classified and remediation options
are printed instead of a raw error.

Examples:
  deckhand install ruff
  deckhand install cargo-audit
  deckhand install ruff --method apt`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitWithCode(ExitGeneral)
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		prof := rt.profiles.Current(ctx)
		p, err := rt.resolver.Resolve(ctx, args[0], &prof, plan.Options{
			ForceMethodFamily: installMethodFlag,
			ForceReinstall:    installReinstallFlag,
		})
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

		if !installYesFlag && !confirm("Proceed with installation? [y/N] ") {
			fmt.Println("Aborted.")
			return
		}

		if code := runPlan(cmd, rt, ctx, &prof, p); code != ExitSuccess {
			exitWithCode(code)
		}
	},
}

// runPlan executes a resolved plan in the foreground, printing events as
// they stream and classifying any failure. Returns the exit code.
func runPlan(cmd *cobra.Command, rt *runtime, ctx context.Context, prof *profile.SystemProfile, p *plan.InstallPlan) int {
	secret := ""
	if p.NeedsSudoOverall && !prof.Capabilities.PasswordlessSudo && !prof.Capabilities.IsRoot {
		var err error
		secret, err = promptSudoSecret()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitGeneral
		}
	}

	runID := uuid.NewString()
	rt.auditor.Log(audit.Record{
		Kind:   audit.KindExecutionStarted,
		ToolID: p.ToolID,
		PlanID: p.PlanID,
		RunID:  runID,
	})

	events := make(chan execute.Event, 64)
	resultCh := make(chan execute.Result, 1)
	go func() {
		resultCh <- rt.executor.Run(ctx, runID, execute.Request{
			Plan:             p,
			SudoSecret:       secret,
			PasswordlessSudo: prof.Capabilities.PasswordlessSudo,
		}, events)
		close(events)
	}()

	for ev := range events {
		printEvent(ev)
	}
	res := <-resultCh

	rt.auditor.Log(audit.Record{
		Kind:   audit.KindExecutionFinished,
		ToolID: res.ToolID,
		PlanID: res.PlanID,
		RunID:  res.RunID,
		Result: res.Status,
	})

	switch res.Status {
	case execute.ResultSuccess:
		fmt.Printf("\n%s installed successfully.\n", p.ToolID)
		printPostEnvHint(p)
		return ExitSuccess
	case execute.ResultCancelled:
		fmt.Fprintln(os.Stderr, "\nInstallation cancelled.")
		return ExitCancelled
	default:
		return handleFailure(cmd, rt, prof, res)
	}
}

// handleFailure classifies the failed step and prints remediation
// options. Returns the exit code to use.
func handleFailure(cmd *cobra.Command, rt *runtime, prof *profile.SystemProfile, res execute.Result) int {
	if res.Failure == nil {
		return ExitGeneral
	}

	details, _ := json.Marshal(res.Failure)
	rt.auditor.Log(audit.Record{
		Kind:    audit.KindStepFailed,
		ToolID:  res.ToolID,
		PlanID:  res.PlanID,
		RunID:   res.RunID,
		Details: details,
	})

	rec, err := rt.registry.Lookup(res.ToolID)
	if err != nil {
		rec = nil
	}
	match := rt.matcher.Match(rec, res.Failure)
	rem := rt.planner.Plan(cmd.Context(), match, prof)

	fmt.Fprintln(os.Stderr)
	if !match.Matched() {
		fmt.Fprintf(os.Stderr, "Step %s failed and no known failure signature matched.\n", res.Failure.StepID)
		printStderrTail(res.Failure)
		return ExitUnhandledFailure
	}

	rt.auditor.Log(audit.Record{
		Kind:      audit.KindRemediationOffered,
		ToolID:    res.ToolID,
		RunID:     res.RunID,
		FailureID: rem.FailureID,
	})

	fmt.Fprintf(os.Stderr, "Step %s failed: %s\n", res.Failure.StepID, rem.Label)
	if rem.Description != "" {
		fmt.Fprintf(os.Stderr, "%s\n", rem.Description)
	}
	printRemediation(rem)
	return ExitFailedWithRemediation
}

func printRemediation(rem *failure.Remediation) {
	if len(rem.Options) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "\nOptions:")
	for _, opt := range rem.Options {
		switch opt.Availability {
		case failure.AvailabilityReady:
			marker := " "
			if opt.Recommended {
				marker = "*"
			}
			fmt.Fprintf(os.Stderr, "  %s %-28s %s\n", marker, opt.ID, opt.Label)
		case failure.AvailabilityLocked:
			fmt.Fprintf(os.Stderr, "    %-28s %s (locked: %s)\n", opt.ID, opt.Label, opt.Reason)
		case failure.AvailabilityImpossible:
			fmt.Fprintf(os.Stderr, "    %-28s %s (unavailable: %s)\n", opt.ID, opt.Label, opt.Reason)
		}
	}
	fmt.Fprintln(os.Stderr, "\n* recommended")
}

func printEvent(ev execute.Event) {
	switch ev.Type {
	case execute.EventStepStart:
		fmt.Printf("==> %s\n", ev.Label)
	case execute.EventLog:
		line := ev.Line
		if ev.Truncated {
			line += " [truncated]"
		}
		fmt.Printf("    %s\n", line)
	case execute.EventStepDone:
		fmt.Printf("    done\n")
	case execute.EventStepFailed:
		if ev.Message != "" {
			fmt.Fprintf(os.Stderr, "    FAILED: %s\n", ev.Message)
		} else if ev.ExitCode != nil {
			fmt.Fprintf(os.Stderr, "    FAILED (exit %d)\n", *ev.ExitCode)
		} else {
			fmt.Fprintln(os.Stderr, "    FAILED")
		}
	}
}

func printStderrTail(f *execute.StepFailure) {
	if len(f.StderrTail) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "\nLast stderr output:")
	for _, line := range f.StderrTail {
		fmt.Fprintf(os.Stderr, "  %s\n", line)
	}
}

func printPostEnvHint(p *plan.InstallPlan) {
	if len(p.PostEnv) == 0 {
		return
	}
	fmt.Println("\nAdd to your shell profile:")
	for _, env := range p.PostEnv {
		fmt.Printf("  export %s=%q\n", env.Name, env.Value)
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// promptSudoSecret reads the sudo password without echo. The value is
// handed to the executor's stdin and nothing else.
func promptSudoSecret() (string, error) {
	fmt.Fprint(os.Stderr, "This plan needs sudo. Password: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func init() {
	installCmd.Flags().StringVar(&installMethodFlag, "method", "", "Force a specific install method family")
	installCmd.Flags().BoolVar(&installReinstallFlag, "reinstall", false, "Reinstall even if already present")
	installCmd.Flags().BoolVar(&installYesFlag, "yes", false, "Skip the confirmation prompt")
}
