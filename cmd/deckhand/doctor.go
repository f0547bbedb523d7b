package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
	"github.com/deckhand-dev/deckhand/internal/userconfig"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the deckhand environment is configured correctly",
	Long: `Verify that the deckhand environment is healthy: home directory
exists, the recipe catalog loads, the bin directory is in PATH, and the
host has a usable package manager.

Exits with a non-zero status if any check fails, making it suitable
for use as a gate in scripts and CI:

  deckhand doctor || exit 1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.DefaultConfig()
		if err != nil {
			return fmt.Errorf("failed to get config: %w", err)
		}

		fmt.Println("Checking deckhand environment...")
		failed := false

		// Check 1: Home directory
		fmt.Printf("  Home directory: %s", cfg.Home)
		if info, err := os.Stat(cfg.Home); err != nil {
			fmt.Println(" ... FAIL")
			fmt.Fprintf(os.Stderr, "    Directory does not exist\n")
			fmt.Fprintf(os.Stderr, "    Run: deckhand serve (or any command) to create it\n")
			failed = true
		} else if !info.IsDir() {
			fmt.Println(" ... FAIL")
			fmt.Fprintf(os.Stderr, "    Path exists but is not a directory\n")
			failed = true
		} else {
			fmt.Println(" ... ok")
		}

		// Check 2: Recipe catalog
		fmt.Printf("  Recipe catalog")
		operator, err := recipe.LoadDir(cfg.RecipesDir)
		if err != nil {
			fmt.Println(" ... FAIL")
			fmt.Fprintf(os.Stderr, "    %v\n", err)
			failed = true
		} else if _, err := recipe.NewRegistry(append(recipe.Builtin(), operator...)); err != nil {
			fmt.Println(" ... FAIL")
			fmt.Fprintf(os.Stderr, "    %v\n", err)
			failed = true
		} else {
			fmt.Printf(" ... ok (%d operator recipes)\n", len(operator))
		}

		// Check 3: Operator config
		fmt.Printf("  Config file: %s", cfg.ConfigFile)
		if _, err := userconfig.LoadFromPath(cfg.ConfigFile); err != nil {
			fmt.Println(" ... FAIL")
			fmt.Fprintf(os.Stderr, "    %v\n", err)
			failed = true
		} else {
			fmt.Println(" ... ok")
		}

		// Check 4: bin directory in PATH
		fmt.Printf("  %s in PATH", cfg.BinDir)
		found := false
		for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
			absDir, _ := filepath.Abs(dir)
			if absDir == cfg.BinDir {
				found = true
				break
			}
		}
		if found {
			fmt.Println(" ... ok")
		} else {
			fmt.Println(" ... warn")
			fmt.Fprintf(os.Stderr, "    Binary-method installs land in %s; add it to PATH\n", cfg.BinDir)
		}

		// Check 5: Package manager
		prof := profile.NewDetector().Detect(cmd.Context())
		fmt.Printf("  Package manager: %s", prof.PackageManager.Primary)
		if prof.PackageManager.Primary == "" || prof.PackageManager.Primary == "none" {
			fmt.Println(" ... warn")
			fmt.Fprintf(os.Stderr, "    No native package manager found; only binary and script methods will work\n")
		} else {
			fmt.Println(" ... ok")
		}

		// Check 6: Privileges
		fmt.Printf("  Privileges")
		caps := prof.Capabilities
		switch {
		case caps.IsRoot:
			fmt.Println(" ... ok (root)")
		case caps.PasswordlessSudo:
			fmt.Println(" ... ok (passwordless sudo)")
		case caps.HasSudo:
			fmt.Println(" ... ok (sudo with password)")
		default:
			fmt.Println(" ... warn")
			fmt.Fprintf(os.Stderr, "    No sudo available; system package steps will be skipped or fail\n")
		}

		if failed {
			fmt.Println("\nSome checks failed.")
			exitWithCode(ExitGeneral)
		}
		fmt.Println("\nEnvironment looks good.")
		return nil
	},
}
