package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/profile"
)

var profileJSONFlag bool

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the detected system profile",
	Long: `Detect and print the host profile: OS, distro family, package
managers, container status, and capabilities. This is the same snapshot
the plan resolver works from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		detector := profile.NewDetector()
		prof := detector.Detect(cmd.Context())

		if profileJSONFlag {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(prof)
		}

		printProfile(prof)
		return nil
	},
}

func printProfile(prof profile.SystemProfile) {
	fmt.Printf("System:          %s/%s (%s)\n", prof.System, prof.Arch, prof.Machine)
	if prof.Kernel != "" {
		fmt.Printf("Kernel:          %s\n", prof.Kernel)
	}
	if prof.Distro.ID != "" {
		fmt.Printf("Distro:          %s (%s family)\n", prof.Distro.ID, prof.Distro.Family)
	}
	fmt.Printf("Package manager: %s", prof.PackageManager.Primary)
	if len(prof.PackageManager.Available) > 1 {
		fmt.Printf(" (also: %s)", strings.Join(prof.PackageManager.Available[1:], ", "))
	}
	fmt.Println()

	caps := prof.Capabilities
	fmt.Printf("Capabilities:    ")
	var have []string
	if caps.IsRoot {
		have = append(have, "root")
	}
	if caps.HasSudo {
		if caps.PasswordlessSudo {
			have = append(have, "sudo (passwordless)")
		} else {
			have = append(have, "sudo")
		}
	}
	if caps.HasSystemd {
		have = append(have, "systemd")
	}
	if len(have) == 0 {
		have = append(have, "none")
	}
	fmt.Println(strings.Join(have, ", "))

	if prof.Container.InContainer {
		state := "container"
		if prof.Container.Ephemeral {
			state = "ephemeral container"
		}
		if prof.Container.Runtime != "" {
			state += " (" + prof.Container.Runtime + ")"
		}
		fmt.Printf("Environment:     %s\n", state)
	}
	fmt.Printf("Snapshot:        %s\n", prof.SnapshotID)
}

func init() {
	profileCmd.Flags().BoolVar(&profileJSONFlag, "json", false, "Print the profile as JSON")
}
