package main

import "os"

// Exit codes for different failure modes.
// These let scripts distinguish why an install did not complete.
const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0

	// ExitGeneral indicates a general error
	ExitGeneral = 1

	// ExitUsage indicates invalid arguments or usage error
	ExitUsage = 2

	// ExitNoViableMethod indicates no install method works on this host
	ExitNoViableMethod = 3

	// ExitCancelled indicates the run was cancelled
	ExitCancelled = 4

	// ExitFailedWithRemediation indicates a step failed and remediation
	// options were offered
	ExitFailedWithRemediation = 5

	// ExitUnhandledFailure indicates a step failed with no matching
	// failure handler
	ExitUnhandledFailure = 6
)

// exitWithCode exits with the specified exit code
func exitWithCode(code int) {
	os.Exit(code)
}
