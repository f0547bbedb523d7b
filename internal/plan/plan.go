// Package plan resolves a tool ID against the recipe catalog and a live
// system profile into a deterministic install plan: an ordered list of
// steps the executor can stream without consulting the catalog again.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// FormatVersion is the current version of the install plan format.
// Readers should reject plans with unsupported versions.
const FormatVersion = 1

// Step kinds, in the order they appear within a plan.
const (
	// StepSystemPackages installs every required native package for the
	// whole plan in one batch, first.
	StepSystemPackages = "system_pkgs"

	// StepInstallDep installs one missing dependency tool.
	StepInstallDep = "install_dep"

	// StepInstallTarget installs the requested tool itself.
	StepInstallTarget = "install_target"

	// StepPostEnv is advisory: it surfaces environment variables the user
	// should export. It never spawns a process.
	StepPostEnv = "post_env"

	// StepVerify runs the recipe's verify command as the final gate.
	StepVerify = "verify"
)

// Advisory flags attached to a plan.
const (
	// AdvisoryEphemeral warns that the host looks like an ephemeral
	// container, so a system-level install will not survive a restart.
	AdvisoryEphemeral = "ephemeral_environment"
)

// BinaryDownload captures a fully resolved binary-download step: the
// exact URL and destination, plus a checksum when the recipe pins one.
type BinaryDownload struct {
	URL      string `json:"url"`
	Dest     string `json:"dest"`
	Checksum string `json:"checksum,omitempty"`
	Version  string `json:"version"`
}

// Step is one executable unit of an install plan.
type Step struct {
	// ID is stable within the plan and names the step in stream events
	// and the audit trail.
	ID string `json:"id"`

	Kind   string `json:"kind"`
	ToolID string `json:"tool_id"`
	Label  string `json:"label"`

	// Argv is the command to run. Empty for post_env and binary download
	// steps.
	Argv []string `json:"argv,omitempty"`

	NeedsSudo      bool   `json:"needs_sudo"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MethodFamily   string `json:"method_family,omitempty"`

	// Download is set instead of Argv for binary-method installs.
	Download *BinaryDownload `json:"download,omitempty"`

	// Env carries the advisory variables of a post_env step.
	Env []recipe.EnvVar `json:"env,omitempty"`
}

// InstallPlan is a fully resolved, ordered install specification. Two
// resolutions against the same catalog and profile snapshot produce
// byte-identical plans (modulo PlanID and GeneratedAt).
type InstallPlan struct {
	FormatVersion int    `json:"format_version"`
	PlanID        string `json:"plan_id"`

	ToolID       string    `json:"tool_id"`
	SnapshotID   string    `json:"snapshot_id"`
	GeneratedAt  time.Time `json:"generated_at"`
	MethodFamily string    `json:"method_family,omitempty"`

	// AlreadyInstalled short-circuits the plan: verify succeeded before
	// resolution, so Steps is empty.
	AlreadyInstalled bool `json:"already_installed"`

	Steps []Step `json:"steps"`

	// NeedsSudoOverall is true when any step needs elevation; the caller
	// must collect the sudo secret before execution.
	NeedsSudoOverall bool `json:"needs_sudo_overall"`

	Advisories []string `json:"advisories,omitempty"`

	// PostEnv aggregates the advisory variables of every post_env step,
	// for display after a successful run.
	PostEnv []recipe.EnvVar `json:"post_env,omitempty"`
}

// StepCount returns the number of executable steps (post_env excluded).
func (p *InstallPlan) StepCount() int {
	n := 0
	for _, s := range p.Steps {
		if s.Kind != StepPostEnv {
			n++
		}
	}
	return n
}

// CycleError reports a dependency cycle in the recipe graph.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// NoViableMethodError reports that no install method of the recipe is
// usable on the current host, with one reason per rejected method.
type NoViableMethodError struct {
	ToolID  string
	Reasons []string
}

func (e *NoViableMethodError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no viable install method for %s", e.ToolID)
	}
	return fmt.Sprintf("no viable install method for %s: %s",
		e.ToolID, strings.Join(e.Reasons, "; "))
}
