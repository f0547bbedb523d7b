// Package recipe defines the install-recipe catalog: how each tool is
// installed per method family, what it depends on, and how its failures
// are classified and remediated.
//
// Recipes are immutable after load. The Registry validates the whole
// catalog at startup; a recipe that fails validation is a fatal load
// error, never a runtime surprise.
package recipe

import (
	"fmt"
	"regexp"
)

// Method selection keys with special meaning.
const (
	// KeyDefault marks a command usable under any package manager.
	KeyDefault = "_default"
)

// Remediation option strategies.
const (
	// StrategyRetry re-runs the failed plan unchanged.
	StrategyRetry = "retry"

	// StrategyInstallPrereq installs option.Target first, then re-runs
	// the original goal. Failures under this strategy extend the
	// escalation chain.
	StrategyInstallPrereq = "install_prereq"

	// StrategyAltMethod re-resolves the original tool forcing
	// option.Target as the method family.
	StrategyAltMethod = "alt_method"

	// StrategyManual hands the user a command to run themselves.
	StrategyManual = "manual"
)

// Risk levels, declared per option and never recomputed.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// EnvVar is an advisory environment variable emitted by post_env steps.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Method describes one install strategy for a recipe. Methods are tried
// in declared order: the first whose commands_by_pm carries the host's
// primary package manager (or _default) wins. A method with a
// binary_url_template is the last resort for hosts with no usable
// package manager.
type Method struct {
	// Family is the semantic method family (apt, dnf, brew, pip, cargo,
	// npm, bash-curl-script, binary). Failure handlers scope to it.
	Family string `json:"family"`

	// AltOnly excludes the method from automatic selection. It is only
	// reachable through an alt_method remediation option naming its
	// family.
	AltOnly bool `json:"alt_only,omitempty"`

	// Commands maps a package manager name (or _default) to the argv
	// vector that installs the tool under that manager.
	Commands map[string][]string `json:"commands_by_pm,omitempty"`

	// NeedsSudo maps a package manager name (or _default) to whether
	// the command requires elevation.
	NeedsSudo map[string]bool `json:"needs_sudo_by_pm,omitempty"`

	// BinaryURLTemplate is a download URL with {version}, {os}, {arch}
	// placeholders, used by the binary method family.
	BinaryURLTemplate string `json:"binary_url_template,omitempty"`

	// BinaryArches lists the architectures the template is known to
	// serve. An arch outside this set makes the method unviable.
	BinaryArches []string `json:"binary_arches,omitempty"`

	// GitHubRepo ("owner/name") resolves {version} in the template to
	// the latest release tag.
	GitHubRepo string `json:"github_repo,omitempty"`

	// Checksums maps "os/arch" to an expected sha256 for the binary
	// download, when the project publishes stable per-release sums.
	Checksums map[string]string `json:"checksums,omitempty"`

	// PostEnv lists advisory environment variables the user should set
	// after install. Recorded in the audit trail; shell state is never
	// persisted.
	PostEnv []EnvVar `json:"post_env,omitempty"`

	// TimeoutSeconds overrides the default per-step timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// CommandFor returns the argv and sudo flag for the given package
// manager, falling back to the _default entry.
func (m *Method) CommandFor(pm string) ([]string, bool, bool) {
	if cmd, ok := m.Commands[pm]; ok {
		return cmd, m.NeedsSudo[pm], true
	}
	if cmd, ok := m.Commands[KeyDefault]; ok {
		return cmd, m.NeedsSudo[KeyDefault], true
	}
	return nil, false, false
}

// IsBinary reports whether this method installs via direct binary
// download.
func (m *Method) IsBinary() bool {
	return m.BinaryURLTemplate != ""
}

// SupportsArch reports whether the binary template serves the given
// normalized architecture.
func (m *Method) SupportsArch(arch string) bool {
	for _, a := range m.BinaryArches {
		if a == arch {
			return true
		}
	}
	return false
}

// LockConditions declares when a remediation option is locked rather
// than ready. Evaluated against the live profile by the planner.
type LockConditions struct {
	// RequiresTool locks the option until the named tool is installed.
	// If the tool is not in the registry either, the option is
	// impossible.
	RequiresTool string `json:"requires_tool,omitempty"`

	// FamilyLockReasons locks the option on the listed distro families,
	// with a human-readable reason (e.g. a package absent from that
	// family's repos).
	FamilyLockReasons map[string]string `json:"family_lock_reasons,omitempty"`
}

// RemediationOption is one user-selectable way out of a failure.
type RemediationOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`

	// Strategy is one of the Strategy* constants; Target names the
	// prerequisite tool (install_prereq) or method family (alt_method).
	Strategy string `json:"strategy"`
	Target   string `json:"target,omitempty"`

	Risk         string `json:"risk"`
	StepCountEst int    `json:"step_count_est,omitempty"`
	Recommended  bool   `json:"recommended,omitempty"`

	// RequiresSudo marks options that cannot work without elevation.
	RequiresSudo bool `json:"requires_sudo,omitempty"`

	LockConditions *LockConditions `json:"lock_conditions,omitempty"`

	// RequiredSystemPackagesByFamily lists native packages the option
	// needs per distro family.
	RequiredSystemPackagesByFamily map[string][]string `json:"required_system_packages_by_family,omitempty"`

	EstimatedTime string `json:"estimated_time,omitempty"`
}

// FailureHandler classifies one failure class by exit code and stderr
// pattern. Handlers are matched in declared order, method-family-scoped
// handlers before generic ones.
type FailureHandler struct {
	FailureID   string `json:"failure_id"`
	Category    string `json:"category"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`

	// ExitCode, when set, must match the failed step's exit code
	// exactly. Nil matches any non-zero exit.
	ExitCode *int `json:"exit_code,omitempty"`

	// Pattern is a regexp searched against the step's stderr tail.
	Pattern string `json:"pattern"`

	// MethodFamily scopes the handler to failures of one method family.
	// Empty means the handler is generic to the recipe.
	MethodFamily string `json:"method_family,omitempty"`

	Options []RemediationOption `json:"options"`

	// ChainForward stitches the next failure on a chosen option into an
	// escalation chain.
	ChainForward bool `json:"chain_forward,omitempty"`

	// PrecludesRetry removes the blanket "retry" fallback: retrying is
	// pointless until the operator acts (disk full, OOM).
	PrecludesRetry bool `json:"precludes_retry,omitempty"`

	re *regexp.Regexp
}

// Compile validates and caches the handler's pattern.
func (h *FailureHandler) Compile() error {
	re, err := regexp.Compile(h.Pattern)
	if err != nil {
		return fmt.Errorf("handler %q: invalid pattern: %w", h.FailureID, err)
	}
	h.re = re
	return nil
}

// Matches reports whether the handler matches the given exit code and
// stderr tail. The pattern must have been compiled first.
func (h *FailureHandler) Matches(exitCode int, stderrTail string) bool {
	if h.ExitCode != nil && *h.ExitCode != exitCode {
		return false
	}
	if h.re == nil {
		if err := h.Compile(); err != nil {
			return false
		}
	}
	return h.re.FindStringIndex(stderrTail) != nil
}

// Recipe is a static description of how to install one tool.
type Recipe struct {
	// ID is the tool identifier, set from the catalog key at load.
	ID string `json:"-"`

	Label    string `json:"label"`
	Category string `json:"category,omitempty"`

	Methods []Method `json:"methods"`

	// Deps lists tool IDs this recipe requires on PATH before its own
	// install step runs. Each must resolve to another recipe.
	Deps []string `json:"deps,omitempty"`

	// SystemPackagesByFamily lists native packages required per distro
	// family, installed in one batch before anything else.
	SystemPackagesByFamily map[string][]string `json:"system_packages_by_family,omitempty"`

	// Verify is an argv vector that exits 0 iff the tool is installed.
	Verify []string `json:"verify"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	OnFailure []FailureHandler `json:"on_failure,omitempty"`

	// ExampleStderr maps failure_id to a stderr sample that must match
	// the handler's pattern. Validated at load; exercised by dev
	// scenarios and pattern tests.
	ExampleStderr map[string]string `json:"example_stderr_by_failure_id,omitempty"`
}

// Handler returns the handler with the given failure_id, or nil.
func (r *Recipe) Handler(failureID string) *FailureHandler {
	for i := range r.OnFailure {
		if r.OnFailure[i].FailureID == failureID {
			return &r.OnFailure[i]
		}
	}
	return nil
}

// NotFoundError reports an unknown tool ID.
type NotFoundError struct {
	ToolID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("recipe not found: %s", e.ToolID)
}
