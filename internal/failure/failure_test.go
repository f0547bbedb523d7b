package failure

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-dev/deckhand/internal/execute"
	"github.com/deckhand-dev/deckhand/internal/plan"
	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

type fakeRunner struct {
	codes map[string]int
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, int, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	if code, ok := f.codes[key]; ok {
		return "", code, nil
	}
	return "", 127, errors.New("not found: " + key)
}

func (f *fakeRunner) LookPath(name string) (string, error) { return "/usr/bin/" + name, nil }

type fakePreviewer struct {
	counts map[string]int
}

func (f *fakePreviewer) PreviewStepCount(_ context.Context, toolID string, _ *profile.SystemProfile, opts plan.Options) (int, error) {
	key := toolID
	if opts.ForceMethodFamily != "" {
		key += "/" + opts.ForceMethodFamily
	}
	if n, ok := f.counts[key]; ok {
		return n, nil
	}
	return 0, errors.New("no preview for " + key)
}

func debianProfile() *profile.SystemProfile {
	return &profile.SystemProfile{
		System: "linux",
		Arch:   "amd64",
		Distro: profile.Distro{ID: "debian", Family: profile.FamilyDebian},
		Capabilities: profile.Capabilities{
			HasSudo: true,
		},
		PackageManager: profile.PackageManager{Primary: "apt", Available: []string{"apt"}},
	}
}

func builtinRegistry(t *testing.T) *recipe.Registry {
	t.Helper()
	reg, err := recipe.NewRegistry(recipe.Builtin())
	require.NoError(t, err)
	return reg
}

func lookup(t *testing.T, reg *recipe.Registry, id string) *recipe.Recipe {
	t.Helper()
	rec, err := reg.Lookup(id)
	require.NoError(t, err)
	return rec
}

func exitCode(n int) *int { return &n }

func TestMatchMethodFamilyLayerWins(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	m := NewMatcher()
	match := m.Match(ruff, &execute.StepFailure{
		ToolID:       "ruff",
		MethodFamily: "pip",
		ExitCode:     exitCode(1),
		StderrTail:   []string{"error: externally-managed-environment"},
	})

	require.True(t, match.Matched())
	assert.Equal(t, "pep668", match.FailureID())
	assert.Equal(t, LayerMethodFamily, match.Layer)
}

func TestMatchFamilyScopedHandlerIgnoresOtherFamilies(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	// Same stderr, but the failure came from the apt method: the
	// pip-scoped pep668 handler must not claim it.
	m := NewMatcher()
	match := m.Match(ruff, &execute.StepFailure{
		ToolID:       "ruff",
		MethodFamily: "apt",
		ExitCode:     exitCode(1),
		StderrTail:   []string{"error: externally-managed-environment"},
	})

	assert.Equal(t, LayerUnhandled, match.Layer)
}

func TestMatchRecipeGenericLayer(t *testing.T) {
	reg := builtinRegistry(t)
	cargoAudit := lookup(t, reg, "cargo-audit")

	m := NewMatcher()
	match := m.Match(cargoAudit, &execute.StepFailure{
		ToolID:       "cargo-audit",
		MethodFamily: "cargo",
		ExitCode:     exitCode(101),
		StderrTail:   []string{"error: failed to run custom build command for `openssl-sys v0.9.99`"},
	})

	require.True(t, match.Matched())
	assert.Equal(t, "missing_openssl_headers", match.FailureID())
	assert.Equal(t, LayerRecipeGeneric, match.Layer)
}

func TestMatchInfraLayer(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	m := NewMatcher()
	match := m.Match(ruff, &execute.StepFailure{
		ToolID:       "ruff",
		MethodFamily: "pip",
		ExitCode:     exitCode(1),
		StderrTail:   []string{"OSError: [Errno 28] No space left on device"},
	})

	require.True(t, match.Matched())
	assert.Equal(t, "disk_full", match.FailureID())
	assert.Equal(t, LayerInfra, match.Layer)
}

func TestMatchOOMByExitCode(t *testing.T) {
	m := NewMatcher()
	match := m.Match(nil, &execute.StepFailure{
		ToolID:   "cargo-audit",
		ExitCode: exitCode(137),
	})

	require.True(t, match.Matched())
	assert.Equal(t, "oom_killed", match.FailureID())
	assert.Equal(t, LayerInfra, match.Layer)
}

func TestMatchUnhandled(t *testing.T) {
	m := NewMatcher()
	match := m.Match(nil, &execute.StepFailure{
		ToolID:     "jq",
		ExitCode:   exitCode(1),
		StderrTail: []string{"some novel failure nobody classified"},
	})

	assert.False(t, match.Matched())
	assert.Equal(t, "unhandled", match.FailureID())
	assert.Equal(t, LayerUnhandled, match.Layer)
}

func TestPlanPep668OnDebian(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	runner := &fakeRunner{codes: map[string]int{}} // pipx not installed
	preview := &fakePreviewer{counts: map[string]int{
		"pipx": 3,
		"ruff/pip-break-system-packages": 2,
	}}

	matcher := NewMatcher()
	match := matcher.Match(ruff, &execute.StepFailure{
		ToolID:       "ruff",
		MethodFamily: "pip",
		ExitCode:     exitCode(1),
		StderrTail:   []string{"error: externally-managed-environment"},
	})

	planner := NewPlanner(reg, WithRunner(runner), WithPreviewer(preview))
	rem := planner.Plan(context.Background(), match, debianProfile())

	assert.Equal(t, "pep668", rem.FailureID)
	assert.Equal(t, LayerMethodFamily, rem.MatchedLayer)
	assert.True(t, rem.ChainForward)
	require.Len(t, rem.Options, 4)

	byID := make(map[string]PlannedOption)
	for _, opt := range rem.Options {
		byID[opt.ID] = opt
	}

	usePipx := byID["use_pipx"]
	assert.Equal(t, AvailabilityReady, usePipx.Availability)
	assert.True(t, usePipx.Recommended)
	assert.Equal(t, 3, usePipx.StepCount)

	assert.Equal(t, AvailabilityReady, byID["use_venv"].Availability)
	assert.False(t, byID["use_venv"].Recommended)

	breakSys := byID["break_system_packages"]
	assert.Equal(t, AvailabilityReady, breakSys.Availability)
	assert.Equal(t, recipe.RiskMedium, breakSys.Risk)
	assert.Equal(t, 2, breakSys.StepCount)

	fromApt := byID["install_from_apt"]
	assert.Equal(t, AvailabilityLocked, fromApt.Availability)
	assert.Equal(t, "python3-ruff not available in Debian repos", fromApt.Reason)

	assert.Contains(t, rem.FallbackActions, FallbackRetry)
	assert.Contains(t, rem.FallbackActions, FallbackCancel)
}

func TestPlanRustcTooOld(t *testing.T) {
	reg := builtinRegistry(t)
	cargoAudit := lookup(t, reg, "cargo-audit")

	matcher := NewMatcher()
	match := matcher.Match(cargoAudit, &execute.StepFailure{
		ToolID:       "cargo-audit",
		MethodFamily: "cargo",
		ExitCode:     exitCode(101),
		StderrTail:   []string{"error: cargo-audit v0.21.0 requires rustc 1.85 or newer, while the currently active rustc version is 1.75.0"},
	})
	require.Equal(t, "rustc_too_old", match.FailureID())

	planner := NewPlanner(reg)
	rem := planner.Plan(context.Background(), match, debianProfile())

	byID := make(map[string]PlannedOption)
	for _, opt := range rem.Options {
		byID[opt.ID] = opt
	}

	update := byID["update_rust_via_rustup"]
	assert.Equal(t, AvailabilityReady, update.Availability)
	assert.True(t, update.Recommended)

	pinned := byID["install_older_cargo_audit_version"]
	assert.Equal(t, AvailabilityReady, pinned.Availability)
	assert.Equal(t, recipe.RiskMedium, pinned.Risk)

	distro := byID["use_distro_package"]
	assert.Equal(t, AvailabilityLocked, distro.Availability)
	assert.Equal(t, "no matching apt package", distro.Reason)
}

func TestPlanAltMethodImpossibleOffLockedFamily(t *testing.T) {
	// Off Debian there is no family lock, but cargo-audit still has no
	// apt method, so the option degrades to impossible.
	reg := builtinRegistry(t)
	cargoAudit := lookup(t, reg, "cargo-audit")

	matcher := NewMatcher()
	match := matcher.Match(cargoAudit, &execute.StepFailure{
		ToolID:       "cargo-audit",
		MethodFamily: "cargo",
		StderrTail:   []string{"requires rustc 1.85 or newer"},
	})

	prof := debianProfile()
	prof.Distro = profile.Distro{ID: "fedora", Family: profile.FamilyRHEL}

	planner := NewPlanner(reg)
	rem := planner.Plan(context.Background(), match, prof)

	for _, opt := range rem.Options {
		if opt.ID == "use_distro_package" {
			assert.Equal(t, AvailabilityImpossible, opt.Availability)
			assert.Contains(t, opt.Reason, "no apt install method")
		}
	}
}

func TestPlanSudoOptionImpossibleWithoutSudo(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	matcher := NewMatcher()
	match := matcher.Match(ruff, &execute.StepFailure{
		ToolID:       "ruff",
		MethodFamily: "pip",
		StderrTail:   []string{"externally-managed-environment"},
	})

	prof := debianProfile()
	prof.Capabilities.HasSudo = false

	planner := NewPlanner(reg)
	rem := planner.Plan(context.Background(), match, prof)

	for _, opt := range rem.Options {
		if opt.ID == "install_from_apt" {
			assert.Equal(t, AvailabilityImpossible, opt.Availability)
			assert.Contains(t, opt.Reason, "sudo")
		}
	}
}

func TestPlanPrecludesRetryDropsFallback(t *testing.T) {
	matcher := NewMatcher()
	match := matcher.Match(nil, &execute.StepFailure{
		ToolID:     "jq",
		ExitCode:   exitCode(1),
		StderrTail: []string{"No space left on device"},
	})
	require.Equal(t, "disk_full", match.FailureID())

	planner := NewPlanner(builtinRegistry(t))
	rem := planner.Plan(context.Background(), match, debianProfile())

	assert.NotContains(t, rem.FallbackActions, FallbackRetry)
	assert.Contains(t, rem.FallbackActions, FallbackCancel)
}

func TestPlanUnhandledOffersFallbacksOnly(t *testing.T) {
	planner := NewPlanner(builtinRegistry(t))
	rem := planner.Plan(context.Background(), Match{Layer: LayerUnhandled, ToolID: "jq"}, debianProfile())

	assert.Equal(t, "unhandled", rem.FailureID)
	assert.Empty(t, rem.Options)
	assert.ElementsMatch(t, []string{FallbackCancel, FallbackRetry}, rem.FallbackActions)
}

func TestDegradeForLoopLeavesManualOptionsOnly(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	matcher := NewMatcher()
	match := matcher.Match(ruff, &execute.StepFailure{
		ToolID:       "ruff",
		MethodFamily: "pip",
		StderrTail:   []string{"externally-managed-environment"},
	})

	planner := NewPlanner(reg)
	rem := planner.Plan(context.Background(), match, debianProfile())
	DegradeForLoop(rem)

	byID := make(map[string]PlannedOption)
	for _, opt := range rem.Options {
		byID[opt.ID] = opt
		if opt.Strategy == recipe.StrategyManual {
			continue
		}
		assert.Equal(t, AvailabilityImpossible, opt.Availability, opt.ID)
		assert.Contains(t, opt.Reason, "loop", opt.ID)
		assert.False(t, opt.Recommended, opt.ID)
	}

	// The manual option survives and inherits the recommendation.
	assert.Equal(t, AvailabilityReady, byID["use_venv"].Availability)
	assert.True(t, byID["use_venv"].Recommended)
}

func TestPlanRecommendationFallsToFirstReady(t *testing.T) {
	// When the declared-recommended option is not ready, the first ready
	// option inherits the recommendation.
	reg := builtinRegistry(t)

	h := &recipe.FailureHandler{
		FailureID: "synthetic",
		Pattern:   "x",
		Options: []recipe.RemediationOption{
			{ID: "locked_first", Strategy: recipe.StrategyManual, Risk: recipe.RiskLow, Recommended: true,
				LockConditions: &recipe.LockConditions{FamilyLockReasons: map[string]string{profile.FamilyDebian: "locked here"}}},
			{ID: "ready_second", Strategy: recipe.StrategyManual, Risk: recipe.RiskLow},
		},
	}
	require.NoError(t, h.Compile())

	planner := NewPlanner(reg)
	rem := planner.Plan(context.Background(), Match{Handler: h, Layer: LayerRecipeGeneric, ToolID: "jq"}, debianProfile())

	require.Len(t, rem.Options, 2)
	assert.Equal(t, AvailabilityLocked, rem.Options[0].Availability)
	assert.False(t, rem.Options[0].Recommended)
	assert.True(t, rem.Options[1].Recommended)
}

func TestOptionLookupRecipeHandler(t *testing.T) {
	reg := builtinRegistry(t)
	ruff := lookup(t, reg, "ruff")

	m := NewMatcher()
	opt, err := m.Option(ruff, "pep668", "break_system_packages")
	require.NoError(t, err)
	assert.Equal(t, recipe.StrategyAltMethod, opt.Strategy)
	assert.Equal(t, "pip-break-system-packages", opt.Target)

	_, err = m.Option(ruff, "pep668", "wave_hands")
	assert.Error(t, err)

	_, err = m.Option(ruff, "no_such_failure", "use_pipx")
	assert.Error(t, err)
}

func TestOptionLookupFallsBackToInfraTable(t *testing.T) {
	// Infra failures carry options without any recipe declaring them.
	m := NewMatcher()
	opt, err := m.Option(nil, "network_unreachable", "retry_after_network")
	require.NoError(t, err)
	assert.Equal(t, recipe.StrategyRetry, opt.Strategy)
}

func TestOptionTargetMapping(t *testing.T) {
	tests := []struct {
		name     string
		opt      recipe.RemediationOption
		wantTool string
		wantOpts plan.Options
		wantErr  error
	}{
		{
			name:     "retry re-resolves the failing tool",
			opt:      recipe.RemediationOption{ID: "r", Strategy: recipe.StrategyRetry},
			wantTool: "ruff",
		},
		{
			name:     "install_prereq targets the prerequisite with a forced reinstall",
			opt:      recipe.RemediationOption{ID: "p", Strategy: recipe.StrategyInstallPrereq, Target: "pipx"},
			wantTool: "pipx",
			wantOpts: plan.Options{ForceReinstall: true},
		},
		{
			name:     "alt_method keeps the tool and forces the family",
			opt:      recipe.RemediationOption{ID: "a", Strategy: recipe.StrategyAltMethod, Target: "pip-break-system-packages"},
			wantTool: "ruff",
			wantOpts: plan.Options{ForceMethodFamily: "pip-break-system-packages"},
		},
		{
			name:    "manual has nothing to execute",
			opt:     recipe.RemediationOption{ID: "m", Strategy: recipe.StrategyManual},
			wantErr: ErrManualOption,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, opts, err := OptionTarget(&tt.opt, "ruff")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTool, tool)
			assert.Equal(t, tt.wantOpts, opts)
		})
	}
}

func TestPlanRequiresToolLockedUntilInstalled(t *testing.T) {
	reg := builtinRegistry(t)

	h := &recipe.FailureHandler{
		FailureID: "needs_pipx",
		Pattern:   "x",
		Options: []recipe.RemediationOption{
			{ID: "with_pipx", Strategy: recipe.StrategyManual, Risk: recipe.RiskLow,
				LockConditions: &recipe.LockConditions{RequiresTool: "pipx"}},
			{ID: "with_ghost", Strategy: recipe.StrategyManual, Risk: recipe.RiskLow,
				LockConditions: &recipe.LockConditions{RequiresTool: "ghost-tool"}},
		},
	}
	require.NoError(t, h.Compile())

	// pipx absent: locked. ghost-tool not even in the catalog: impossible.
	planner := NewPlanner(reg, WithRunner(&fakeRunner{codes: map[string]int{}}))
	rem := planner.Plan(context.Background(), Match{Handler: h, Layer: LayerRecipeGeneric, ToolID: "jq"}, debianProfile())

	assert.Equal(t, AvailabilityLocked, rem.Options[0].Availability)
	assert.Equal(t, "install pipx first", rem.Options[0].Reason)
	assert.Equal(t, AvailabilityImpossible, rem.Options[1].Availability)

	// With pipx installed the lock lifts.
	planner = NewPlanner(reg, WithRunner(&fakeRunner{codes: map[string]int{"pipx --version": 0}}))
	rem = planner.Plan(context.Background(), Match{Handler: h, Layer: LayerRecipeGeneric, ToolID: "jq"}, debianProfile())
	assert.Equal(t, AvailabilityReady, rem.Options[0].Availability)
}
