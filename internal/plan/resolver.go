package plan

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// ReleaseResolver resolves the latest release version of a GitHub
// project, for binary-download methods whose URL template carries a
// {version} placeholder.
type ReleaseResolver interface {
	LatestVersion(ctx context.Context, ownerRepo string) (string, error)
}

// Resolver turns (tool ID, system profile) into an InstallPlan.
type Resolver struct {
	reg      *recipe.Registry
	runner   profile.Runner
	releases ReleaseResolver
	logger   log.Logger

	binDir      string
	stepTimeout time.Duration
	newID       func() string
	clock       func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRunner sets the command runner used for verify and package
// presence probes.
func WithRunner(r profile.Runner) ResolverOption {
	return func(res *Resolver) { res.runner = r }
}

// WithReleases sets the release resolver for binary methods.
func WithReleases(rr ReleaseResolver) ResolverOption {
	return func(res *Resolver) { res.releases = rr }
}

// WithLogger sets the resolver's logger.
func WithLogger(l log.Logger) ResolverOption {
	return func(res *Resolver) { res.logger = l }
}

// WithBinDir sets the destination directory for binary downloads.
func WithBinDir(dir string) ResolverOption {
	return func(res *Resolver) { res.binDir = dir }
}

// WithStepTimeout sets the default per-step timeout.
func WithStepTimeout(d time.Duration) ResolverOption {
	return func(res *Resolver) { res.stepTimeout = d }
}

// WithIDFunc overrides plan ID generation (tests).
func WithIDFunc(f func() string) ResolverOption {
	return func(res *Resolver) { res.newID = f }
}

// WithClock overrides the time source (tests).
func WithClock(f func() time.Time) ResolverOption {
	return func(res *Resolver) { res.clock = f }
}

// NewResolver builds a Resolver over the given registry.
func NewResolver(reg *recipe.Registry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		reg:         reg,
		runner:      profile.NewExecRunner(config.GetProbeTimeout()),
		logger:      log.Default(),
		stepTimeout: config.GetStepTimeout(),
		newID:       uuid.NewString,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Options adjusts a single resolution.
type Options struct {
	// ForceMethodFamily restricts selection to the named method family,
	// including alt-only methods. Used by alt_method remediation.
	ForceMethodFamily string

	// ForceReinstall skips the already-installed short circuit. Used by
	// install_prereq remediation, where re-running the installer is the
	// point (e.g. rustup updating an existing toolchain).
	ForceReinstall bool
}

// Resolve builds the install plan for toolID on the given profile.
//
// Step order is fixed: one batched system_pkgs step, then install_dep
// steps in dependency order, the install_target step, advisory post_env
// steps, and the verify step last.
func (r *Resolver) Resolve(ctx context.Context, toolID string, prof *profile.SystemProfile, opts Options) (*InstallPlan, error) {
	rec, err := r.reg.Lookup(toolID)
	if err != nil {
		return nil, err
	}

	p := &InstallPlan{
		FormatVersion: FormatVersion,
		PlanID:        r.newID(),
		ToolID:        toolID,
		SnapshotID:    prof.SnapshotID,
		GeneratedAt:   r.clock().UTC(),
	}

	if !opts.ForceReinstall && opts.ForceMethodFamily == "" && r.toolInstalled(ctx, rec) {
		p.AlreadyInstalled = true
		return p, nil
	}

	// Walk the dependency graph depth-first. missing holds the recipes
	// that need installing, dependencies before dependents.
	missing, err := r.missingDeps(ctx, rec, nil, map[string]bool{toolID: true})
	if err != nil {
		return nil, err
	}

	type selection struct {
		rec    *recipe.Recipe
		method *recipe.Method
		argv   []string
		sudo   bool
	}

	selections := make([]selection, 0, len(missing)+1)
	for _, dep := range missing {
		m, argv, sudo, reasons := r.selectMethod(dep, prof, "")
		if m == nil {
			return nil, &NoViableMethodError{ToolID: dep.ID, Reasons: reasons}
		}
		selections = append(selections, selection{rec: dep, method: m, argv: argv, sudo: sudo})
	}

	targetMethod, targetArgv, targetSudo, reasons := r.selectMethod(rec, prof, opts.ForceMethodFamily)
	if targetMethod == nil {
		return nil, &NoViableMethodError{ToolID: toolID, Reasons: reasons}
	}
	selections = append(selections, selection{rec: rec, method: targetMethod, argv: targetArgv, sudo: targetSudo})
	p.MethodFamily = targetMethod.Family

	// Native packages for the whole plan install as one batch up front.
	var pkgs []string
	seen := make(map[string]bool)
	for _, sel := range selections {
		for _, pkg := range sel.rec.SystemPackagesByFamily[prof.Distro.Family] {
			if !seen[pkg] {
				seen[pkg] = true
				pkgs = append(pkgs, pkg)
			}
		}
	}
	pkgs = r.filterInstalledPackages(ctx, prof.PackageManager.Primary, pkgs)

	stepNo := 0
	nextID := func(suffix string) string {
		stepNo++
		return fmt.Sprintf("%02d_%s", stepNo, suffix)
	}

	if len(pkgs) > 0 {
		argv, sudo, ok := batchInstallCommand(prof.PackageManager.Primary, pkgs)
		if !ok {
			return nil, &NoViableMethodError{
				ToolID:  toolID,
				Reasons: []string{fmt.Sprintf("required system packages %v but no usable package manager", pkgs)},
			}
		}
		p.Steps = append(p.Steps, Step{
			ID:             nextID(StepSystemPackages),
			Kind:           StepSystemPackages,
			ToolID:         toolID,
			Label:          fmt.Sprintf("Install system packages: %s", strings.Join(pkgs, ", ")),
			Argv:           argv,
			NeedsSudo:      sudo && !prof.Capabilities.IsRoot,
			TimeoutSeconds: int(r.stepTimeout.Seconds()),
		})
	}

	for i, sel := range selections {
		kind := StepInstallDep
		label := fmt.Sprintf("Install %s", sel.rec.Label)
		suffix := StepInstallDep + "_" + sel.rec.ID
		if i == len(selections)-1 {
			kind = StepInstallTarget
			suffix = StepInstallTarget
		}

		step := Step{
			ID:             nextID(suffix),
			Kind:           kind,
			ToolID:         sel.rec.ID,
			Label:          label,
			NeedsSudo:      sel.sudo && !prof.Capabilities.IsRoot,
			TimeoutSeconds: r.stepTimeoutFor(sel.rec, sel.method),
			MethodFamily:   sel.method.Family,
		}

		if sel.method.IsBinary() {
			dl, err := r.resolveDownload(ctx, sel.rec, sel.method, prof)
			if err != nil {
				return nil, err
			}
			step.Download = dl
			step.Label = fmt.Sprintf("Download %s %s", sel.rec.Label, dl.Version)
		} else {
			step.Argv = sel.argv
		}
		p.Steps = append(p.Steps, step)

		for _, env := range sel.method.PostEnv {
			p.PostEnv = append(p.PostEnv, env)
		}
		if len(sel.method.PostEnv) > 0 {
			p.Steps = append(p.Steps, Step{
				ID:     nextID(StepPostEnv + "_" + sel.rec.ID),
				Kind:   StepPostEnv,
				ToolID: sel.rec.ID,
				Label:  fmt.Sprintf("Environment setup for %s", sel.rec.Label),
				Env:    sel.method.PostEnv,
			})
		}
	}

	p.Steps = append(p.Steps, Step{
		ID:             nextID(StepVerify),
		Kind:           StepVerify,
		ToolID:         toolID,
		Label:          fmt.Sprintf("Verify %s", rec.Label),
		Argv:           append([]string(nil), rec.Verify...),
		TimeoutSeconds: int(r.stepTimeout.Seconds()),
	})

	for _, s := range p.Steps {
		if s.NeedsSudo {
			p.NeedsSudoOverall = true
			break
		}
	}
	if prof.Container.InContainer && prof.Container.Ephemeral {
		p.Advisories = append(p.Advisories, AdvisoryEphemeral)
	}

	return p, nil
}

// PreviewStepCount resolves toolID hypothetically and returns the number
// of steps the plan would run. Used by the remediation planner to show
// option weight without committing to anything.
func (r *Resolver) PreviewStepCount(ctx context.Context, toolID string, prof *profile.SystemProfile, opts Options) (int, error) {
	p, err := r.Resolve(ctx, toolID, prof, opts)
	if err != nil {
		return 0, err
	}
	return p.StepCount(), nil
}

// toolInstalled runs the recipe's verify command; exit 0 means the tool
// is already present.
func (r *Resolver) toolInstalled(ctx context.Context, rec *recipe.Recipe) bool {
	if len(rec.Verify) == 0 {
		return false
	}
	_, code, err := r.runner.Run(ctx, rec.Verify[0], rec.Verify[1:]...)
	return err == nil && code == 0
}

// missingDeps returns the recipes on rec's dependency closure that are
// not yet installed, dependencies before dependents. path carries the
// DFS stack for cycle reporting.
func (r *Resolver) missingDeps(ctx context.Context, rec *recipe.Recipe, path []string, onPath map[string]bool) ([]*recipe.Recipe, error) {
	var missing []*recipe.Recipe
	added := make(map[string]bool)

	var walk func(*recipe.Recipe) error
	walk = func(cur *recipe.Recipe) error {
		for _, depID := range cur.Deps {
			if onPath[depID] {
				return &CycleError{Path: append(append(path, cur.ID), depID)}
			}
			dep, err := r.reg.Lookup(depID)
			if err != nil {
				return err
			}
			onPath[depID] = true
			path = append(path, cur.ID)
			if err := walk(dep); err != nil {
				return err
			}
			path = path[:len(path)-1]
			delete(onPath, depID)

			if !added[depID] && !r.toolInstalled(ctx, dep) {
				added[depID] = true
				missing = append(missing, dep)
			}
		}
		return nil
	}

	if err := walk(rec); err != nil {
		return nil, err
	}
	return missing, nil
}

// selectMethod picks the first usable method in declared order. With a
// forced family only that family is considered, alt-only methods
// included. On an unknown distro family only _default commands and
// binary downloads are eligible.
func (r *Resolver) selectMethod(rec *recipe.Recipe, prof *profile.SystemProfile, force string) (*recipe.Method, []string, bool, []string) {
	var reasons []string
	caps := prof.Capabilities

	for i := range rec.Methods {
		m := &rec.Methods[i]
		if force != "" {
			if m.Family != force {
				continue
			}
		} else if m.AltOnly {
			continue
		}

		if m.IsBinary() {
			if !m.SupportsArch(prof.Arch) {
				reasons = append(reasons, fmt.Sprintf("binary method does not serve arch %s", prof.Arch))
				continue
			}
			if strings.Contains(m.BinaryURLTemplate, "{version}") && m.GitHubRepo == "" {
				reasons = append(reasons, "binary method needs a version but declares no github_repo")
				continue
			}
			return m, nil, false, nil
		}

		pm := prof.PackageManager.Primary
		if prof.Distro.Family == profile.FamilyUnknown {
			pm = "" // forces the _default entry
		}
		argv, sudo, ok := m.CommandFor(pm)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("method %s has no command for package manager %q", m.Family, prof.PackageManager.Primary))
			continue
		}
		if sudo && !caps.HasSudo && !caps.IsRoot {
			reasons = append(reasons, fmt.Sprintf("method %s requires sudo but sudo is unavailable", m.Family))
			continue
		}
		return m, append([]string(nil), argv...), sudo, nil
	}

	if force != "" && len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("recipe has no method with family %q", force))
	}
	return nil, nil, false, reasons
}

func (r *Resolver) stepTimeoutFor(rec *recipe.Recipe, m *recipe.Method) int {
	if m.TimeoutSeconds > 0 {
		return m.TimeoutSeconds
	}
	if rec.TimeoutSeconds > 0 {
		return rec.TimeoutSeconds
	}
	return int(r.stepTimeout.Seconds())
}

// filterInstalledPackages probes every candidate package concurrently
// and drops the ones already present. Probe failures keep the package:
// installing an installed package is a no-op, skipping a missing one is
// a broken build later.
func (r *Resolver) filterInstalledPackages(ctx context.Context, pm string, pkgs []string) []string {
	if len(pkgs) == 0 {
		return nil
	}

	installed := make([]bool, len(pkgs))
	var wg sync.WaitGroup
	for i, pkg := range pkgs {
		probe := presenceProbe(pm, pkg)
		if probe == nil {
			continue
		}
		wg.Add(1)
		go func(i int, probe []string) {
			defer wg.Done()
			_, code, err := r.runner.Run(ctx, probe[0], probe[1:]...)
			installed[i] = err == nil && code == 0
		}(i, probe)
	}
	wg.Wait()

	var out []string
	for i, pkg := range pkgs {
		if !installed[i] {
			out = append(out, pkg)
		}
	}
	return out
}

func presenceProbe(pm, pkg string) []string {
	switch pm {
	case "apt":
		return []string{"dpkg", "-s", pkg}
	case "dnf", "yum", "zypper":
		return []string{"rpm", "-q", pkg}
	case "apk":
		return []string{"apk", "info", "-e", pkg}
	case "pacman":
		return []string{"pacman", "-Qi", pkg}
	case "brew":
		return []string{"brew", "list", "--versions", pkg}
	}
	return nil
}

func batchInstallCommand(pm string, pkgs []string) ([]string, bool, bool) {
	sort.Strings(pkgs)
	switch pm {
	case "apt":
		return append([]string{"apt-get", "install", "-y"}, pkgs...), true, true
	case "dnf":
		return append([]string{"dnf", "install", "-y"}, pkgs...), true, true
	case "yum":
		return append([]string{"yum", "install", "-y"}, pkgs...), true, true
	case "apk":
		return append([]string{"apk", "add"}, pkgs...), true, true
	case "pacman":
		return append([]string{"pacman", "-S", "--noconfirm", "--needed"}, pkgs...), true, true
	case "zypper":
		return append([]string{"zypper", "install", "-y"}, pkgs...), true, true
	case "brew":
		return append([]string{"brew", "install"}, pkgs...), false, true
	}
	return nil, false, false
}

// resolveDownload expands a binary method's URL template into an exact
// download. {version} resolves through the release resolver; {os},
// {arch} and {machine} come from the profile.
func (r *Resolver) resolveDownload(ctx context.Context, rec *recipe.Recipe, m *recipe.Method, prof *profile.SystemProfile) (*BinaryDownload, error) {
	version := ""
	if strings.Contains(m.BinaryURLTemplate, "{version}") {
		if r.releases == nil {
			return nil, &NoViableMethodError{
				ToolID:  rec.ID,
				Reasons: []string{"binary method needs release resolution but none is configured"},
			}
		}
		v, err := r.releases.LatestVersion(ctx, m.GitHubRepo)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest release of %s: %w", m.GitHubRepo, err)
		}
		version = strings.TrimPrefix(v, "v")
	}

	url := strings.NewReplacer(
		"{version}", version,
		"{os}", prof.System,
		"{arch}", prof.Arch,
		"{machine}", prof.Machine,
	).Replace(m.BinaryURLTemplate)

	return &BinaryDownload{
		URL:      url,
		Dest:     filepath.Join(r.binDir, rec.ID),
		Checksum: m.Checksums[prof.System+"/"+prof.Arch],
		Version:  version,
	}, nil
}
