package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-dev/deckhand/internal/profile"
	"github.com/deckhand-dev/deckhand/internal/recipe"
)

// fakeRunner serves canned command results keyed by the joined argv.
type fakeRunner struct {
	codes map[string]int
	errs  map[string]error
	calls []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{codes: make(map[string]int), errs: make(map[string]error)}
}

func (f *fakeRunner) key(name string, args ...string) string {
	key := name
	for _, a := range args {
		key += " " + a
	}
	return key
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, int, error) {
	key := f.key(name, args...)
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return "", -1, err
	}
	if code, ok := f.codes[key]; ok {
		return "", code, nil
	}
	// Unknown commands fail, matching a missing binary.
	return "", 127, errors.New("not found: " + key)
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	return "/usr/bin/" + name, nil
}

type fakeReleases struct {
	versions map[string]string
	err      error
}

func (f *fakeReleases) LatestVersion(_ context.Context, repo string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.versions[repo], nil
}

func ubuntuProfile() *profile.SystemProfile {
	return &profile.SystemProfile{
		System:  "linux",
		Machine: "x86_64",
		Arch:    "amd64",
		Distro: profile.Distro{
			ID:     "ubuntu",
			Family: profile.FamilyDebian,
		},
		Capabilities: profile.Capabilities{
			HasSystemd: true,
			HasSudo:    true,
		},
		PackageManager: profile.PackageManager{
			Primary:   "apt",
			Available: []string{"apt"},
		},
		SnapshotID: "snap-test",
	}
}

func builtinResolver(t *testing.T, runner *fakeRunner, opts ...ResolverOption) *Resolver {
	t.Helper()
	reg, err := recipe.NewRegistry(recipe.Builtin())
	require.NoError(t, err)
	base := []ResolverOption{
		WithRunner(runner),
		WithBinDir("/home/dev/.deckhand/bin"),
		WithStepTimeout(300 * time.Second),
		WithIDFunc(func() string { return "plan-1" }),
		WithClock(func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }),
	}
	return NewResolver(reg, append(base, opts...)...)
}

func stepKinds(p *InstallPlan) []string {
	kinds := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		kinds[i] = s.Kind
	}
	return kinds
}

func TestResolveSimpleUserLevelInstall(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["pip --version"] = 0 // dep already present
	runner.codes["ruff --version"] = 1

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "ruff", ubuntuProfile(), Options{})
	require.NoError(t, err)

	assert.False(t, p.AlreadyInstalled)
	assert.Equal(t, []string{StepInstallTarget, StepVerify}, stepKinds(p))
	assert.Equal(t, []string{"pip", "install", "ruff"}, p.Steps[0].Argv)
	assert.False(t, p.Steps[0].NeedsSudo)
	assert.Equal(t, "pip", p.MethodFamily)
	assert.False(t, p.NeedsSudoOverall)
	assert.Equal(t, "snap-test", p.SnapshotID)
	assert.Equal(t, []string{"ruff", "--version"}, p.Steps[1].Argv)
}

func TestResolveAlreadyInstalled(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["ruff --version"] = 0

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "ruff", ubuntuProfile(), Options{})
	require.NoError(t, err)

	assert.True(t, p.AlreadyInstalled)
	assert.Empty(t, p.Steps)
}

func TestResolveWithMissingDependencyChain(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["cargo-audit --version"] = 1
	runner.codes["cargo --version"] = 127 // rustup dep missing

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "cargo-audit", ubuntuProfile(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		StepSystemPackages,
		StepInstallDep,
		StepPostEnv,
		StepInstallTarget,
		StepVerify,
	}, stepKinds(p))

	sys := p.Steps[0]
	assert.Equal(t, "apt-get", sys.Argv[0])
	assert.Contains(t, sys.Argv, "libssl-dev")
	assert.Contains(t, sys.Argv, "pkg-config")
	assert.True(t, sys.NeedsSudo)

	dep := p.Steps[1]
	assert.Equal(t, "rustup", dep.ToolID)
	assert.Equal(t, "bash-curl-script", dep.MethodFamily)
	assert.False(t, dep.NeedsSudo)
	assert.Equal(t, 600, dep.TimeoutSeconds, "method timeout override wins")

	target := p.Steps[3]
	assert.Equal(t, []string{"cargo", "install", "cargo-audit"}, target.Argv)
	assert.Equal(t, 900, target.TimeoutSeconds)

	assert.True(t, p.NeedsSudoOverall, "system package batch needs sudo")
	require.Len(t, p.PostEnv, 1)
	assert.Equal(t, "PATH", p.PostEnv[0].Name)
}

func TestResolveSkipsInstalledSystemPackages(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["cargo-audit --version"] = 1
	runner.codes["cargo --version"] = 0 // rust already present
	// All build deps but libssl-dev are already installed.
	runner.codes["dpkg -s pkg-config"] = 0
	runner.codes["dpkg -s libcurl4-openssl-dev"] = 0
	runner.codes["dpkg -s libssl-dev"] = 1

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "cargo-audit", ubuntuProfile(), Options{})
	require.NoError(t, err)

	require.Equal(t, StepSystemPackages, p.Steps[0].Kind)
	assert.Equal(t, []string{"apt-get", "install", "-y", "libssl-dev"}, p.Steps[0].Argv)
}

func TestResolveForceMethodFamilyReachesAltOnly(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["pip --version"] = 0

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "ruff", ubuntuProfile(), Options{
		ForceMethodFamily: "pip-break-system-packages",
	})
	require.NoError(t, err)

	assert.Equal(t, "pip-break-system-packages", p.MethodFamily)
	target := p.Steps[0]
	assert.Equal(t, []string{"pip", "install", "--break-system-packages", "ruff"}, target.Argv)
}

func TestResolveForceMethodFamilySkipsInstalledCheck(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["ruff --version"] = 0 // installed, but the user forced a family
	runner.codes["pip --version"] = 0

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "ruff", ubuntuProfile(), Options{
		ForceMethodFamily: "apt",
	})
	require.NoError(t, err)
	assert.False(t, p.AlreadyInstalled)
	assert.Equal(t, "apt", p.MethodFamily)
	assert.True(t, p.NeedsSudoOverall)
}

func TestResolveForceReinstall(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["cargo --version"] = 0 // rustup verify passes

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "rustup", ubuntuProfile(), Options{ForceReinstall: true})
	require.NoError(t, err)

	assert.False(t, p.AlreadyInstalled)
	require.NotEmpty(t, p.Steps)
	assert.Equal(t, StepInstallTarget, p.Steps[0].Kind)
}

func TestResolveUnknownTool(t *testing.T) {
	r := builtinResolver(t, newFakeRunner())
	_, err := r.Resolve(context.Background(), "no-such-tool", ubuntuProfile(), Options{})

	var notFound *recipe.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestResolveNoViableMethodWithoutSudo(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["jq --version"] = 1

	prof := ubuntuProfile()
	prof.Capabilities.HasSudo = false
	prof.Arch = "386" // binary fallback does not serve this arch

	r := builtinResolver(t, runner)
	_, err := r.Resolve(context.Background(), "jq", prof, Options{})

	var noMethod *NoViableMethodError
	require.ErrorAs(t, err, &noMethod)
	assert.Equal(t, "jq", noMethod.ToolID)
	assert.Contains(t, noMethod.Error(), "requires sudo")
	assert.Contains(t, noMethod.Error(), "arch 386")
}

func TestResolveRootNeverNeedsSudo(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["jq --version"] = 1

	prof := ubuntuProfile()
	prof.Capabilities.HasSudo = false
	prof.Capabilities.IsRoot = true

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "jq", prof, Options{})
	require.NoError(t, err)

	assert.Equal(t, "apt-get", p.Steps[0].Argv[0])
	assert.False(t, p.Steps[0].NeedsSudo)
	assert.False(t, p.NeedsSudoOverall)
}

func TestResolveUnknownFamilyFallsBackToDefaultCommands(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["ruff --version"] = 1
	runner.codes["pip --version"] = 0

	prof := ubuntuProfile()
	prof.Distro.ID = "plan9"
	prof.Distro.Family = profile.FamilyUnknown

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "ruff", prof, Options{})
	require.NoError(t, err)

	// ruff's pip method carries a _default entry, so it still resolves.
	assert.Equal(t, "pip", p.MethodFamily)
}

func TestResolveBinaryDownload(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["terraform version"] = 1

	releases := &fakeReleases{versions: map[string]string{"hashicorp/terraform": "v1.9.5"}}
	r := builtinResolver(t, runner, WithReleases(releases))

	p, err := r.Resolve(context.Background(), "terraform", ubuntuProfile(), Options{})
	require.NoError(t, err)

	target := p.Steps[0]
	require.NotNil(t, target.Download)
	assert.Equal(t, "https://releases.hashicorp.com/terraform/1.9.5/terraform_1.9.5_linux_amd64.zip", target.Download.URL)
	assert.Equal(t, "/home/dev/.deckhand/bin/terraform", target.Download.Dest)
	assert.Equal(t, "1.9.5", target.Download.Version)
	assert.Empty(t, target.Argv)
	assert.Equal(t, "binary", target.MethodFamily)
}

func TestResolveBinaryWithoutReleaseResolver(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["terraform version"] = 1

	r := builtinResolver(t, runner)
	_, err := r.Resolve(context.Background(), "terraform", ubuntuProfile(), Options{})

	var noMethod *NoViableMethodError
	require.ErrorAs(t, err, &noMethod)
}

func TestResolveDependencyCycle(t *testing.T) {
	a := &recipe.Recipe{
		ID: "a", Label: "a", Deps: []string{"b"},
		Methods: []recipe.Method{{Family: "apt", Commands: map[string][]string{recipe.KeyDefault: {"install-a"}}}},
		Verify:  []string{"a", "--version"},
	}
	b := &recipe.Recipe{
		ID: "b", Label: "b", Deps: []string{"a"},
		Methods: []recipe.Method{{Family: "apt", Commands: map[string][]string{recipe.KeyDefault: {"install-b"}}}},
		Verify:  []string{"b", "--version"},
	}
	reg, err := recipe.NewRegistry([]*recipe.Recipe{a, b})
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.codes["a --version"] = 1
	runner.codes["b --version"] = 1

	r := NewResolver(reg, WithRunner(runner))
	_, err = r.Resolve(context.Background(), "a", ubuntuProfile(), Options{})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Contains(t, cycle.Error(), "a")
	assert.Contains(t, cycle.Error(), "b")
}

func TestResolveEphemeralAdvisory(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["jq --version"] = 1

	prof := ubuntuProfile()
	prof.Container = profile.Container{InContainer: true, Runtime: "docker", Ephemeral: true}

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "jq", prof, Options{})
	require.NoError(t, err)

	assert.Contains(t, p.Advisories, AdvisoryEphemeral)
}

func TestResolveEphemeralAdvisoryWithoutSudoSteps(t *testing.T) {
	// The advisory fires whenever the host is an ephemeral container,
	// even when nothing in the plan needs elevation.
	runner := newFakeRunner()
	runner.codes["ruff --version"] = 1
	runner.codes["pip --version"] = 0

	prof := ubuntuProfile()
	prof.Capabilities.IsRoot = true
	prof.Container = profile.Container{InContainer: true, Runtime: "docker", Ephemeral: true}

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "ruff", prof, Options{})
	require.NoError(t, err)

	assert.False(t, p.NeedsSudoOverall)
	assert.Contains(t, p.Advisories, AdvisoryEphemeral)
}

func TestResolveDeterministicStepIDs(t *testing.T) {
	runner := newFakeRunner()
	runner.codes["cargo-audit --version"] = 1
	runner.codes["cargo --version"] = 127

	r := builtinResolver(t, runner)
	p, err := r.Resolve(context.Background(), "cargo-audit", ubuntuProfile(), Options{})
	require.NoError(t, err)

	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{
		"01_system_pkgs",
		"02_install_dep_rustup",
		"03_post_env_rustup",
		"04_install_target",
		"05_verify",
	}, ids)
}

func TestStepCountExcludesPostEnv(t *testing.T) {
	p := &InstallPlan{Steps: []Step{
		{Kind: StepInstallTarget},
		{Kind: StepPostEnv},
		{Kind: StepVerify},
	}}
	assert.Equal(t, 2, p.StepCount())
}
