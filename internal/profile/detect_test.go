package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner serves canned probe results keyed by "name arg1 arg2...".
type fakeRunner struct {
	paths   map[string]bool   // binaries present on PATH
	outputs map[string]string // command line -> stdout
	codes   map[string]int    // command line -> exit code
	errs    map[string]error  // command line -> hard error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		paths:   make(map[string]bool),
		outputs: make(map[string]string),
		codes:   make(map[string]int),
		errs:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, int, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	if err, ok := f.errs[key]; ok {
		return "", -1, err
	}
	return f.outputs[key], f.codes[key], nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.paths[name] {
		return "/usr/bin/" + name, nil
	}
	return "", os.ErrNotExist
}

func writeOSRelease(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNormalizeArch(t *testing.T) {
	tests := []struct {
		machine string
		want    string
	}{
		{"x86_64", "amd64"},
		{"amd64", "amd64"},
		{"aarch64", "arm64"},
		{"arm64", "arm64"},
		{"i686", "386"},
		{"armv7l", "arm"},
		{"RISCV64", "riscv64"},
	}
	for _, tt := range tests {
		t.Run(tt.machine, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeArch(tt.machine))
		})
	}
}

func TestMapDistroToFamily(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		idLike []string
		want   string
	}{
		{"debian direct", "debian", nil, FamilyDebian},
		{"ubuntu direct", "ubuntu", []string{"debian"}, FamilyDebian},
		{"rocky via id_like", "rocky9-custom", []string{"rhel", "centos"}, FamilyRHEL},
		{"alpine", "alpine", nil, FamilyAlpine},
		{"suse leap", "opensuse-leap", nil, FamilySUSE},
		{"unknown", "plan9", nil, FamilyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapDistroToFamily(tt.id, tt.idLike))
		})
	}
}

func TestParseOSRelease(t *testing.T) {
	path := writeOSRelease(t, `
# comment line
ID=ubuntu
ID_LIKE=debian
VERSION_ID="22.04"
VERSION_CODENAME=jammy
`)
	release, err := ParseOSRelease(path)
	require.NoError(t, err)

	assert.Equal(t, "ubuntu", release.ID)
	assert.Equal(t, []string{"debian"}, release.IDLike)
	assert.Equal(t, "22.04", release.VersionID)
}

func TestParseVersionTuple(t *testing.T) {
	tests := []struct {
		version string
		want    []int
	}{
		{"22.04", []int{22, 4}},
		{"12", []int{12}},
		{"3.19.0", []int{3, 19, 0}},
		{"", nil},
		{"rolling", nil},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVersionTuple(tt.version))
		})
	}
}

func TestDetectCapabilities(t *testing.T) {
	runner := newFakeRunner()
	runner.paths["systemctl"] = true
	runner.paths["sudo"] = true
	runner.outputs["systemctl is-system-running"] = "degraded"
	runner.codes["systemctl is-system-running"] = 1
	runner.codes["sudo -n true"] = 0

	d := NewDetector(WithRunner(runner), WithEUID(func() int { return 1000 }))
	caps := d.detectCapabilities(context.Background())

	assert.True(t, caps.HasSystemd, "degraded still counts as systemd present")
	assert.True(t, caps.HasSudo)
	assert.True(t, caps.PasswordlessSudo)
	assert.False(t, caps.IsRoot)
}

func TestDetectCapabilitiesOfflineSystemd(t *testing.T) {
	runner := newFakeRunner()
	runner.paths["systemctl"] = true
	runner.outputs["systemctl is-system-running"] = "offline"

	d := NewDetector(WithRunner(runner), WithEUID(func() int { return 0 }))
	caps := d.detectCapabilities(context.Background())

	assert.False(t, caps.HasSystemd)
	assert.False(t, caps.HasSudo)
	assert.True(t, caps.IsRoot)
}

func TestDetectPackageManagersProbeOrder(t *testing.T) {
	runner := newFakeRunner()
	runner.paths["dnf"] = true
	runner.paths["brew"] = true
	runner.paths["snap"] = true

	d := NewDetector(WithRunner(runner))

	pm := d.detectPackageManagers(context.Background(), false)
	assert.Equal(t, "dnf", pm.Primary, "first probe hit wins")
	assert.Equal(t, []string{"dnf", "brew"}, pm.Available)
	assert.False(t, pm.SnapAvailable, "snap requires systemd")

	pm = d.detectPackageManagers(context.Background(), true)
	assert.True(t, pm.SnapAvailable)
}

func TestDetectPackageManagersNone(t *testing.T) {
	d := NewDetector(WithRunner(newFakeRunner()))
	pm := d.detectPackageManagers(context.Background(), true)

	assert.Equal(t, "none", pm.Primary)
	assert.Empty(t, pm.Available)
}

func TestDetectContainer(t *testing.T) {
	dir := t.TempDir()
	dockerenv := filepath.Join(dir, ".dockerenv")
	require.NoError(t, os.WriteFile(dockerenv, nil, 0o644))
	cgroup := filepath.Join(dir, "cgroup")
	require.NoError(t, os.WriteFile(cgroup, []byte("0::/kubepods/besteffort/pod123\n"), 0o644))

	d := NewDetector(
		WithRunner(newFakeRunner()),
		WithFilesystem(filepath.Join(dir, "os-release"), dockerenv, cgroup),
		WithEnv(func(key string) string {
			if key == "KUBERNETES_SERVICE_HOST" {
				return "10.0.0.1"
			}
			return ""
		}),
	)

	c := d.detectContainer()
	assert.True(t, c.InContainer)
	assert.Equal(t, "docker", c.Runtime, "dockerenv file takes precedence")
	assert.True(t, c.InK8s)
	assert.True(t, c.Ephemeral)
}

func TestDetectContainerBareMetal(t *testing.T) {
	dir := t.TempDir()
	d := NewDetector(
		WithRunner(newFakeRunner()),
		WithFilesystem(filepath.Join(dir, "os-release"), filepath.Join(dir, ".dockerenv"), filepath.Join(dir, "cgroup")),
		WithEnv(func(string) string { return "" }),
	)

	c := d.detectContainer()
	assert.False(t, c.InContainer)
	assert.False(t, c.InK8s)
	assert.False(t, c.Ephemeral)
}

func TestDetectLibraries(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["openssl version"] = "OpenSSL 3.0.13 30 Jan 2024"
	runner.outputs["ldd --version"] = "ldd (Ubuntu GLIBC 2.35-0ubuntu3.8) 2.35\nCopyright (C) 2022"

	d := NewDetector(WithRunner(runner), WithLibcProbe(func() string { return LibcGlibc }))
	libs := d.detectLibraries(context.Background(), "linux")

	assert.Equal(t, "3.0.13", libs.OpenSSLVersion)
	assert.Equal(t, "2.35", libs.GlibcVersion)
	assert.Equal(t, LibcGlibc, libs.LibcType)
}

func TestDetectLibrariesMusl(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["openssl version"] = os.ErrNotExist

	d := NewDetector(WithRunner(runner), WithLibcProbe(func() string { return LibcMusl }))
	libs := d.detectLibraries(context.Background(), "linux")

	assert.Empty(t, libs.OpenSSLVersion)
	assert.Empty(t, libs.GlibcVersion)
	assert.Equal(t, LibcMusl, libs.LibcType)
}

func TestDetectNeverFails(t *testing.T) {
	// Every probe errors; detection still produces a usable profile.
	runner := newFakeRunner()
	runner.errs["uname -m"] = os.ErrNotExist
	runner.errs["uname -r"] = os.ErrNotExist
	dir := t.TempDir()

	d := NewDetector(
		WithRunner(runner),
		WithFilesystem(filepath.Join(dir, "missing"), filepath.Join(dir, "missing2"), filepath.Join(dir, "missing3")),
		WithEnv(func(string) string { return "" }),
		WithEUID(func() int { return 1000 }),
		WithLibcProbe(func() string { return LibcUnknown }),
	)

	p := d.Detect(context.Background())
	assert.NotEmpty(t, p.System)
	assert.NotEmpty(t, p.Arch)
	assert.NotEmpty(t, p.SnapshotID)
	assert.Equal(t, "none", p.PackageManager.Primary)
}

func TestSnapshotIDStable(t *testing.T) {
	runner := newFakeRunner()
	runner.outputs["uname -m"] = "x86_64"
	dir := t.TempDir()
	path := writeOSRelease(t, "ID=debian\nVERSION_ID=\"12\"\n")

	d := NewDetector(
		WithRunner(runner),
		WithFilesystem(path, filepath.Join(dir, "d"), filepath.Join(dir, "c")),
		WithEnv(func(string) string { return "" }),
		WithEUID(func() int { return 1000 }),
		WithLibcProbe(func() string { return LibcGlibc }),
	)

	a := d.Detect(context.Background())
	b := d.Detect(context.Background())
	assert.Equal(t, a.SnapshotID, b.SnapshotID, "same host hashes to same snapshot")
}

func TestServiceCachesWithinTTL(t *testing.T) {
	runner := newFakeRunner()
	dir := t.TempDir()
	d := NewDetector(
		WithRunner(runner),
		WithFilesystem(filepath.Join(dir, "a"), filepath.Join(dir, "b"), filepath.Join(dir, "c")),
		WithEnv(func(string) string { return "" }),
		WithEUID(func() int { return 1000 }),
		WithLibcProbe(func() string { return LibcGlibc }),
	)

	now := time.Now()
	clock := func() time.Time { return now }
	svc := NewService(d, WithTTL(5*time.Second), WithClock(clock))

	first := svc.Current(context.Background())
	second := svc.Current(context.Background())
	assert.Equal(t, first.CapturedAt, second.CapturedAt, "served from cache")

	now = now.Add(6 * time.Second)
	third := svc.Current(context.Background())
	assert.NotEqual(t, first.CapturedAt, third.CapturedAt, "TTL expiry forces re-detection")
}

func TestServiceInvalidate(t *testing.T) {
	runner := newFakeRunner()
	dir := t.TempDir()
	d := NewDetector(
		WithRunner(runner),
		WithFilesystem(filepath.Join(dir, "a"), filepath.Join(dir, "b"), filepath.Join(dir, "c")),
		WithEnv(func(string) string { return "" }),
		WithEUID(func() int { return 1000 }),
		WithLibcProbe(func() string { return LibcGlibc }),
	)

	now := time.Now()
	tick := 0
	clock := func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Millisecond)
	}
	svc := NewService(d, WithTTL(time.Hour), WithClock(clock))

	first := svc.Current(context.Background())
	svc.Invalidate()
	second := svc.Current(context.Background())
	assert.NotEqual(t, first.CapturedAt, second.CapturedAt)
}
