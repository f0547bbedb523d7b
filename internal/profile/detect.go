package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/deckhand-dev/deckhand/internal/config"
	"github.com/deckhand-dev/deckhand/internal/log"
)

// packageManagerProbes is the fixed probe order for the primary manager.
// The first binary found on PATH wins.
var packageManagerProbes = []struct {
	binary  string
	manager string
}{
	{"apt-get", "apt"},
	{"dnf", "dnf"},
	{"yum", "yum"},
	{"apk", "apk"},
	{"pacman", "pacman"},
	{"zypper", "zypper"},
	{"brew", "brew"},
	{"choco", "choco"},
	{"winget", "winget"},
}

// Detector builds SystemProfile values. All probes are bounded and
// failure-tolerant; Detect never returns an error.
type Detector struct {
	runner  Runner
	logger  log.Logger
	getenv  func(string) string
	geteuid func() int

	// Filesystem override points for tests.
	osReleasePath string
	dockerenvPath string
	cgroupPath    string

	libc func() string
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithRunner sets the probe runner.
func WithRunner(r Runner) DetectorOption {
	return func(d *Detector) { d.runner = r }
}

// WithLogger sets the logger for probe diagnostics.
func WithLogger(l log.Logger) DetectorOption {
	return func(d *Detector) { d.logger = l }
}

// WithEnv overrides environment lookup (for tests).
func WithEnv(getenv func(string) string) DetectorOption {
	return func(d *Detector) { d.getenv = getenv }
}

// WithEUID overrides the effective-UID check (for tests).
func WithEUID(f func() int) DetectorOption {
	return func(d *Detector) { d.geteuid = f }
}

// WithFilesystem overrides detection file paths (for tests).
func WithFilesystem(osRelease, dockerenv, cgroup string) DetectorOption {
	return func(d *Detector) {
		d.osReleasePath = osRelease
		d.dockerenvPath = dockerenv
		d.cgroupPath = cgroup
	}
}

// WithLibcProbe overrides libc detection (for tests).
func WithLibcProbe(f func() string) DetectorOption {
	return func(d *Detector) { d.libc = f }
}

// NewDetector creates a Detector with bounded real-system probes.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		runner:        NewExecRunner(config.GetProbeTimeout()),
		logger:        log.NewNoop(),
		getenv:        os.Getenv,
		geteuid:       os.Geteuid,
		osReleasePath: "/etc/os-release",
		dockerenvPath: "/.dockerenv",
		cgroupPath:    "/proc/1/cgroup",
		libc:          DetectLibc,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect builds a SystemProfile for the current host. Idempotent and
// side-effect free. Probes that fail contribute unknown fields; Detect
// itself never fails.
func (d *Detector) Detect(ctx context.Context) SystemProfile {
	p := SystemProfile{
		System:     runtime.GOOS,
		Machine:    d.detectMachine(ctx),
		CapturedAt: time.Now().UTC(),
	}
	p.Arch = NormalizeArch(p.Machine)
	p.Kernel = d.detectKernel(ctx)
	p.Distro = d.detectDistro()
	p.Container = d.detectContainer()
	p.Capabilities = d.detectCapabilities(ctx)
	p.PackageManager = d.detectPackageManagers(ctx, p.Capabilities.HasSystemd)
	p.Libraries = d.detectLibraries(ctx, p.System)
	p.SnapshotID = snapshotID(p)
	return p
}

func (d *Detector) detectMachine(ctx context.Context) string {
	if out, code, err := d.runner.Run(ctx, "uname", "-m"); err == nil && code == 0 && out != "" {
		return out
	}
	// uname missing (Windows); fall back to the Go runtime's view.
	return runtime.GOARCH
}

func (d *Detector) detectKernel(ctx context.Context) string {
	if out, code, err := d.runner.Run(ctx, "uname", "-r"); err == nil && code == 0 {
		return out
	}
	return ""
}

func (d *Detector) detectDistro() Distro {
	switch runtime.GOOS {
	case "darwin":
		return Distro{ID: "macos", Family: FamilyMacOS}
	case "windows":
		return Distro{ID: "windows", Family: FamilyWindows}
	}

	release, err := ParseOSRelease(d.osReleasePath)
	if err != nil {
		d.logger.Debug("os-release probe failed", "error", err)
		return Distro{Family: FamilyUnknown}
	}
	return Distro{
		ID:           release.ID,
		Family:       MapDistroToFamily(release.ID, release.IDLike),
		Version:      release.VersionID,
		VersionTuple: ParseVersionTuple(release.VersionID),
	}
}

func (d *Detector) detectContainer() Container {
	c := Container{}

	if _, err := os.Stat(d.dockerenvPath); err == nil {
		c.InContainer = true
		c.Runtime = "docker"
	}

	if data, err := os.ReadFile(d.cgroupPath); err == nil {
		content := string(data)
		for _, marker := range []string{"docker", "kubepods", "containerd"} {
			if strings.Contains(content, marker) {
				c.InContainer = true
				if c.Runtime == "" {
					c.Runtime = marker
				}
				break
			}
		}
	}

	c.InK8s = d.getenv("KUBERNETES_SERVICE_HOST") != ""

	// A container without a persistent volume mount for the home dir is
	// treated as ephemeral; installs there will not survive a restart.
	c.Ephemeral = c.InContainer

	return c
}

func (d *Detector) detectCapabilities(ctx context.Context) Capabilities {
	caps := Capabilities{
		IsRoot: d.geteuid() == 0,
	}

	if _, err := d.runner.LookPath("systemctl"); err == nil {
		// is-system-running exits non-zero for "degraded" but still
		// reports a status; only "offline" (or no output) means systemd
		// is not actually PID 1.
		out, _, err := d.runner.Run(ctx, "systemctl", "is-system-running")
		if err == nil && out != "" && out != "offline" {
			caps.HasSystemd = true
		}
	}

	if _, err := d.runner.LookPath("sudo"); err == nil {
		caps.HasSudo = true
		if _, code, err := d.runner.Run(ctx, "sudo", "-n", "true"); err == nil && code == 0 {
			caps.PasswordlessSudo = true
		}
	}

	return caps
}

func (d *Detector) detectPackageManagers(ctx context.Context, hasSystemd bool) PackageManager {
	pm := PackageManager{Primary: "none"}

	for _, probe := range packageManagerProbes {
		if _, err := d.runner.LookPath(probe.binary); err == nil {
			if pm.Primary == "none" {
				pm.Primary = probe.manager
			}
			pm.Available = append(pm.Available, probe.manager)
		}
	}

	if _, err := d.runner.LookPath("snap"); err == nil {
		// snapd requires systemd; snap on PATH alone is not enough.
		pm.SnapAvailable = hasSystemd
	}

	return pm
}

func (d *Detector) detectLibraries(ctx context.Context, system string) Libraries {
	libs := Libraries{LibcType: LibcUnknown}

	libs.OpenSSLVersion = detectOpenSSLVersion(ctx, d.runner)

	if system == "linux" {
		libs.LibcType = d.libc()
		if libs.LibcType == LibcGlibc {
			libs.GlibcVersion = detectGlibcVersion(ctx, d.runner)
		}
	}

	return libs
}

// snapshotID derives a stable identifier from the profile's content,
// excluding the capture timestamp. Equal hosts hash equal.
func snapshotID(p SystemProfile) string {
	clone := p
	clone.CapturedAt = time.Time{}
	clone.SnapshotID = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
