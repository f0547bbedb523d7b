// Package profile detects the host system and normalizes it into a
// SystemProfile: OS, distro family, package managers, capabilities, and
// core library versions. Detection is idempotent, bounded, and never
// fails as a whole - probes that error contribute "unknown" fields.
package profile

import (
	"time"
)

// Known distro families. The family corresponds to the package manager
// ecosystem and the system_packages_by_family recipe key.
const (
	FamilyDebian  = "debian"
	FamilyRHEL    = "rhel"
	FamilyAlpine  = "alpine"
	FamilyArch    = "arch"
	FamilySUSE    = "suse"
	FamilyMacOS   = "macos"
	FamilyWindows = "windows"
	FamilyUnknown = "unknown"
)

// Libc kinds.
const (
	LibcGlibc   = "glibc"
	LibcMusl    = "musl"
	LibcUnknown = "unknown"
)

// SystemProfile is an immutable snapshot of the host.
type SystemProfile struct {
	System  string `json:"system"`  // "linux", "darwin", "windows"
	Kernel  string `json:"kernel"`  // e.g. "6.8.0-41-generic"
	Machine string `json:"machine"` // raw uname machine, e.g. "x86_64"
	Arch    string `json:"arch"`    // normalized: "amd64", "arm64", ...

	Distro         Distro         `json:"distro"`
	Container      Container      `json:"container"`
	Capabilities   Capabilities   `json:"capabilities"`
	PackageManager PackageManager `json:"package_manager"`
	Libraries      Libraries      `json:"libraries"`

	SnapshotID string    `json:"snapshot_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// Distro identifies the Linux distribution (or macos/windows).
type Distro struct {
	ID           string `json:"id"`     // e.g. "ubuntu", "debian", "alpine"
	Family       string `json:"family"` // debian, rhel, alpine, arch, suse, macos, windows, unknown
	Version      string `json:"version"`
	VersionTuple []int  `json:"version_tuple,omitempty"`
}

// Container reports containerization status.
type Container struct {
	InContainer bool   `json:"in_container"`
	Runtime     string `json:"runtime,omitempty"` // "docker", "containerd", "kubepods"
	InK8s       bool   `json:"in_k8s"`
	Ephemeral   bool   `json:"ephemeral"`
}

// Capabilities reports privilege and init-system status.
type Capabilities struct {
	HasSystemd       bool `json:"has_systemd"`
	HasSudo          bool `json:"has_sudo"`
	PasswordlessSudo bool `json:"passwordless_sudo"`
	IsRoot           bool `json:"is_root"`
}

// PackageManager reports available native package managers.
type PackageManager struct {
	Primary       string   `json:"primary"` // apt, dnf, yum, apk, pacman, zypper, brew, choco, winget, none
	Available     []string `json:"available"`
	SnapAvailable bool     `json:"snap_available"`
}

// Libraries reports core library versions.
type Libraries struct {
	OpenSSLVersion string `json:"openssl_version,omitempty"`
	GlibcVersion   string `json:"glibc_version,omitempty"`
	LibcType       string `json:"libc_type"` // glibc, musl, unknown
}

// NormalizeArch maps raw machine strings to Go-style architecture names.
// Unrecognized values pass through lowercased.
func NormalizeArch(machine string) string {
	switch machine {
	case "x86_64", "amd64", "X86_64", "AMD64":
		return "amd64"
	case "aarch64", "arm64", "ARM64":
		return "arm64"
	case "i386", "i686":
		return "386"
	case "armv7l", "armv6l":
		return "arm"
	default:
		return lower(machine)
	}
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// Has reports whether the named manager was detected.
func (p PackageManager) Has(name string) bool {
	for _, m := range p.Available {
		if m == name {
			return true
		}
	}
	return false
}
