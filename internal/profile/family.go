package profile

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// OSRelease contains parsed values from /etc/os-release.
type OSRelease struct {
	ID        string   // Canonical distro identifier (e.g., "ubuntu", "fedora")
	IDLike    []string // Parent/similar distros (e.g., ["debian"] for Ubuntu)
	VersionID string   // Version number (e.g., "22.04")
}

// distroToFamily maps distro IDs to families. The family corresponds to
// the package manager ecosystem.
var distroToFamily = map[string]string{
	// Debian family (apt)
	"debian": FamilyDebian, "ubuntu": FamilyDebian, "linuxmint": FamilyDebian,
	"pop": FamilyDebian, "elementary": FamilyDebian, "zorin": FamilyDebian,
	// RHEL family (dnf/yum)
	"fedora": FamilyRHEL, "rhel": FamilyRHEL, "centos": FamilyRHEL,
	"rocky": FamilyRHEL, "almalinux": FamilyRHEL, "ol": FamilyRHEL,
	// Arch family (pacman)
	"arch": FamilyArch, "manjaro": FamilyArch, "endeavouros": FamilyArch,
	// Alpine (apk)
	"alpine": FamilyAlpine,
	// SUSE family (zypper)
	"opensuse":            FamilySUSE,
	"opensuse-leap":       FamilySUSE,
	"opensuse-tumbleweed": FamilySUSE,
	"sles":                FamilySUSE,
}

// ParseOSRelease parses the /etc/os-release file format.
// Returns an error if the file cannot be read.
func ParseOSRelease(path string) (*OSRelease, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	release := &OSRelease{}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		// Remove quotes from value
		value = strings.Trim(value, `"'`)

		switch key {
		case "ID":
			release.ID = value
		case "ID_LIKE":
			// ID_LIKE is space-separated
			release.IDLike = strings.Fields(value)
		case "VERSION_ID":
			release.VersionID = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return release, nil
}

// MapDistroToFamily maps a distro ID to its family.
// Falls back to the ID_LIKE chain if ID is not directly recognized.
// Returns FamilyUnknown when nothing matches; family resolution never
// fails hard - an unknown distro degrades method selection instead.
func MapDistroToFamily(id string, idLike []string) string {
	if family, ok := distroToFamily[id]; ok {
		return family
	}
	for _, like := range idLike {
		if family, ok := distroToFamily[like]; ok {
			return family
		}
	}
	return FamilyUnknown
}

// ParseVersionTuple splits a VERSION_ID into numeric components.
// "22.04" becomes [22, 4]; non-numeric segments end the tuple.
// Uses semver coercion first so values like "9" or "3.19.0" parse the
// same way recipe version constraints do.
func ParseVersionTuple(version string) []int {
	if version == "" {
		return nil
	}
	if v, err := semver.NewVersion(version); err == nil {
		tuple := []int{int(v.Major())}
		if strings.Contains(version, ".") {
			tuple = append(tuple, int(v.Minor()))
			if strings.Count(version, ".") >= 2 {
				tuple = append(tuple, int(v.Patch()))
			}
		}
		return tuple
	}
	// Fallback for values semver refuses (e.g. "12-backports")
	var tuple []int
	for _, part := range strings.Split(version, ".") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			break
		}
		tuple = append(tuple, n)
	}
	return tuple
}
