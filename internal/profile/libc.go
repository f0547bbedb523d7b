package profile

import (
	"bytes"
	"context"
	"debug/elf"
	"path/filepath"
	"regexp"
	"strings"
)

// glibcVersionRe matches the version in ld.so / ldd banner output, e.g.
// "ldd (Ubuntu GLIBC 2.35-0ubuntu3.8) 2.35".
var glibcVersionRe = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)\s*$`)

// DetectLibc returns the libc implementation for the current system.
// Detection examines the ELF interpreter of /bin/sh, which definitively
// identifies the system's libc. Falls back to checking for the musl
// dynamic linker at /lib/ld-musl-*.so.1 if ELF parsing fails.
func DetectLibc() string {
	if libc := detectLibcFromBinary("/bin/sh"); libc != "" {
		return libc
	}
	return detectLibcFromLoaderPath("")
}

// detectLibcFromBinary reads the ELF interpreter from a binary.
// Returns "musl" if the interpreter contains "musl", "glibc" for other
// Linux interpreters, or "" if detection fails.
func detectLibcFromBinary(path string) string {
	f, err := elf.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	for _, prog := range f.Progs {
		if prog.Type == elf.PT_INTERP {
			data := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(data, 0); err != nil {
				return ""
			}
			interp := string(bytes.TrimRight(data, "\x00"))
			if strings.Contains(interp, "musl") {
				return LibcMusl
			}
			return LibcGlibc
		}
	}
	// No PT_INTERP means static binary - can't determine from this file
	return ""
}

// detectLibcFromLoaderPath checks for the musl dynamic linker under root.
// An empty root uses the real filesystem root.
func detectLibcFromLoaderPath(root string) string {
	// Pattern matches: ld-musl-x86_64.so.1, ld-musl-aarch64.so.1, etc.
	pattern := filepath.Join(root, "lib", "ld-musl-*.so.1")
	matches, _ := filepath.Glob(pattern)
	if len(matches) > 0 {
		return LibcMusl
	}
	return LibcGlibc
}

// detectGlibcVersion extracts the glibc version from `ldd --version`.
// Returns "" when the probe fails or the system is not glibc.
func detectGlibcVersion(ctx context.Context, r Runner) string {
	out, code, err := r.Run(ctx, "ldd", "--version")
	if err != nil || code != 0 {
		return ""
	}
	firstLine, _, _ := strings.Cut(out, "\n")
	if strings.Contains(strings.ToLower(firstLine), "musl") {
		return ""
	}
	if m := glibcVersionRe.FindStringSubmatch(strings.TrimSpace(firstLine)); m != nil {
		return m[1]
	}
	return ""
}

// detectOpenSSLVersion extracts the version token from `openssl version`,
// e.g. "3.0.13" from "OpenSSL 3.0.13 30 Jan 2024".
func detectOpenSSLVersion(ctx context.Context, r Runner) string {
	out, code, err := r.Run(ctx, "openssl", "version")
	if err != nil || code != 0 {
		return ""
	}
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
}
