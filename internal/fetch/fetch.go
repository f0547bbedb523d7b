// Package fetch downloads resolved binary artifacts and installs them
// into the deckhand bin directory, unpacking archives as needed.
package fetch

import (
	"archive/tar"
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/deckhand-dev/deckhand/internal/log"
	"github.com/deckhand-dev/deckhand/internal/plan"
)

// ChecksumError reports a sha256 mismatch on a downloaded artifact.
type ChecksumError struct {
	URL  string
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.URL, e.Want, e.Got)
}

// Installer implements execute.BinaryInstaller over HTTP.
type Installer struct {
	client *http.Client
	logger log.Logger
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(hc *http.Client) InstallerOption {
	return func(i *Installer) { i.client = hc }
}

// WithLogger sets the installer's logger.
func WithLogger(l log.Logger) InstallerOption {
	return func(i *Installer) { i.logger = l }
}

// NewInstaller builds an Installer.
func NewInstaller(opts ...InstallerOption) *Installer {
	i := &Installer{
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install downloads dl.URL, verifies its checksum when one is pinned,
// unpacks it if it is an archive, and lands an executable at dl.Dest.
func (i *Installer) Install(ctx context.Context, dl *plan.BinaryDownload) error {
	tmp, err := i.download(ctx, dl)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.MkdirAll(filepath.Dir(dl.Dest), 0o755); err != nil {
		return fmt.Errorf("failed to create bin directory: %w", err)
	}

	toolName := filepath.Base(dl.Dest)
	switch {
	case strings.HasSuffix(dl.URL, ".tar.gz"), strings.HasSuffix(dl.URL, ".tgz"):
		err = i.extractTar(tmp, dl.Dest, toolName, decompressGzip)
	case strings.HasSuffix(dl.URL, ".tar.xz"):
		err = i.extractTar(tmp, dl.Dest, toolName, decompressXz)
	case strings.HasSuffix(dl.URL, ".tar.zst"):
		err = i.extractTar(tmp, dl.Dest, toolName, decompressZstd)
	case strings.HasSuffix(dl.URL, ".zip"):
		err = i.extractZip(tmp, dl.Dest, toolName)
	default:
		err = copyFile(tmp, dl.Dest)
	}
	if err != nil {
		return err
	}

	if err := os.Chmod(dl.Dest, 0o755); err != nil {
		return fmt.Errorf("failed to mark %s executable: %w", dl.Dest, err)
	}
	i.logger.Info("binary installed", "dest", dl.Dest, "url", dl.URL)
	return nil
}

// download streams the artifact to a temp file, hashing as it goes.
func (i *Installer) download(ctx context.Context, dl *plan.BinaryDownload) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", dl.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: HTTP %d", dl.URL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "deckhand-download-*")
	if err != nil {
		return "", err
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to download %s: %w", dl.URL, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	if dl.Checksum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, dl.Checksum) {
			os.Remove(tmp.Name())
			return "", &ChecksumError{URL: dl.URL, Want: dl.Checksum, Got: got}
		}
	}
	return tmp.Name(), nil
}

func decompressGzip(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func decompressXz(r io.Reader) (io.Reader, error) {
	return xz.NewReader(r)
}

func decompressZstd(r io.Reader) (io.Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

// extractTar finds the tool's binary inside the archive and writes it
// to dest. An entry whose base name matches the tool wins; otherwise
// the first executable regular file does.
func (i *Installer) extractTar(archivePath, dest, toolName string, decompress func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return fmt.Errorf("failed to decompress archive: %w", err)
	}

	tr := tar.NewReader(dr)
	var fallbackData []byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(hdr.Name) == toolName {
			return writeFile(dest, tr)
		}
		if fallbackData == nil && hdr.FileInfo().Mode()&0o111 != 0 {
			fallbackData, err = io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("failed to read archive: %w", err)
			}
		}
	}
	if fallbackData != nil {
		return os.WriteFile(dest, fallbackData, 0o755)
	}
	return fmt.Errorf("no binary named %s found in archive", toolName)
}

func (i *Installer) extractZip(archivePath, dest, toolName string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	var fallback *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if filepath.Base(f.Name) == toolName {
			return writeZipEntry(f, dest)
		}
		if fallback == nil && f.FileInfo().Mode()&0o111 != 0 {
			fallback = f
		}
	}
	if fallback != nil {
		return writeZipEntry(fallback, dest)
	}
	return fmt.Errorf("no binary named %s found in archive", toolName)
}

func writeZipEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return writeFile(dest, rc)
}

func writeFile(dest string, r io.Reader) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dest, in)
}
