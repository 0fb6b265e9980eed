package update

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrUnsafeArchivePath is returned for archive entries that would land outside the
	// extraction directory.
	ErrUnsafeArchivePath = errors.New("archive entry escapes the extraction directory")
	// ErrInstallerMissing is returned when the extracted archive has no installer at the
	// expected path.
	ErrInstallerMissing = errors.New("installer not found in archive")
)

// extractZip unpacks archive into dir. Symlinks are skipped.
func extractZip(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		r.Close()
		return fmt.Errorf("%w: %w", ErrUnsafeArchivePath, err)
	}

	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if !filepath.IsLocal(filepath.FromSlash(f.Name)) {
			return fmt.Errorf("%w: %s", ErrUnsafeArchivePath, f.Name)
		}

		target := filepath.Join(dir, filepath.FromSlash(f.Name))

		mode := f.Mode()

		switch {
		case mode&os.ModeSymlink != 0:
			continue
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", f.Name, err)
			}

			continue
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	return nil
}

// locateInstaller returns the absolute path of rel inside dir if it is a regular file.
func locateInstaller(dir, rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, rel)
	}

	path := filepath.Join(dir, rel)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: expected %s", ErrInstallerMissing, rel)
	}

	return path, nil
}
