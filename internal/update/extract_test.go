package update

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip creates a zip archive at path holding the given name -> content entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(f)

	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "release.zip")
	out := filepath.Join(dir, "out")

	writeZip(t, archive, map[string]string{
		"Scribe-Setup-2.3.0.exe": "installer",
		"docs/README.txt":        "readme",
		"docs/":                  "",
	})

	require.NoError(t, extractZip(archive, out))

	data, err := os.ReadFile(filepath.Join(out, "Scribe-Setup-2.3.0.exe"))
	require.NoError(t, err)
	assert.Equal(t, "installer", string(data))

	data, err = os.ReadFile(filepath.Join(out, "docs", "README.txt"))
	require.NoError(t, err)
	assert.Equal(t, "readme", string(data))

	path, err := locateInstaller(out, "Scribe-Setup-2.3.0.exe")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "Scribe-Setup-2.3.0.exe"), path)
}

func TestExtractZipRejectsEscapingEntries(t *testing.T) {
	for _, name := range []string{"../evil.exe", "/abs/evil.exe", "a/../../evil.exe"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, "release.zip")

			writeZip(t, archive, map[string]string{name: "evil"})

			err := extractZip(archive, filepath.Join(dir, "out"))
			require.ErrorIs(t, err, ErrUnsafeArchivePath)

			_, statErr := os.Stat(filepath.Join(dir, "evil.exe"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtractZipNotAnArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "release.zip")
	require.NoError(t, os.WriteFile(archive, []byte("<html>blocked</html>"), 0o600))

	assert.Error(t, extractZip(archive, filepath.Join(dir, "out")))
}

func TestLocateInstaller(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Setup.exe"), 0o755))

	_, err := locateInstaller(dir, "Missing.exe")
	require.ErrorIs(t, err, ErrInstallerMissing)

	_, err = locateInstaller(dir, "Setup.exe")
	require.ErrorIs(t, err, ErrInstallerMissing)

	_, err = locateInstaller(dir, "../Setup.exe")
	require.ErrorIs(t, err, ErrUnsafeArchivePath)
}
