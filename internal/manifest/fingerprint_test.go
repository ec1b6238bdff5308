package manifest_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/codecompass-ai/compassd/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	writeFiles := func(t *testing.T, files map[string]string) string {
		t.Helper()
		dir := t.TempDir()
		for name, content := range files {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600), "Setup: could not write fixture")
		}
		return dir
	}

	base := map[string]string{
		"pyproject.toml": "[tool.poetry]\nname = \"engine\"\n",
		"poetry.lock":    "content-hash = \"abc\"\n",
	}

	t.Run("Stable across identical inputs", func(t *testing.T) {
		t.Parallel()

		dirA := writeFiles(t, base)
		dirB := writeFiles(t, base)

		a, err := manifest.Fingerprint(filepath.Join(dirA, "pyproject.toml"), filepath.Join(dirA, "poetry.lock"))
		require.NoError(t, err, "Fingerprint should not return an error")
		b, err := manifest.Fingerprint(filepath.Join(dirB, "pyproject.toml"), filepath.Join(dirB, "poetry.lock"))
		require.NoError(t, err, "Fingerprint should not return an error")

		assert.Equal(t, a, b, "identical inputs should produce identical fingerprints")
		assert.Len(t, a, 64, "fingerprint should be a hex SHA-256 digest")
	})

	t.Run("Content change alters fingerprint", func(t *testing.T) {
		t.Parallel()

		dir := writeFiles(t, base)
		before, err := manifest.Fingerprint(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "poetry.lock"))
		require.NoError(t, err, "Fingerprint should not return an error")

		require.NoError(t, os.WriteFile(filepath.Join(dir, "poetry.lock"), []byte("content-hash = \"xyz\"\n"), 0600))
		after, err := manifest.Fingerprint(filepath.Join(dir, "pyproject.toml"), filepath.Join(dir, "poetry.lock"))
		require.NoError(t, err, "Fingerprint should not return an error")

		assert.NotEqual(t, before, after, "changed content should change the fingerprint")
	})

	t.Run("File name folds into fingerprint", func(t *testing.T) {
		t.Parallel()

		dir := writeFiles(t, map[string]string{"a": "same", "b": "same"})
		a, err := manifest.Fingerprint(filepath.Join(dir, "a"))
		require.NoError(t, err, "Fingerprint should not return an error")
		b, err := manifest.Fingerprint(filepath.Join(dir, "b"))
		require.NoError(t, err, "Fingerprint should not return an error")

		assert.NotEqual(t, a, b, "same content under another name should change the fingerprint")
	})

	t.Run("Missing input names the path", func(t *testing.T) {
		t.Parallel()

		missing := filepath.Join(t.TempDir(), "nope.toml")
		_, err := manifest.Fingerprint(missing)
		require.Error(t, err, "Fingerprint should fail on a missing input")
		assert.ErrorContains(t, err, "nope.toml", "error should name the missing path")
	})

	t.Run("No inputs is an error", func(t *testing.T) {
		t.Parallel()

		_, err := manifest.Fingerprint()
		require.Error(t, err, "Fingerprint should reject an empty input list")
	})
}

func TestFileDigest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "artifact.so")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600), "Setup: could not write fixture")

	got, err := manifest.FileDigest(path)
	require.NoError(t, err, "FileDigest should not return an error")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got,
		"FileDigest should return the SHA-256 of the file contents")

	_, err = manifest.FileDigest(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err, "FileDigest should fail on a missing file")
}

func TestInputsFingerprint(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "pyproject.toml"), []byte("[tool.poetry]\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "poetry.lock"), []byte("lock"), 0600))

	m := manifest.New(slog.Default(), workspace)
	got, err := m.InputsFingerprint()
	require.NoError(t, err, "InputsFingerprint should not return an error")

	want, err := manifest.Fingerprint(m.ManifestPath(), m.LockPath())
	require.NoError(t, err, "Fingerprint should not return an error")
	assert.Equal(t, want, got, "InputsFingerprint should cover the manifest and lock file")
}
