package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, AtomicWrite(path, map[string]any{"max_level": 3, "chain": []string{"assignee", "director"}}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yamlv3.Unmarshal(content, &got))
	assert.Equal(t, 3, got["max_level"])
	assert.Contains(t, string(content), "\n  - assignee", "two-space indentation")
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, AtomicWrite(path, map[string]string{"version": "1"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "2"}))

	bak, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(bak), `version: "1"`)

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(cur), `version: "2"`)
}

func TestAtomicWriteRaw_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ok: true\n"), 0644))

	err := AtomicWriteRaw(path, []byte("key: [unclosed"))
	require.Error(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok: true\n", string(content), "original untouched")
}

func TestAtomicWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	for i := 0; i < 3; i++ {
		require.NoError(t, AtomicWrite(path, map[string]int{"n": i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".slawarden-tmp-"), e.Name())
	}
}

func TestRestoreFromBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "1"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "2"}))
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0644))

	require.NoError(t, RestoreFromBackup(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `version: "1"`)
}

func TestRestoreFromBackup_Missing(t *testing.T) {
	assert.Error(t, RestoreFromBackup(filepath.Join(t.TempDir(), "config.yaml")))
}

func TestAtomicWriteWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, AtomicWriteWithHeader(path, "slawarden config\n\nedit and save; policy reloads live", map[string]int{"max_level": 3}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "# slawarden config\n#\n# edit and save; policy reloads live\nmax_level: 3\n"), string(content))
}

func TestAtomicWrite_PreservesMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o600))

	require.NoError(t, AtomicWrite(path, map[string]int{"a": 2}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
