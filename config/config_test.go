// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
	"testing"

	u "github.com/mmp/snapsafe/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.RegistryDir, c.RegistryDir)
	assert.Equal(t, "gzip", c.Compression)
	assert.True(t, c.Encryption)
	assert.Equal(t, 3, c.GCLimit)
	assert.False(t, c.EnforcePasswordPolicy)
	assert.Empty(t, c.Exclude)
	assert.Equal(t, "", c.Path)
}

func TestLocalOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global", FileName)
	local := filepath.Join(dir, "local", FileName)
	writeConfig(t, global, `
registry_dir = "/var/snapsafe"
compression = "zstd"
gc_limit = 5
exclude = ["*.tmp"]
`)
	writeConfig(t, local, `
compression = "brotli"
`)

	c, err := Load(global, local)
	require.NoError(t, err)
	assert.Equal(t, "/var/snapsafe", c.RegistryDir)
	assert.Equal(t, "brotli", c.Compression)
	assert.Equal(t, 5, c.GCLimit)
	assert.Equal(t, []string{"*.tmp"}, c.Exclude)
	assert.Equal(t, local, c.Path)
	assert.Equal(t, filepath.Join("/var/snapsafe", "backup_registry.json"), c.RegistryPath())
	assert.Equal(t, filepath.Join("/var/snapsafe", "retention_index.json"), c.RetentionIndexPath())
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	writeConfig(t, path, `registry_dir = "/from/file"`)

	t.Setenv("SNAPSAFE_REGISTRY_DIR", filepath.Join(dir, "reg"))
	t.Setenv("SNAPSAFE_GC_LIMIT", "7")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "reg"), c.RegistryDir)
	assert.Equal(t, 7, c.GCLimit)
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()
	for _, contents := range []string{
		`encryption = false`,
		`compression = "rar"`,
		`gc_limit = 0`,
		`not toml at all = = =`,
	} {
		path := filepath.Join(dir, FileName)
		writeConfig(t, path, contents)
		_, err := Load(path)
		assert.Error(t, err, contents)
		assert.Equal(t, u.KindConfig, u.KindOf(err), contents)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)
	c := Default()
	c.RegistryDir = "/tmp/registry"
	c.Compression = "lzma"
	c.GCLimit = 9
	c.EnforcePasswordPolicy = true
	c.Exclude = []string{"build/", "*.o"}
	require.NoError(t, c.Save(path))
	assert.Equal(t, path, c.Path)

	c2, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, c.RegistryDir, c2.RegistryDir)
	assert.Equal(t, "lzma", c2.Compression)
	assert.Equal(t, 9, c2.GCLimit)
	assert.True(t, c2.EnforcePasswordPolicy)
	assert.Equal(t, c.Exclude, c2.Exclude)

	bad := Default()
	bad.GCLimit = 0
	assert.Error(t, bad.Save(path))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Equal(t, u.KindConfig, u.KindOf(err))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), expandHome("~/x"))
	assert.Equal(t, "/abs", expandHome("/abs"))
}
