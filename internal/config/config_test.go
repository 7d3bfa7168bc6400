package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-prsync/prsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Processes)
	assert.Nil(t, cfg.Defaults.Files)
	assert.Nil(t, cfg.Defaults.RsyncPath)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "prsync")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
processes = 8
files = 2000
size = "1G"
keep-going = true
rsync-path = "/usr/bin/rsync"
bwlimit = "50M"
rsync-options = "--checksum"
log-file = "/var/log/prsync.log"
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load("")
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Processes)
	assert.Equal(t, 8, *cfg.Defaults.Processes)

	require.NotNil(t, cfg.Defaults.Files)
	assert.Equal(t, int64(2000), *cfg.Defaults.Files)

	require.NotNil(t, cfg.Defaults.Size)
	assert.Equal(t, "1G", *cfg.Defaults.Size)

	require.NotNil(t, cfg.Defaults.KeepGoing)
	assert.True(t, *cfg.Defaults.KeepGoing)

	require.NotNil(t, cfg.Defaults.RsyncPath)
	assert.Equal(t, "/usr/bin/rsync", *cfg.Defaults.RsyncPath)

	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "50M", *cfg.Defaults.BWLimit)

}

func TestLoad_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "prsync")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
processes = 4
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load("")
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Processes)
	assert.Equal(t, 4, *cfg.Defaults.Processes)
	assert.Nil(t, cfg.Defaults.Files)
	assert.Nil(t, cfg.Defaults.RsyncPath)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "prsync")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load("")
	assert.Error(t, err)
}

func TestLoad_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[defaults]\nprocesses = 2\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.Processes)
	assert.Equal(t, 2, *cfg.Defaults.Processes)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/prsync/config.toml", config.ConfigPath())
}
