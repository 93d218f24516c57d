package main

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/defaults"
)

// clearUmask makes file permission assertions deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "parley")
	var buf bytes.Buffer

	require.NoError(t, runInit(&buf, dir))

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), cfgInfo.Mode().Perm())

	personaInfo, err := os.Stat(filepath.Join(dir, "persona.md"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), personaInfo.Mode().Perm())

	assert.Contains(t, buf.String(), "wrote "+filepath.Join(dir, "config.yaml"))

	// The written config loads and finds the persona beside it.
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	persona, err := os.ReadFile(cfg.PersonaFile)
	require.NoError(t, err)
	assert.Equal(t, defaults.PersonaMD, persona)
}

func TestRunInit_KeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("log_level: debug\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o600))

	var buf bytes.Buffer
	require.NoError(t, runInit(&buf, dir))

	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, custom, got)
	assert.Contains(t, buf.String(), "kept  "+filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "persona.md"))
}

func TestRun_Init(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "", "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Initializing Parley in "+dir)
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
}
