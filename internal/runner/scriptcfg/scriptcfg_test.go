package scriptcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
	return dir
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorIs(t, err, ErrNoConfig)
}

func TestLoadParsesScripts(t *testing.T) {
	dir := writeConfig(t, `
setupScripts:
  - name: deps
    command: npm install
  - name: db
    command: docker compose up -d postgres
    parallel: true
cleanupScript: docker compose down
devScript: npm run dev
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.SetupScripts, 2)
	require.Equal(t, "deps", cfg.SetupScripts[0].Name)
	require.False(t, cfg.SetupScripts[0].Parallel)
	require.True(t, cfg.SetupScripts[1].Parallel)

	require.Equal(t, "docker compose down", cfg.ScriptFor("cleanup"))
	require.Equal(t, "npm run dev", cfg.ScriptFor("dev"))
	require.Empty(t, cfg.ScriptFor("archive"))
}

func TestLoadRejectsEmptySetupCommand(t *testing.T) {
	dir := writeConfig(t, `
setupScripts:
  - name: broken
`)
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := writeConfig(t, "setupScripts: [")
	_, err := Load(dir)
	require.Error(t, err)
}
