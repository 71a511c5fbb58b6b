package gitrepo

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestHeadCommit(t *testing.T) {
	dir := initRepo(t)
	head, err := HeadCommit(dir)
	require.NoError(t, err)
	require.Len(t, head, 40)

	_, err = HeadCommit(t.TempDir())
	require.Error(t, err)
}

func TestIsCleanAndStatusSummary(t *testing.T) {
	dir := initRepo(t)

	clean, err := IsClean(dir)
	require.NoError(t, err)
	require.True(t, clean)
	summary, err := StatusSummary(dir)
	require.NoError(t, err)
	require.Empty(t, summary)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new\n"), 0o644))

	clean, err = IsClean(dir)
	require.NoError(t, err)
	require.False(t, clean)

	summary, err = StatusSummary(dir)
	require.NoError(t, err)
	require.Contains(t, summary, "a.txt")
	require.Contains(t, summary, "b.txt")
}
