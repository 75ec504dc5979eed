package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func setupRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func TestRepoRoot(t *testing.T) {
	dir := setupRepo(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0755))

	root, err := RepoRoot(context.Background(), sub)
	require.NoError(t, err)

	// TempDir may be behind a symlink; compare resolved paths.
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRepoRoot_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := RepoRoot(context.Background(), t.TempDir())
	require.Error(t, err)
}

func TestGenerateBranchName(t *testing.T) {
	name := GenerateBranchName("ENG-123")
	assert.Regexp(t, regexp.MustCompile(`^agent/eng-123-[0-9]{8}-[0-9]{6}$`), name)

	name = GenerateBranchName("team/Ops #7")
	assert.Regexp(t, regexp.MustCompile(`^agent/team-ops-7-`), name)
}

func TestCreateBranch(t *testing.T) {
	dir := setupRepo(t)
	c := NewClient(dir)

	require.NoError(t, c.CreateBranch(context.Background(), "agent/eng-1-test"))

	out, err := exec.Command("git", "-C", dir, "branch", "--show-current").Output()
	require.NoError(t, err)
	assert.Contains(t, string(out), "agent/eng-1-test")
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := setupRepo(t)
	c := NewClient(dir)
	wt := filepath.Join(t.TempDir(), "wt")

	require.NoError(t, c.CreateWorktree(context.Background(), wt, "agent/eng-2-test"))
	_, err := os.Stat(filepath.Join(wt, "README.md"))
	require.NoError(t, err)

	require.NoError(t, c.RemoveWorktree(context.Background(), wt))
	_, err = os.Stat(wt)
	assert.True(t, os.IsNotExist(err))
}

func TestDiff_AgainstMain(t *testing.T) {
	dir := setupRepo(t)
	c := NewClient(dir)

	gitCmd(t, dir, "checkout", "-b", "agent/eng-3-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package feature\n"), 0644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "add feature")

	diff, err := c.Diff(context.Background(), dir)
	require.NoError(t, err)
	assert.Contains(t, diff, "feature.go")
	assert.Contains(t, diff, "package feature")
}

func TestHasUncommittedChanges(t *testing.T) {
	dir := setupRepo(t)
	c := NewClient(dir)

	dirty, err := c.HasUncommittedChanges(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0644))
	dirty, err = c.HasUncommittedChanges(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, dirty)
}
