// Package git shells out to the git CLI for the repository operations
// the pipeline needs: branch and worktree setup, and diff extraction
// for code review.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Client runs git commands rooted at one repository.
type Client struct {
	repoRoot string
}

func NewClient(repoRoot string) *Client {
	return &Client{repoRoot: repoRoot}
}

func (c *Client) Root() string {
	return c.repoRoot
}

// RepoRoot resolves the enclosing repository's top level for dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git repository: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

var branchUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// GenerateBranchName builds the work branch name for an issue:
// agent/<safe-identifier>-<timestamp>.
func GenerateBranchName(issueIdentifier string) string {
	safe := strings.ToLower(issueIdentifier)
	safe = branchUnsafe.ReplaceAllString(safe, "-")
	safe = strings.Trim(safe, "-")
	return fmt.Sprintf("agent/%s-%s", safe, time.Now().Format("20060102-150405"))
}

// CreateBranch creates and checks out branch in the repository itself.
func (c *Client) CreateBranch(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, c.repoRoot, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// CreateWorktree adds a detached worktree at path on a new branch,
// leaving the main checkout untouched.
func (c *Client) CreateWorktree(ctx context.Context, path, branch string) error {
	if _, err := c.run(ctx, c.repoRoot, "worktree", "add", "-b", branch, path); err != nil {
		return fmt.Errorf("create worktree at %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree tears the worktree down, discarding its state. The
// branch and its commits survive.
func (c *Client) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := c.run(ctx, c.repoRoot, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree at %s: %w", path, err)
	}
	return nil
}

// Diff returns the changes in workDir relative to the merge base with
// the default branch. main is tried first, then master, then the
// previous commit when neither exists.
func (c *Client) Diff(ctx context.Context, workDir string) (string, error) {
	base := c.mergeBase(ctx, workDir)

	out, err := c.run(ctx, workDir, "diff", base)
	if err != nil {
		return "", fmt.Errorf("diff against %s: %w", base, err)
	}
	return out, nil
}

func (c *Client) mergeBase(ctx context.Context, workDir string) string {
	for _, ref := range []string{"main", "master"} {
		if out, err := c.run(ctx, workDir, "merge-base", ref, "HEAD"); err == nil {
			return strings.TrimSpace(out)
		}
	}
	return "HEAD~1"
}

// HasUncommittedChanges reports whether workDir has any staged,
// unstaged, or untracked changes.
func (c *Client) HasUncommittedChanges(ctx context.Context, workDir string) (bool, error) {
	out, err := c.run(ctx, workDir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}
