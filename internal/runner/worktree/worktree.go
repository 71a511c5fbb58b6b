// Package worktree manages the device-local managed root of git worktrees:
// one directory per (workspace, repo) pair, created and removed through the
// git CLI, with every mutation guarded by a canonical path check.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
)

// ErrUnsafePath means a mutation target resolved outside the managed root.
// Always fatal; the operation must not proceed.
var ErrUnsafePath = errors.New("path escapes managed root")

// managedDirName is appended to an operator-supplied root override so the
// override directory itself is never treated as disposable.
const managedDirName = "vkrun-worktrees"

// GitError is a failed git invocation, classified for retry decisions.
type GitError struct {
	Op        string
	Output    string
	Transient bool
	Err       error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, strings.TrimSpace(e.Output))
}

func (e *GitError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable git or filesystem failure
// (lock contention, racing worktree metadata) rather than a structural one
// (branch conflict, corrupt repo, unsafe path).
func IsTransient(err error) bool {
	var gitErr *GitError
	return errors.As(err, &gitErr) && gitErr.Transient
}

// Manager owns the managed root and serializes mutations per
// (workspace, repo) pair. Locks are never held across control-plane calls.
type Manager struct {
	root string
	log  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ManagedRoot resolves the managed root directory. An operator override maps
// to <override>/vkrun-worktrees; the default lives under the user home.
func ManagedRoot(override string) (string, error) {
	if override != "" {
		return filepath.Join(override, managedDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve user home for managed root: %w", err)
	}
	return filepath.Join(home, ".vkrun", "worktrees"), nil
}

// NewManager creates the manager and its managed root directory.
func NewManager(root string, log *logger.Logger) (*Manager, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("managed root must be absolute, got %q", root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create managed root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize managed root: %w", err)
	}
	return &Manager{
		root:  canonical,
		log:   log.WithFields(zap.String("component", "worktree-manager")),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the canonical managed root.
func (m *Manager) Root() string { return m.root }

// WorktreePath returns the layout path for a (workspace, repo) pair without
// touching the filesystem.
func (m *Manager) WorktreePath(workspaceID, repoName string) string {
	return filepath.Join(m.root, workspaceID, repoName)
}

// LogPath returns the per-execution jsonl log file path.
func (m *Manager) LogPath(executionID string) string {
	return filepath.Join(m.root, ".logs", executionID+".jsonl")
}

func (m *Manager) pairLock(workspaceID, repoID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workspaceID + "/" + repoID
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// guard canonicalizes target against the nearest existing ancestor and
// requires the managed root as prefix. Called before every mutation.
func (m *Manager) guard(target string) error {
	if !filepath.IsAbs(target) {
		return fmt.Errorf("%w: %q is not absolute", ErrUnsafePath, target)
	}
	resolved, err := resolveNearestExisting(target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if resolved != m.root && !strings.HasPrefix(resolved, m.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q resolves to %q", ErrUnsafePath, target, resolved)
	}
	return nil
}

// resolveNearestExisting walks up to the nearest existing ancestor, resolves
// its symlinks, and rejoins the non-existing suffix.
func resolveNearestExisting(target string) (string, error) {
	target = filepath.Clean(target)
	var suffix []string
	current := target
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %q", target)
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}
}

// EnsureWorktree makes the (workspace, repo) worktree exist on the workspace
// branch and returns its path. Idempotent: an existing worktree on the
// expected branch returns immediately; stale directories and dangling git
// worktree metadata are pruned and the worktree recreated.
func (m *Manager) EnsureWorktree(ctx context.Context, ws *models.Workspace, repo *models.WorkspaceRepo) (string, error) {
	lock := m.pairLock(ws.ID, repo.ID)
	lock.Lock()
	defer lock.Unlock()

	path := m.WorktreePath(ws.ID, repo.RepoName)
	if err := m.guard(path); err != nil {
		return "", err
	}

	branch := ws.BaseBranch
	if repo.TargetBranch != "" {
		branch = repo.TargetBranch
	}

	if current, err := currentBranch(ctx, path); err == nil {
		if current == branch {
			return path, nil
		}
		// Wrong branch: the directory is stale state from a previous
		// workspace layout. Recreate.
		m.log.Warn("worktree on unexpected branch, recreating",
			zap.String("path", path), zap.String("want", branch), zap.String("got", current))
	}

	if err := m.removeLocked(ctx, repo.SourcePath, path); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &GitError{Op: "worktree add", Transient: true, Err: err}
	}

	// New branch first; fall back to checking out an existing one.
	if _, err := runGit(ctx, repo.SourcePath, "worktree", "add", path, "-b", branch); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return "", err
		}
		if _, err := runGit(ctx, repo.SourcePath, "worktree", "add", path, branch); err != nil {
			return "", err
		}
	}
	m.log.Info("worktree created",
		zap.String("workspace_id", ws.ID),
		zap.String("repo", repo.RepoName),
		zap.String("branch", branch))
	return path, nil
}

// RemoveWorktree removes one (workspace, repo) worktree and prunes the
// source repo's worktree metadata.
func (m *Manager) RemoveWorktree(ctx context.Context, ws *models.Workspace, repo *models.WorkspaceRepo) error {
	lock := m.pairLock(ws.ID, repo.ID)
	lock.Lock()
	defer lock.Unlock()

	path := m.WorktreePath(ws.ID, repo.RepoName)
	if err := m.guard(path); err != nil {
		return err
	}
	return m.removeLocked(ctx, repo.SourcePath, path)
}

func (m *Manager) removeLocked(ctx context.Context, sourcePath, path string) error {
	if _, err := os.Stat(path); err == nil {
		if _, err := runGit(ctx, sourcePath, "worktree", "remove", "--force", path); err != nil {
			// Not a registered worktree, or metadata already gone: take the
			// directory out directly.
			if err := os.RemoveAll(path); err != nil {
				return &GitError{Op: "worktree remove", Transient: true, Err: err}
			}
		}
	}
	if sourcePath != "" {
		_, _ = runGit(ctx, sourcePath, "worktree", "prune")
	}
	return nil
}

// RemoveWorkspace removes every repo worktree of the workspace and then the
// workspace directory itself.
func (m *Manager) RemoveWorkspace(ctx context.Context, ws *models.Workspace, repos []*models.WorkspaceRepo) error {
	for _, repo := range repos {
		if err := m.RemoveWorktree(ctx, ws, repo); err != nil {
			return err
		}
	}
	dir := filepath.Join(m.root, ws.ID)
	if err := m.guard(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace dir: %w", err)
	}
	m.log.Info("workspace directory removed", zap.String("workspace_id", ws.ID))
	return nil
}

func currentBranch(ctx context.Context, worktreePath string) (string, error) {
	out, err := runGit(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// transientMarkers identify git failures that clear on retry.
var transientMarkers = []string{
	"index.lock",
	"shallow.lock",
	"could not lock",
	"unable to create",
	"resource temporarily unavailable",
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		output := string(out)
		lowered := strings.ToLower(output)
		transient := false
		for _, marker := range transientMarkers {
			if strings.Contains(lowered, marker) {
				transient = true
				break
			}
		}
		return output, &GitError{
			Op:        strings.Join(args, " "),
			Output:    output,
			Transient: transient,
			Err:       err,
		}
	}
	return string(out), nil
}
