// Package gitrepo provides read-only git queries over local worktrees.
// Mutations go through the git CLI in the worktree and orchestrator
// packages; reads use go-git so no subprocess is needed on hot paths.
package gitrepo

import (
	"fmt"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// HeadCommit resolves the worktree's HEAD commit hash.
func HeadCommit(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("failed to open repo at %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// IsClean reports whether the worktree has no staged or unstaged changes.
func IsClean(path string) (bool, error) {
	status, err := worktreeStatus(path)
	if err != nil {
		return false, err
	}
	return status.IsClean(), nil
}

// StatusSummary renders a compact porcelain-style status: one
// "<staging><worktree> <path>" line per changed file, sorted by path.
func StatusSummary(path string) (string, error) {
	status, err := worktreeStatus(path)
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(status))
	for file, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		paths = append(paths, fmt.Sprintf("%c%c %s", fs.Staging, fs.Worktree, file))
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n"), nil
}

func worktreeStatus(path string) (git.Status, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repo at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	return status, nil
}
