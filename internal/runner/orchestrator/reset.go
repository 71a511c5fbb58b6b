package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/runner/gitrepo"
	"github.com/vkrun/vkrun/internal/runner/lease"
)

// ErrDirtyWorktree means a reset would discard uncommitted changes and the
// caller did not pass force.
var ErrDirtyWorktree = errors.New("worktree has uncommitted changes")

// ResetSession rewinds every repo of the session's workspace to the state
// captured before the target execution ran, and drops the target plus every
// execution started after it. The reset itself is recorded as a system
// execution so the session history shows when and why history was cut.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID, targetExecutionID string, force bool) error {
	target, err := o.api.GetExecution(ctx, targetExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load target execution: %w", err)
	}
	if target.SessionID != sessionID {
		return fmt.Errorf("execution %s does not belong to session %s", targetExecutionID, sessionID)
	}
	ws, err := o.api.GetWorkspace(ctx, target.WorkspaceID)
	if err != nil {
		return err
	}
	repos, err := o.api.ListWorkspaceRepos(ctx, target.WorkspaceID, true)
	if err != nil {
		return err
	}
	states, err := o.api.GetExecutionRepoStates(ctx, target.ID)
	if err != nil {
		return err
	}
	execs, err := o.api.ListExecutionsBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	commits := make(map[string]string)
	for _, state := range states {
		if state.BeforeHeadCommit != nil {
			commits[state.WorkspaceRepoID] = *state.BeforeHeadCommit
		}
	}
	// A repo without a pre-run snapshot on the target falls back to the most
	// recent earlier execution that captured its post-run head.
	if len(commits) < len(repos) {
		prior := make([]*models.ExecutionProcess, 0, len(execs))
		for _, e := range execs {
			if e.StartedAt.Before(target.StartedAt) {
				prior = append(prior, e)
			}
		}
		sort.Slice(prior, func(i, j int) bool {
			return prior[i].StartedAt.After(prior[j].StartedAt)
		})
		for _, e := range prior {
			if len(commits) == len(repos) {
				break
			}
			priorStates, err := o.api.GetExecutionRepoStates(ctx, e.ID)
			if err != nil {
				continue
			}
			for _, state := range priorStates {
				if _, ok := commits[state.WorkspaceRepoID]; ok {
					continue
				}
				if state.AfterHeadCommit != nil {
					commits[state.WorkspaceRepoID] = *state.AfterHeadCommit
				}
			}
		}
	}

	if !force {
		for _, repo := range repos {
			if _, ok := commits[repo.ID]; !ok {
				continue
			}
			path := o.worktrees.WorktreePath(ws.ID, repo.RepoName)
			clean, err := gitrepo.IsClean(path)
			if err != nil {
				return fmt.Errorf("repo %s: %w", repo.RepoName, err)
			}
			if !clean {
				return fmt.Errorf("repo %s: %w", repo.RepoName, ErrDirtyWorktree)
			}
		}
	}

	for _, repo := range repos {
		commit, ok := commits[repo.ID]
		if !ok {
			// No snapshot recorded for this repo; nothing to rewind.
			continue
		}
		path := o.worktrees.WorktreePath(ws.ID, repo.RepoName)
		cmd := exec.CommandContext(ctx, "git", "-C", path, "reset", "--hard", commit)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("repo %s: git reset --hard %s: %s", repo.RepoName, commit, string(out))
		}
		o.log.Info("repo rewound",
			zap.String("session_id", sessionID),
			zap.String("repo", repo.RepoName),
			zap.String("commit", commit))
	}

	// Drop the target and everything after it, already-terminal executions
	// included: the reset supersedes their history. Live processes are
	// cancelled first.
	for _, e := range execs {
		if e.StartedAt.Before(target.StartedAt) {
			continue
		}
		if !e.Status.IsTerminal() {
			o.HandleCancel(ctx, e.ID)
		}
		if err := o.api.DropExecution(ctx, e.ID, "session reset"); err != nil {
			o.log.Warn("failed to drop execution during reset",
				zap.String("execution_id", e.ID), zap.Error(err))
		}
	}
	o.discardQueue(ctx, sessionID)

	marker, err := o.api.StartExecution(ctx, ws.ID, sessionID, models.RunReasonSystem,
		"", fmt.Sprintf("reset to before execution %s", target.ID))
	if err != nil {
		return err
	}
	o.setStatus(ctx, marker, models.ExecutionStatusCompleted, "")
	return nil
}

// RecoverStartup reconciles executions this device still leases after a
// restart: dead pids are finalized killed by the lease manager, live ones get
// their heartbeat resumed here and are finalized once the pid exits.
func (o *Orchestrator) RecoverStartup(ctx context.Context) error {
	resumed, err := o.leases.RecoverStartup(ctx, pidAlive)
	if err != nil {
		return err
	}
	for _, exec := range resumed {
		pid := 0
		if l, err := o.api.GetLease(ctx, exec.ID); err == nil {
			pid = l.Pid
		}
		held := o.leases.Resume(exec.ID)
		o.log.Info("resumed supervision of surviving execution",
			zap.String("execution_id", exec.ID), zap.Int("pid", pid))
		go o.watchRecovered(exec, pid, held)
	}
	return nil
}

// watchRecovered polls a re-adopted pid. The process is not our child, so its
// exit code is unobservable; the execution is finalized failed with an
// explicit message rather than guessing success.
func (o *Orchestrator) watchRecovered(exec *models.ExecutionProcess, pid int, held *lease.Held) {
	ctx := context.Background()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if pidAlive(pid) {
			continue
		}
		o.setStatus(ctx, exec, models.ExecutionStatusFailed,
			"exit status unknown after runner restart")
		o.discardQueue(ctx, exec.SessionID)
		held.Release(ctx)
		return
	}
}
