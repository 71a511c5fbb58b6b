// Package snapshot captures per-repo HEAD commits around an execution.
// These snapshots are the source of truth for session reset.
package snapshot

import (
	"context"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/runner/client"
	"github.com/vkrun/vkrun/internal/runner/gitrepo"
)

// PathResolver maps a (workspace, repo) pair to its local worktree path.
type PathResolver interface {
	WorktreePath(workspaceID, repoName string) string
}

// Service captures and uploads repo snapshots.
type Service struct {
	api   client.API
	paths PathResolver
	log   *logger.Logger
}

// NewService wires the snapshot service.
func NewService(api client.API, paths PathResolver, log *logger.Logger) *Service {
	return &Service{
		api:   api,
		paths: paths,
		log:   log.WithFields(zap.String("component", "snapshot")),
	}
}

// CaptureBefore records each repo's HEAD before any mutation of the
// execution runs. Idempotent: re-capture patches the same rows.
func (s *Service) CaptureBefore(ctx context.Context, exec *models.ExecutionProcess, repos []*models.WorkspaceRepo) error {
	return s.capture(ctx, exec, repos, true)
}

// CaptureAfter records each repo's HEAD and a status summary after the
// execution's terminal exit.
func (s *Service) CaptureAfter(ctx context.Context, exec *models.ExecutionProcess, repos []*models.WorkspaceRepo) error {
	return s.capture(ctx, exec, repos, false)
}

func (s *Service) capture(ctx context.Context, exec *models.ExecutionProcess, repos []*models.WorkspaceRepo, before bool) error {
	for _, repo := range repos {
		path := s.paths.WorktreePath(exec.WorkspaceID, repo.RepoName)
		head, err := gitrepo.HeadCommit(path)
		if err != nil {
			s.log.Warn("failed to read HEAD for snapshot",
				zap.String("execution_id", exec.ID),
				zap.String("repo", repo.RepoName),
				zap.Error(err))
			continue
		}
		patch := store.RepoStatePatch{}
		if before {
			patch.BeforeHeadCommit = &head
		} else {
			patch.AfterHeadCommit = &head
			if summary, err := gitrepo.StatusSummary(path); err == nil {
				patch.RepoState = &summary
			}
		}
		if err := s.api.UpsertExecutionRepoState(ctx, exec.ID, repo.ID, patch); err != nil {
			return err
		}
	}
	return nil
}
