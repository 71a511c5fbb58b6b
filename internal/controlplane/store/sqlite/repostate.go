package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
)

// UpsertExecutionRepoState patches the snapshot row keyed on
// (execution, workspace repo), creating it on first write. Nil patch fields
// keep whatever the row already holds.
func (r *Repository) UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch store.RepoStatePatch) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var rowID string
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT id FROM execution_repo_states
		WHERE execution_id = ? AND workspace_repo_id = ?
	`), executionID, workspaceRepoID).Scan(&rowID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO execution_repo_states (
				id, execution_id, workspace_repo_id,
				before_head_commit, after_head_commit, repo_state,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), uuid.New().String(), executionID, workspaceRepoID,
			patch.BeforeHeadCommit, patch.AfterHeadCommit, patch.RepoState, now, now)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		sets := "updated_at = ?"
		args := []any{now}
		if patch.BeforeHeadCommit != nil {
			sets += ", before_head_commit = ?"
			args = append(args, *patch.BeforeHeadCommit)
		}
		if patch.AfterHeadCommit != nil {
			sets += ", after_head_commit = ?"
			args = append(args, *patch.AfterHeadCommit)
		}
		if patch.RepoState != nil {
			sets += ", repo_state = ?"
			args = append(args, *patch.RepoState)
		}
		args = append(args, rowID)
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE execution_repo_states SET `+sets+` WHERE id = ?`), args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetExecutionRepoStates returns an execution's snapshot rows.
func (r *Repository) GetExecutionRepoStates(ctx context.Context, executionID string) ([]*models.ExecutionProcessRepoState, error) {
	var result []*models.ExecutionProcessRepoState
	err := r.ro.SelectContext(ctx, &result, r.ro.Rebind(`
		SELECT id, execution_id, workspace_repo_id, before_head_commit,
		       after_head_commit, repo_state, created_at, updated_at
		FROM execution_repo_states
		WHERE execution_id = ?
		ORDER BY created_at ASC
	`), executionID)
	if err != nil {
		return nil, err
	}
	return result, nil
}
