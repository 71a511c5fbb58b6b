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

const executionColumns = `id, workspace_id, session_id, run_reason, status, executor,
	prompt, queued_follow_up_consumed, error_message, started_at, completed_at,
	created_at, updated_at`

// StartExecution creates an execution in running state and atomically
// projects the session (and active workspace) to running.
func (r *Repository) StartExecution(ctx context.Context, workspaceID, sessionID string, reason models.RunReason, executor, prompt string) (*models.ExecutionProcess, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sessionWorkspace string
	err = tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT workspace_id FROM sessions WHERE id = ?`), sessionID).Scan(&sessionWorkspace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sessionWorkspace != workspaceID {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	exec := &models.ExecutionProcess{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		RunReason:   reason,
		Status:      models.ExecutionStatusRunning,
		Executor:    executor,
		Prompt:      prompt,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO executions (
			id, workspace_id, session_id, run_reason, status, executor, prompt,
			queued_follow_up_consumed, started_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`), exec.ID, exec.WorkspaceID, exec.SessionID, string(exec.RunReason),
		string(exec.Status), exec.Executor, exec.Prompt, exec.StartedAt,
		exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE sessions SET last_used_at = ? WHERE id = ?`), now, sessionID); err != nil {
		return nil, err
	}
	if err := setSessionStatusTx(ctx, tx, sessionID, workspaceID, models.SessionStatusRunning); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecution retrieves an execution by id.
func (r *Repository) GetExecution(ctx context.Context, id string) (*models.ExecutionProcess, error) {
	return scanExecution(r.ro.QueryRowContext(ctx, r.ro.Rebind(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id))
}

// ListExecutionsBySession returns a session's executions, newest first.
func (r *Repository) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*models.ExecutionProcess, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		`SELECT `+executionColumns+` FROM executions
		 WHERE session_id = ? ORDER BY started_at DESC`), sessionID)
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

// ListExecutionsByStatus filters a session's executions by status.
func (r *Repository) ListExecutionsByStatus(ctx context.Context, sessionID string, status models.ExecutionStatus) ([]*models.ExecutionProcess, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(
		`SELECT `+executionColumns+` FROM executions
		 WHERE session_id = ? AND status = ? ORDER BY started_at DESC`), sessionID, string(status))
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

// SetExecutionStatus transitions an execution and reprojects the owning
// session's status from its most recent execution. Identical transitions are
// idempotent no-ops; a second, different terminal transition is ErrTerminal.
func (r *Repository) SetExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMessage string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current models.ExecutionStatus
	var sessionID, workspaceID string
	err = tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT status, session_id, workspace_id FROM executions WHERE id = ?`), id).
		Scan(&current, &sessionID, &workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == status {
		return tx.Commit()
	}
	if current.IsTerminal() {
		return store.ErrTerminal
	}

	now := time.Now().UTC()
	if status.IsTerminal() {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE executions SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			WHERE id = ?
		`), string(status), errorMessage, now, now, id)
	} else {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE executions SET status = ?, error_message = ?, updated_at = ?
			WHERE id = ?
		`), string(status), errorMessage, now, id)
	}
	if err != nil {
		return err
	}

	projected, err := projectSessionStatusTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := setSessionStatusTx(ctx, tx, sessionID, workspaceID, projected); err != nil {
		return err
	}
	return tx.Commit()
}

// DropExecution force-transitions an execution to dropped, terminal or not.
// Session reset supersedes history, so the terminal-once rule that guards
// SetExecutionStatus does not apply here. Already-dropped executions are
// idempotent no-ops.
func (r *Repository) DropExecution(ctx context.Context, id, errorMessage string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current models.ExecutionStatus
	var sessionID, workspaceID string
	err = tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT status, session_id, workspace_id FROM executions WHERE id = ?`), id).
		Scan(&current, &sessionID, &workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == models.ExecutionStatusDropped {
		return tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE executions
		SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?), updated_at = ?
		WHERE id = ?
	`), string(models.ExecutionStatusDropped), errorMessage, now, now, id)
	if err != nil {
		return err
	}

	projected, err := projectSessionStatusTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := setSessionStatusTx(ctx, tx, sessionID, workspaceID, projected); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFollowUpConsumed records that this execution consumed the session's
// queued follow-up slot.
func (r *Repository) MarkFollowUpConsumed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE executions SET queued_follow_up_consumed = 1, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// projectSessionStatusTx derives a session's status from its most recent
// execution by started_at, with a pending-approval override to
// needs_attention. Sessions with no executions are idle.
func projectSessionStatusTx(ctx context.Context, tx execer, sessionID string) (models.SessionStatus, error) {
	var latest models.ExecutionStatus
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT status FROM executions WHERE session_id = ?
		ORDER BY started_at DESC, created_at DESC LIMIT 1
	`), sessionID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SessionStatusIdle, nil
	}
	if err != nil {
		return "", err
	}

	var pending int
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(1) FROM approvals WHERE session_id = ? AND status = 'pending'
	`), sessionID).Scan(&pending)
	if err != nil {
		return "", err
	}
	if pending > 0 {
		return models.SessionStatusNeedsAttention, nil
	}
	return models.SessionStatusFor(latest), nil
}

func scanExecution(row *sql.Row) (*models.ExecutionProcess, error) {
	e := &models.ExecutionProcess{}
	var consumed int
	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.SessionID, &e.RunReason, &e.Status, &e.Executor,
		&e.Prompt, &consumed, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.QueuedFollowUpConsumed = consumed != 0
	return e, nil
}

func scanExecutions(rows *sql.Rows) ([]*models.ExecutionProcess, error) {
	defer func() { _ = rows.Close() }()
	var result []*models.ExecutionProcess
	for rows.Next() {
		e := &models.ExecutionProcess{}
		var consumed int
		err := rows.Scan(
			&e.ID, &e.WorkspaceID, &e.SessionID, &e.RunReason, &e.Status, &e.Executor,
			&e.Prompt, &consumed, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt,
			&e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		e.QueuedFollowUpConsumed = consumed != 0
		result = append(result, e)
	}
	return result, rows.Err()
}
