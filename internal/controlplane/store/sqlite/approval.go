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

const approvalColumns = `id, workspace_id, session_id, execution_id, kind, prompt,
	status, requested_at, expires_at, responded_at, responded_by`

// RequestApproval creates a pending approval and atomically flips the owning
// session to needs_attention.
func (r *Repository) RequestApproval(ctx context.Context, params store.ApprovalParams) (*models.Approval, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	a := &models.Approval{
		ID:          uuid.New().String(),
		WorkspaceID: params.WorkspaceID,
		SessionID:   params.SessionID,
		ExecutionID: params.ExecutionID,
		Kind:        params.Kind,
		Prompt:      params.Prompt,
		Status:      models.ApprovalStatusPending,
		RequestedAt: now,
		ExpiresAt:   params.ExpiresAt,
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO approvals (
			id, workspace_id, session_id, execution_id, kind, prompt,
			status, requested_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
	`), a.ID, a.WorkspaceID, a.SessionID, a.ExecutionID, a.Kind, a.Prompt,
		a.RequestedAt, a.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if err := setSessionStatusTx(ctx, tx, a.SessionID, a.WorkspaceID, models.SessionStatusNeedsAttention); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

// GetApproval retrieves an approval by id.
func (r *Repository) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	a := &models.Approval{}
	err := r.ro.GetContext(ctx, a, r.ro.Rebind(
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RespondApproval resolves a pending approval. A response to an already
// resolved approval is ErrNotPending. When the session has no pending
// approvals left, its status is reprojected from the latest execution.
func (r *Repository) RespondApproval(ctx context.Context, id string, status models.ApprovalStatus, respondedBy string) error {
	if status != models.ApprovalStatusApproved && status != models.ApprovalStatusRejected &&
		status != models.ApprovalStatusCancelled {
		return errors.New("approval response must be approved, rejected, or cancelled")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current models.ApprovalStatus
	var sessionID, workspaceID string
	err = tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT status, session_id, workspace_id FROM approvals WHERE id = ?`), id).
		Scan(&current, &sessionID, &workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != models.ApprovalStatusPending {
		return store.ErrNotPending
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE approvals SET status = ?, responded_at = ?, responded_by = ? WHERE id = ?
	`), string(status), now, respondedBy, id)
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

// ListPendingApprovals returns the pending approvals for one execution,
// oldest first.
func (r *Repository) ListPendingApprovals(ctx context.Context, executionID string) ([]*models.Approval, error) {
	var result []*models.Approval
	err := r.ro.SelectContext(ctx, &result, r.ro.Rebind(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE execution_id = ? AND status = 'pending'
		ORDER BY requested_at ASC
	`), executionID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExpireApprovals marks every pending approval whose deadline has passed as
// expired and reprojects the affected sessions. Returns the approvals it
// expired so the reaper can emit change events.
func (r *Repository) ExpireApprovals(ctx context.Context, now time.Time) ([]*models.Approval, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, tx.Rebind(`
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
	`), now)
	if err != nil {
		return nil, err
	}
	var expired []*models.Approval
	for rows.Next() {
		a := &models.Approval{}
		err := rows.Scan(
			&a.ID, &a.WorkspaceID, &a.SessionID, &a.ExecutionID, &a.Kind, &a.Prompt,
			&a.Status, &a.RequestedAt, &a.ExpiresAt, &a.RespondedAt, &a.RespondedBy,
		)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		expired = append(expired, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(expired) == 0 {
		return nil, tx.Commit()
	}

	sessions := make(map[string]string, len(expired))
	for _, a := range expired {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE approvals SET status = 'expired', responded_at = ? WHERE id = ?
		`), now, a.ID); err != nil {
			return nil, err
		}
		a.Status = models.ApprovalStatusExpired
		sessions[a.SessionID] = a.WorkspaceID
	}

	for sessionID, workspaceID := range sessions {
		projected, err := projectSessionStatusTx(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := setSessionStatusTx(ctx, tx, sessionID, workspaceID, projected); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}
