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

// CreateSession adds a session to an existing workspace.
func (r *Repository) CreateSession(ctx context.Context, workspaceID, title string) (*models.Session, error) {
	if _, err := r.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &models.Session{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Title:       title,
		Status:      models.SessionStatusIdle,
		LastUsedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, workspace_id, title, status, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.WorkspaceID, s.Title, string(s.Status), s.LastUsedAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession retrieves a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s := &models.Session{}
	err := r.ro.GetContext(ctx, s, r.ro.Rebind(`
		SELECT id, workspace_id, title, status, last_used_at, created_at, updated_at
		FROM sessions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns a workspace's sessions, most recently used first.
func (r *Repository) ListSessions(ctx context.Context, workspaceID string) ([]*models.Session, error) {
	var result []*models.Session
	err := r.ro.SelectContext(ctx, &result, r.ro.Rebind(`
		SELECT id, workspace_id, title, status, last_used_at, created_at, updated_at
		FROM sessions WHERE workspace_id = ?
		ORDER BY last_used_at DESC
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TouchSession bumps a session's last_used_at.
func (r *Repository) TouchSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET last_used_at = ?, updated_at = ? WHERE id = ?
	`), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// setSessionStatusTx writes a session's projected status inside a transaction
// and mirrors it onto the workspace when the session is the active one.
func setSessionStatusTx(ctx context.Context, tx execer, sessionID, workspaceID string, status models.SessionStatus) error {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), now, sessionID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE workspaces SET status = ?, updated_at = ?
		WHERE id = ? AND active_session_id = ?
	`), string(status), now, workspaceID, sessionID)
	return err
}
