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

const queuedMessageColumns = `id, session_id, message, executor, variant,
	enqueueing_execution_id, state, queued_at, resolved_at`

// EnqueueFollowUp fills the session's single follow-up slot. When a queued
// row already exists the new message overwrites it in place, keeping the row
// id stable for watchers and refreshing queued_at.
func (r *Repository) EnqueueFollowUp(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) (*models.QueuedMessage, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	qm := &models.QueuedMessage{
		SessionID:             sessionID,
		Message:               message,
		Executor:              executor,
		Variant:               variant,
		EnqueueingExecutionID: enqueueingExecutionID,
		State:                 models.QueueStateQueued,
		QueuedAt:              now,
	}

	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT id FROM queued_messages WHERE session_id = ? AND state = 'queued'
	`), sessionID).Scan(&qm.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		qm.ID = uuid.New().String()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO queued_messages (
				id, session_id, message, executor, variant,
				enqueueing_execution_id, state, queued_at
			) VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)
		`), qm.ID, qm.SessionID, qm.Message, qm.Executor, qm.Variant,
			qm.EnqueueingExecutionID, qm.QueuedAt)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE queued_messages
			SET message = ?, executor = ?, variant = ?, enqueueing_execution_id = ?, queued_at = ?
			WHERE id = ?
		`), qm.Message, qm.Executor, qm.Variant, qm.EnqueueingExecutionID, qm.QueuedAt, qm.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return qm, nil
}

// GetQueueStatus returns the session's queued follow-up, or ErrNotFound when
// the slot is empty.
func (r *Repository) GetQueueStatus(ctx context.Context, sessionID string) (*models.QueuedMessage, error) {
	qm := &models.QueuedMessage{}
	err := r.ro.GetContext(ctx, qm, r.ro.Rebind(`
		SELECT `+queuedMessageColumns+` FROM queued_messages
		WHERE session_id = ? AND state = 'queued'
	`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return qm, nil
}

// ConsumeQueuedMessage atomically takes the queued follow-up out of the slot,
// returning the message it held. ErrNotFound when the slot is empty.
func (r *Repository) ConsumeQueuedMessage(ctx context.Context, sessionID string) (*models.QueuedMessage, error) {
	return r.resolveQueuedMessage(ctx, sessionID, models.QueueStateConsumed)
}

// DiscardQueuedMessage drops the queued follow-up without delivering it.
func (r *Repository) DiscardQueuedMessage(ctx context.Context, sessionID string) error {
	_, err := r.resolveQueuedMessage(ctx, sessionID, models.QueueStateDiscarded)
	return err
}

func (r *Repository) resolveQueuedMessage(ctx context.Context, sessionID string, terminal models.QueueState) (*models.QueuedMessage, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	qm := &models.QueuedMessage{}
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT `+queuedMessageColumns+` FROM queued_messages
		WHERE session_id = ? AND state = 'queued'
	`), sessionID).Scan(
		&qm.ID, &qm.SessionID, &qm.Message, &qm.Executor, &qm.Variant,
		&qm.EnqueueingExecutionID, &qm.State, &qm.QueuedAt, &qm.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE queued_messages SET state = ?, resolved_at = ? WHERE id = ?
	`), string(terminal), now, qm.ID); err != nil {
		return nil, err
	}
	qm.State = terminal
	qm.ResolvedAt = &now

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return qm, nil
}
