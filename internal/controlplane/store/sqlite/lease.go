package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/db/dialect"
)

const leaseColumns = `execution_id, device_id, pid, acquired_at, heartbeat_at, expires_at`

// AcquireLease atomically claims an execution for a device. A fresh lease
// held by any device (including the caller) is ErrAlreadyLeased; a stale
// lease is reclaimed in place.
func (r *Repository) AcquireLease(ctx context.Context, executionID, deviceID string, pid int, ttl time.Duration) (*models.RunnerLease, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	existing := &models.RunnerLease{}
	err = tx.QueryRowContext(ctx, tx.Rebind(
		`SELECT `+leaseColumns+` FROM runner_leases WHERE execution_id = ?`), executionID).
		Scan(&existing.ExecutionID, &existing.DeviceID, &existing.Pid,
			&existing.AcquiredAt, &existing.HeartbeatAt, &existing.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No holder; claim below.
	case err != nil:
		return nil, err
	default:
		if existing.Fresh(now, ttl) {
			return nil, store.ErrAlreadyLeased
		}
	}

	lease := &models.RunnerLease{
		ExecutionID: executionID,
		DeviceID:    deviceID,
		Pid:         pid,
		AcquiredAt:  now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO runner_leases (execution_id, device_id, pid, acquired_at, heartbeat_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`+
		dialect.Upsert("execution_id", `
			device_id = excluded.device_id,
			pid = excluded.pid,
			acquired_at = excluded.acquired_at,
			heartbeat_at = excluded.heartbeat_at,
			expires_at = excluded.expires_at`),
	), lease.ExecutionID, lease.DeviceID, lease.Pid,
		lease.AcquiredAt, lease.HeartbeatAt, lease.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return lease, nil
}

// UpdateLeasePid records the supervised process id on a held lease once the
// process has started. ErrLeaseLost when the device no longer holds it.
func (r *Repository) UpdateLeasePid(ctx context.Context, executionID, deviceID string, pid int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runner_leases SET pid = ? WHERE execution_id = ? AND device_id = ?
	`), pid, executionID, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// HeartbeatLease refreshes a lease the device still holds. ErrLeaseLost when
// the lease was reclaimed or released.
func (r *Repository) HeartbeatLease(ctx context.Context, executionID, deviceID string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runner_leases SET heartbeat_at = ?, expires_at = ?
		WHERE execution_id = ? AND device_id = ?
	`), now, now.Add(ttl), executionID, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// ReleaseLease drops the device's claim on an execution.
func (r *Repository) ReleaseLease(ctx context.Context, executionID, deviceID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM runner_leases WHERE execution_id = ? AND device_id = ?
	`), executionID, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// GetLease retrieves the lease row for an execution, fresh or not.
func (r *Repository) GetLease(ctx context.Context, executionID string) (*models.RunnerLease, error) {
	lease := &models.RunnerLease{}
	err := r.ro.GetContext(ctx, lease, r.ro.Rebind(
		`SELECT `+leaseColumns+` FROM runner_leases WHERE execution_id = ?`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ListExpiredLeases returns leases whose heartbeat went stale past the TTL,
// the orphan sweeper's input.
func (r *Repository) ListExpiredLeases(ctx context.Context, now time.Time, ttl time.Duration) ([]*models.RunnerLease, error) {
	var result []*models.RunnerLease
	err := r.ro.SelectContext(ctx, &result, r.ro.Rebind(`
		SELECT `+leaseColumns+` FROM runner_leases WHERE heartbeat_at <= ?
	`), now.Add(-ttl))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListRunningExecutionsForDevice returns the running executions leased to a
// device, the crash-recovery scan for a restarting runner.
func (r *Repository) ListRunningExecutionsForDevice(ctx context.Context, deviceID string) ([]*models.ExecutionProcess, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT e.id, e.workspace_id, e.session_id, e.run_reason, e.status, e.executor,
		       e.prompt, e.queued_follow_up_consumed, e.error_message, e.started_at,
		       e.completed_at, e.created_at, e.updated_at
		FROM executions e
		JOIN runner_leases l ON l.execution_id = e.id
		WHERE l.device_id = ? AND e.status = 'running'
		ORDER BY e.started_at ASC
	`), deviceID)
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}
