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

// EnrollDevice registers a runner device under an owning principal.
// Re-enrolling an existing device refreshes its key and clears any
// revocation.
func (r *Repository) EnrollDevice(ctx context.Context, deviceID, owningPrincipal, publicKey string) (*models.DeviceEnrollment, error) {
	now := time.Now().UTC()
	d := &models.DeviceEnrollment{
		DeviceID:        deviceID,
		OwningPrincipal: owningPrincipal,
		PublicKey:       publicKey,
		EnrolledAt:      now,
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO device_enrollments (device_id, owning_principal, public_key, enrolled_at, revoked_at)
		VALUES (?, ?, ?, ?, NULL)`+
		dialect.Upsert("device_id", `
			owning_principal = excluded.owning_principal,
			public_key = excluded.public_key,
			enrolled_at = excluded.enrolled_at,
			revoked_at = NULL`),
	), d.DeviceID, d.OwningPrincipal, d.PublicKey, d.EnrolledAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDevice retrieves a device enrollment by id.
func (r *Repository) GetDevice(ctx context.Context, deviceID string) (*models.DeviceEnrollment, error) {
	d := &models.DeviceEnrollment{}
	err := r.ro.GetContext(ctx, d, r.ro.Rebind(`
		SELECT device_id, owning_principal, public_key, enrolled_at, revoked_at
		FROM device_enrollments WHERE device_id = ?
	`), deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// RevokeDevice marks a device revoked. Dispatch to a revoked device is
// rejected from that point on; revocation is idempotent.
func (r *Repository) RevokeDevice(ctx context.Context, deviceID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE device_enrollments SET revoked_at = ?
		WHERE device_id = ? AND revoked_at IS NULL
	`), time.Now().UTC(), deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Idempotent when already revoked; missing devices are errors.
		if _, err := r.GetDevice(ctx, deviceID); err != nil {
			return err
		}
	}
	return nil
}
