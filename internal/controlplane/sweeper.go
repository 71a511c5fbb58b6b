package controlplane

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
)

// OrphanSweeper periodically reclaims executions whose runner lease went
// stale: the execution is finalized dropped, the lease row removed, and any
// queued follow-up for the session discarded.
type OrphanSweeper struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger
}

// NewOrphanSweeper creates a sweeper ticking at the given interval.
func NewOrphanSweeper(service *Service, interval time.Duration, log *logger.Logger) *OrphanSweeper {
	return &OrphanSweeper{
		service:  service,
		interval: interval,
		log:      log.WithFields(zap.String("component", "orphan-sweeper")),
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *OrphanSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce scans for expired leases and reclaims their executions.
func (s *OrphanSweeper) SweepOnce(ctx context.Context) {
	st := s.service.Store()
	leases, err := st.ListExpiredLeases(ctx, time.Now().UTC(), s.service.LeaseTTL())
	if err != nil {
		s.log.Error("expired lease scan failed", zap.Error(err))
		return
	}
	for _, lease := range leases {
		exec, err := st.GetExecution(ctx, lease.ExecutionID)
		if err != nil {
			s.log.Warn("execution missing for expired lease",
				zap.String("execution_id", lease.ExecutionID), zap.Error(err))
			continue
		}
		if !exec.Status.IsTerminal() {
			if _, err := s.service.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusDropped, "runner lease expired"); err != nil {
				s.log.Error("failed to drop orphaned execution",
					zap.String("execution_id", exec.ID), zap.Error(err))
				continue
			}
			if err := s.service.DiscardQueuedMessage(ctx, exec.SessionID); err != nil && err != store.ErrNotFound {
				s.log.Warn("failed to discard queued follow-up for dropped execution",
					zap.String("session_id", exec.SessionID), zap.Error(err))
			}
			s.log.Info("dropped orphaned execution",
				zap.String("execution_id", exec.ID),
				zap.String("device_id", lease.DeviceID))
		}
		if err := st.ReleaseLease(ctx, lease.ExecutionID, lease.DeviceID); err != nil && err != store.ErrLeaseLost {
			s.log.Warn("failed to remove expired lease",
				zap.String("execution_id", lease.ExecutionID), zap.Error(err))
		}
	}
}
