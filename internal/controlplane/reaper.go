package controlplane

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
)

// ApprovalReaper periodically expires pending approvals past their deadline.
// Expiry counts as rejection for chain decisions; the store reprojects the
// affected sessions.
type ApprovalReaper struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger
}

// NewApprovalReaper creates a reaper ticking at the given interval.
func NewApprovalReaper(service *Service, interval time.Duration, log *logger.Logger) *ApprovalReaper {
	return &ApprovalReaper{
		service:  service,
		interval: interval,
		log:      log.WithFields(zap.String("component", "approval-reaper")),
	}
}

// Run blocks until ctx is cancelled, reaping once per interval.
func (r *ApprovalReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce expires overdue approvals and publishes their change events.
func (r *ApprovalReaper) ReapOnce(ctx context.Context) {
	expired, err := r.service.Store().ExpireApprovals(ctx, time.Now().UTC())
	if err != nil {
		r.log.Error("approval expiry scan failed", zap.Error(err))
		return
	}
	for _, approval := range expired {
		r.log.Info("approval expired",
			zap.String("approval_id", approval.ID),
			zap.String("execution_id", approval.ExecutionID))
		r.service.publish(ctx, SubjectApprovals, "updated", approval)
		r.service.publishSession(ctx, approval.SessionID)
	}
}
