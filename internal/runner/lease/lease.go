// Package lease implements the runner half of execution leasing: atomic
// acquire before a run, background heartbeats at a fraction of the TTL, and
// release inside the terminal transition.
package lease

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/runner/client"
)

// Manager acquires and keeps leases alive for this device.
type Manager struct {
	api       client.API
	deviceID  string
	heartbeat time.Duration
	log       *logger.Logger
}

// NewManager creates a lease manager. heartbeat should be at most a third of
// the control plane's lease TTL.
func NewManager(api client.API, deviceID string, heartbeat time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		api:       api,
		deviceID:  deviceID,
		heartbeat: heartbeat,
		log:       log.WithFields(zap.String("component", "lease-manager")),
	}
}

// Held is an acquired lease with its heartbeat loop running.
type Held struct {
	ExecutionID string
	Lost        <-chan struct{}

	cancel context.CancelFunc
	mgr    *Manager
}

// Acquire claims the execution for this device and starts heartbeating.
// store.ErrAlreadyLeased means another runner owns it — not a failure for
// the dispatch caller, just not ours to run.
func (m *Manager) Acquire(ctx context.Context, executionID string, pid int) (*Held, error) {
	if _, err := m.api.AcquireLease(ctx, executionID, m.deviceID, pid); err != nil {
		return nil, err
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	lost := make(chan struct{})
	h := &Held{ExecutionID: executionID, Lost: lost, cancel: cancel, mgr: m}
	go m.heartbeatLoop(hbCtx, executionID, lost)
	m.log.Info("lease acquired",
		zap.String("execution_id", executionID), zap.Int("pid", pid))
	return h, nil
}

// Resume restarts heartbeating for a lease this device already holds, used
// by crash recovery.
func (m *Manager) Resume(executionID string) *Held {
	hbCtx, cancel := context.WithCancel(context.Background())
	lost := make(chan struct{})
	h := &Held{ExecutionID: executionID, Lost: lost, cancel: cancel, mgr: m}
	go m.heartbeatLoop(hbCtx, executionID, lost)
	return h
}

func (m *Manager) heartbeatLoop(ctx context.Context, executionID string, lost chan struct{}) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.api.HeartbeatLease(ctx, executionID, m.deviceID)
			if errors.Is(err, store.ErrLeaseLost) {
				m.log.Warn("lease lost", zap.String("execution_id", executionID))
				close(lost)
				return
			}
			if err != nil {
				// Transient transport failure; the TTL gives us slack to
				// retry on the next tick.
				m.log.Warn("lease heartbeat failed",
					zap.String("execution_id", executionID), zap.Error(err))
			}
		}
	}
}

// Release stops heartbeating and drops the claim. Safe to call after the
// lease was already lost.
func (h *Held) Release(ctx context.Context) {
	h.cancel()
	if err := h.mgr.api.ReleaseLease(ctx, h.ExecutionID, h.mgr.deviceID); err != nil &&
		!errors.Is(err, store.ErrLeaseLost) && !errors.Is(err, store.ErrNotFound) {
		h.mgr.log.Warn("lease release failed",
			zap.String("execution_id", h.ExecutionID), zap.Error(err))
	}
}

// RecoverStartup finalizes or resumes this device's leased running
// executions after a runner restart. Executions whose recorded pid is alive
// are returned for re-tracking; dead ones are finalized killed.
func (m *Manager) RecoverStartup(ctx context.Context, alive func(pid int) bool) ([]*models.ExecutionProcess, error) {
	execs, err := m.api.ListRunningExecutionsForDevice(ctx, m.deviceID)
	if err != nil {
		return nil, err
	}
	var resumed []*models.ExecutionProcess
	for _, exec := range execs {
		pid := 0
		if lease, err := m.api.GetLease(ctx, exec.ID); err == nil && lease.DeviceID == m.deviceID {
			pid = lease.Pid
		}
		if pid != 0 && alive(pid) {
			resumed = append(resumed, exec)
			continue
		}
		if err := m.api.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusKilled, "recovered after runner restart"); err != nil {
			m.log.Error("failed to finalize orphaned execution",
				zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		if err := m.api.ReleaseLease(ctx, exec.ID, m.deviceID); err != nil &&
			!errors.Is(err, store.ErrLeaseLost) && !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("failed to release lease of finalized execution",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}
		m.log.Info("finalized execution orphaned by restart",
			zap.String("execution_id", exec.ID))
	}
	return resumed, nil
}
