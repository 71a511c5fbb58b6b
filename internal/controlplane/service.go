// Package controlplane hosts the mutation service: the transactional single
// writer over the state store, change-event publication, the approval reaper,
// and the lease orphan sweep.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/events/bus"
)

// Change-event subjects follow controlplane.<collection>.<verb>. Consumers
// subscribe per collection with controlplane.<collection>.*.
const (
	eventSource = "controlplane"

	SubjectWorkspaces = "controlplane.workspaces"
	SubjectSessions   = "controlplane.sessions"
	SubjectExecutions = "controlplane.executions"
	SubjectRepoStates = "controlplane.execution_repo_states"
	SubjectQueue      = "controlplane.queued_messages"
	SubjectApprovals  = "controlplane.approvals"
	SubjectLeases     = "controlplane.runner_leases"
	SubjectDevices    = "controlplane.device_enrollments"
)

// Service is the mutation layer over the store. Every mutation that changes a
// document publishes a change event carrying it.
type Service struct {
	store    store.Store
	bus      bus.EventBus
	log      *logger.Logger
	leaseTTL time.Duration
}

// NewService wires the mutation service.
func NewService(st store.Store, eventBus bus.EventBus, leaseTTL time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "controlplane-service")),
		leaseTTL: leaseTTL,
	}
}

// Store exposes the underlying store for read paths that need no events.
func (s *Service) Store() store.Store { return s.store }

// LeaseTTL returns the configured runner lease TTL.
func (s *Service) LeaseTTL() time.Duration { return s.leaseTTL }

func (s *Service) publish(ctx context.Context, subject, verb string, doc any) {
	event := bus.NewEvent(subject+"."+verb, eventSource, map[string]any{"document": doc})
	if err := s.bus.Publish(ctx, subject+"."+verb, event); err != nil {
		s.log.Warn("failed to publish change event",
			zap.String("subject", subject+"."+verb), zap.Error(err))
	}
}

// CreateWorkspace atomically creates the workspace, its repos, and the
// initial session.
func (s *Service) CreateWorkspace(ctx context.Context, params store.CreateWorkspaceParams) (*models.Workspace, error) {
	ws, err := s.store.CreateWorkspace(ctx, params)
	if err != nil {
		return nil, err
	}
	s.log.Info("workspace created",
		zap.String("workspace_id", ws.ID), zap.String("name", ws.Name))
	s.publish(ctx, SubjectWorkspaces, "created", ws)
	return ws, nil
}

func (s *Service) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

func (s *Service) ListWorkspaces(ctx context.Context, owner string, includeArchived bool) ([]*models.Workspace, error) {
	return s.store.ListWorkspaces(ctx, owner, includeArchived)
}

// UpdateWorkspace patches a workspace and publishes the updated document.
func (s *Service) UpdateWorkspace(ctx context.Context, id string, upd store.WorkspaceUpdate) (*models.Workspace, error) {
	if err := s.store.UpdateWorkspace(ctx, id, upd); err != nil {
		return nil, err
	}
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectWorkspaces, "updated", ws)
	return ws, nil
}

// DeleteWorkspace hard-deletes a workspace and everything under it.
func (s *Service) DeleteWorkspace(ctx context.Context, id string) error {
	if err := s.store.DeleteWorkspace(ctx, id); err != nil {
		return err
	}
	s.log.Info("workspace deleted", zap.String("workspace_id", id))
	s.publish(ctx, SubjectWorkspaces, "deleted", map[string]any{"id": id})
	return nil
}

func (s *Service) ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.WorkspaceRepo, error) {
	return s.store.ListWorkspaceRepos(ctx, workspaceID, enabledOnly)
}

// CreateSession adds a session to a workspace.
func (s *Service) CreateSession(ctx context.Context, workspaceID, title string) (*models.Session, error) {
	session, err := s.store.CreateSession(ctx, workspaceID, title)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectSessions, "created", session)
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, workspaceID string) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, workspaceID)
}

// StartExecution creates a running execution and publishes both the execution
// and the reprojected session.
func (s *Service) StartExecution(ctx context.Context, workspaceID, sessionID string, reason models.RunReason, executor, prompt string) (*models.ExecutionProcess, error) {
	exec, err := s.store.StartExecution(ctx, workspaceID, sessionID, reason, executor, prompt)
	if err != nil {
		return nil, err
	}
	s.log.Info("execution started",
		zap.String("execution_id", exec.ID),
		zap.String("session_id", sessionID),
		zap.String("run_reason", string(reason)))
	s.publish(ctx, SubjectExecutions, "created", exec)
	s.publishSession(ctx, sessionID)
	return exec, nil
}

func (s *Service) GetExecution(ctx context.Context, id string) (*models.ExecutionProcess, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *Service) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*models.ExecutionProcess, error) {
	return s.store.ListExecutionsBySession(ctx, sessionID)
}

// SetExecutionStatus transitions an execution and publishes the updated
// execution plus the reprojected session.
func (s *Service) SetExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMessage string) (*models.ExecutionProcess, error) {
	if err := s.store.SetExecutionStatus(ctx, id, status, errorMessage); err != nil {
		return nil, err
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectExecutions, "updated", exec)
	s.publishSession(ctx, exec.SessionID)
	return exec, nil
}

// DropExecution marks an execution dropped on behalf of a session reset,
// overriding a prior terminal state.
func (s *Service) DropExecution(ctx context.Context, id, errorMessage string) (*models.ExecutionProcess, error) {
	if err := s.store.DropExecution(ctx, id, errorMessage); err != nil {
		return nil, err
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectExecutions, "updated", exec)
	s.publishSession(ctx, exec.SessionID)
	return exec, nil
}

// MarkFollowUpConsumed flags the execution as having consumed the queue slot.
func (s *Service) MarkFollowUpConsumed(ctx context.Context, id string) error {
	return s.store.MarkFollowUpConsumed(ctx, id)
}

// UpsertExecutionRepoState patches the per-(execution, repo) snapshot row.
func (s *Service) UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch store.RepoStatePatch) error {
	if err := s.store.UpsertExecutionRepoState(ctx, executionID, workspaceRepoID, patch); err != nil {
		return err
	}
	s.publish(ctx, SubjectRepoStates, "updated", map[string]any{
		"execution_id":      executionID,
		"workspace_repo_id": workspaceRepoID,
	})
	return nil
}

func (s *Service) GetExecutionRepoStates(ctx context.Context, executionID string) ([]*models.ExecutionProcessRepoState, error) {
	return s.store.GetExecutionRepoStates(ctx, executionID)
}

// EnqueueFollowUp fills (or overwrites) the session's follow-up slot.
func (s *Service) EnqueueFollowUp(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) (*models.QueuedMessage, error) {
	qm, err := s.store.EnqueueFollowUp(ctx, sessionID, message, executor, variant, enqueueingExecutionID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectQueue, "updated", qm)
	return qm, nil
}

func (s *Service) GetQueueStatus(ctx context.Context, sessionID string) (*models.QueuedMessage, error) {
	return s.store.GetQueueStatus(ctx, sessionID)
}

// ConsumeQueuedMessage takes the queued follow-up out of the slot.
func (s *Service) ConsumeQueuedMessage(ctx context.Context, sessionID string) (*models.QueuedMessage, error) {
	qm, err := s.store.ConsumeQueuedMessage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectQueue, "updated", qm)
	return qm, nil
}

// DiscardQueuedMessage drops the queued follow-up without delivering it.
func (s *Service) DiscardQueuedMessage(ctx context.Context, sessionID string) error {
	if err := s.store.DiscardQueuedMessage(ctx, sessionID); err != nil {
		return err
	}
	s.publish(ctx, SubjectQueue, "updated", map[string]any{
		"session_id": sessionID,
		"state":      string(models.QueueStateDiscarded),
	})
	return nil
}

// RequestApproval creates a pending approval; the owning session flips to
// needs_attention.
func (s *Service) RequestApproval(ctx context.Context, params store.ApprovalParams) (*models.Approval, error) {
	approval, err := s.store.RequestApproval(ctx, params)
	if err != nil {
		return nil, err
	}
	s.log.Info("approval requested",
		zap.String("approval_id", approval.ID),
		zap.String("execution_id", approval.ExecutionID),
		zap.String("kind", approval.Kind))
	s.publish(ctx, SubjectApprovals, "created", approval)
	s.publishSession(ctx, approval.SessionID)
	return approval, nil
}

func (s *Service) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	return s.store.GetApproval(ctx, id)
}

func (s *Service) ListPendingApprovals(ctx context.Context, executionID string) ([]*models.Approval, error) {
	return s.store.ListPendingApprovals(ctx, executionID)
}

// RespondApproval resolves a pending approval and reprojects the session.
func (s *Service) RespondApproval(ctx context.Context, id string, status models.ApprovalStatus, respondedBy string) (*models.Approval, error) {
	if err := s.store.RespondApproval(ctx, id, status, respondedBy); err != nil {
		return nil, err
	}
	approval, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectApprovals, "updated", approval)
	s.publishSession(ctx, approval.SessionID)
	return approval, nil
}

// EnrollDevice registers a runner device.
func (s *Service) EnrollDevice(ctx context.Context, deviceID, owningPrincipal, publicKey string) (*models.DeviceEnrollment, error) {
	d, err := s.store.EnrollDevice(ctx, deviceID, owningPrincipal, publicKey)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectDevices, "updated", d)
	return d, nil
}

func (s *Service) GetDevice(ctx context.Context, deviceID string) (*models.DeviceEnrollment, error) {
	return s.store.GetDevice(ctx, deviceID)
}

// RevokeDevice marks a device revoked.
func (s *Service) RevokeDevice(ctx context.Context, deviceID string) error {
	if err := s.store.RevokeDevice(ctx, deviceID); err != nil {
		return err
	}
	s.publish(ctx, SubjectDevices, "updated", map[string]any{"device_id": deviceID, "revoked": true})
	return nil
}

// AcquireLease claims an execution for a device using the configured TTL.
func (s *Service) AcquireLease(ctx context.Context, executionID, deviceID string, pid int) (*models.RunnerLease, error) {
	lease, err := s.store.AcquireLease(ctx, executionID, deviceID, pid, s.leaseTTL)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, SubjectLeases, "acquired", lease)
	return lease, nil
}

// UpdateLeasePid records the supervised pid on a held lease.
func (s *Service) UpdateLeasePid(ctx context.Context, executionID, deviceID string, pid int) error {
	return s.store.UpdateLeasePid(ctx, executionID, deviceID, pid)
}

// HeartbeatLease refreshes a held lease.
func (s *Service) HeartbeatLease(ctx context.Context, executionID, deviceID string) error {
	return s.store.HeartbeatLease(ctx, executionID, deviceID, s.leaseTTL)
}

// ReleaseLease drops a device's claim.
func (s *Service) ReleaseLease(ctx context.Context, executionID, deviceID string) error {
	if err := s.store.ReleaseLease(ctx, executionID, deviceID); err != nil {
		return err
	}
	s.publish(ctx, SubjectLeases, "released", map[string]any{
		"execution_id": executionID,
		"device_id":    deviceID,
	})
	return nil
}

func (s *Service) ListRunningExecutionsForDevice(ctx context.Context, deviceID string) ([]*models.ExecutionProcess, error) {
	return s.store.ListRunningExecutionsForDevice(ctx, deviceID)
}

// publishSession re-reads a session and publishes its current projection.
func (s *Service) publishSession(ctx context.Context, sessionID string) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.log.Warn("failed to load session for change event",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.publish(ctx, SubjectSessions, "updated", session)
}

// ValidateRunReason maps a wire string onto the closed run-reason set.
func ValidateRunReason(raw string) (models.RunReason, error) {
	reason := models.RunReason(raw)
	switch reason {
	case models.RunReasonSetup, models.RunReasonCodingAgent, models.RunReasonCleanup,
		models.RunReasonArchive, models.RunReasonDevServer, models.RunReasonReview,
		models.RunReasonSystem:
		return reason, nil
	}
	return "", fmt.Errorf("unknown run reason %q", raw)
}

// ValidateExecutionStatus maps a wire string onto the execution status set.
func ValidateExecutionStatus(raw string) (models.ExecutionStatus, error) {
	status := models.ExecutionStatus(raw)
	switch status {
	case models.ExecutionStatusPending, models.ExecutionStatusRunning,
		models.ExecutionStatusCompleted, models.ExecutionStatusFailed,
		models.ExecutionStatusKilled, models.ExecutionStatusDropped:
		return status, nil
	}
	return "", fmt.Errorf("unknown execution status %q", raw)
}
