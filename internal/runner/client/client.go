// Package client provides the runner's view of the control plane: a narrow
// API interface and its HTTP implementation against the mutation surface.
package client

import (
	"context"
	"time"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
)

// API is everything the runner needs from the control plane. The production
// implementation is HTTPClient; tests back it with the in-process service.
type API interface {
	// Documents.
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.WorkspaceRepo, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetExecution(ctx context.Context, id string) (*models.ExecutionProcess, error)
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceEnrollment, error)

	// Execution lifecycle.
	StartExecution(ctx context.Context, workspaceID, sessionID string, reason models.RunReason, executor, prompt string) (*models.ExecutionProcess, error)
	SetExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMessage string) error
	DropExecution(ctx context.Context, id string, errorMessage string) error
	MarkFollowUpConsumed(ctx context.Context, id string) error
	ListExecutionsBySession(ctx context.Context, sessionID string) ([]*models.ExecutionProcess, error)

	// Snapshots.
	UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch store.RepoStatePatch) error
	GetExecutionRepoStates(ctx context.Context, executionID string) ([]*models.ExecutionProcessRepoState, error)

	// Follow-up queue.
	ConsumeQueuedMessage(ctx context.Context, sessionID string) (*models.QueuedMessage, error)
	DiscardQueuedMessage(ctx context.Context, sessionID string) error

	// Approvals.
	RequestApproval(ctx context.Context, params store.ApprovalParams) (*models.Approval, error)
	GetApproval(ctx context.Context, id string) (*models.Approval, error)

	// Leases.
	GetLease(ctx context.Context, executionID string) (*models.RunnerLease, error)
	AcquireLease(ctx context.Context, executionID, deviceID string, pid int) (*models.RunnerLease, error)
	UpdateLeasePid(ctx context.Context, executionID, deviceID string, pid int) error
	HeartbeatLease(ctx context.Context, executionID, deviceID string) error
	ReleaseLease(ctx context.Context, executionID, deviceID string) error
	ListRunningExecutionsForDevice(ctx context.Context, deviceID string) ([]*models.ExecutionProcess, error)
}

// Retry defaults for transient transport failures.
const (
	defaultTimeout = 15 * time.Second
)
