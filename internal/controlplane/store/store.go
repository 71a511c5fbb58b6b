// Package store defines the transactional state-store contract for the
// control plane. A store implementation must provide atomic multi-document
// operations and the indexed queries the orchestration layer depends on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vkrun/vkrun/internal/controlplane/models"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyLeased is returned when a fresh lease exists for the
	// execution. Not an error at the dispatch caller: another runner owns it.
	ErrAlreadyLeased = errors.New("execution already leased")
	// ErrLeaseLost is returned when heartbeating or releasing a lease the
	// device no longer holds.
	ErrLeaseLost = errors.New("lease lost")
	// ErrNotPending is returned when responding to an approval that is not
	// pending.
	ErrNotPending = errors.New("approval is not pending")
	// ErrTerminal is returned when attempting to move a terminal execution to
	// a different terminal state. Identical transitions are idempotent no-ops.
	ErrTerminal = errors.New("execution already terminal")
)

// CreateWorkspaceParams bundles the atomic workspace+repos+session insert.
type CreateWorkspaceParams struct {
	Owner               string
	Org                 string
	Project             string
	Name                string
	Branch              string
	Repos               []RepoSpec
	InitialSessionTitle string
}

// RepoSpec describes one repository bound into a workspace.
type RepoSpec struct {
	RepoID       string
	RepoName     string
	SourcePath   string
	TargetBranch string
	Enabled      bool
	SortOrder    int
}

// WorkspaceUpdate patches mutable workspace fields; nil fields are untouched.
type WorkspaceUpdate struct {
	Name                  *string
	Archived              *bool
	Pinned                *bool
	Status                *models.SessionStatus
	ActiveSessionID       *string
	ActiveWorkspaceRepoID *string
}

// RepoStatePatch is a partial update of an execution repo-state row. Nil
// fields keep prior values.
type RepoStatePatch struct {
	BeforeHeadCommit *string
	AfterHeadCommit  *string
	RepoState        *string
}

// ApprovalParams creates one pending approval.
type ApprovalParams struct {
	WorkspaceID string
	SessionID   string
	ExecutionID string
	Kind        string
	Prompt      string
	ExpiresAt   *time.Time
}

// Store is the control-plane state store contract. Every operation is atomic
// across the writes it performs.
type Store interface {
	// Workspaces.
	CreateWorkspace(ctx context.Context, params CreateWorkspaceParams) (*models.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context, owner string, includeArchived bool) ([]*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, upd WorkspaceUpdate) error
	DeleteWorkspace(ctx context.Context, id string) error

	// Workspace repos.
	GetWorkspaceRepo(ctx context.Context, id string) (*models.WorkspaceRepo, error)
	ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.WorkspaceRepo, error)
	FindWorkspaceRepoByName(ctx context.Context, workspaceID, repoName string) (*models.WorkspaceRepo, error)

	// Sessions.
	CreateSession(ctx context.Context, workspaceID, title string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, workspaceID string) ([]*models.Session, error)
	TouchSession(ctx context.Context, id string) error

	// Executions.
	StartExecution(ctx context.Context, workspaceID, sessionID string, reason models.RunReason, executor, prompt string) (*models.ExecutionProcess, error)
	GetExecution(ctx context.Context, id string) (*models.ExecutionProcess, error)
	ListExecutionsBySession(ctx context.Context, sessionID string) ([]*models.ExecutionProcess, error)
	ListExecutionsByStatus(ctx context.Context, sessionID string, status models.ExecutionStatus) ([]*models.ExecutionProcess, error)
	SetExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMessage string) error
	// DropExecution marks an execution dropped regardless of its current
	// status; session reset supersedes history, terminal states included.
	DropExecution(ctx context.Context, id string, errorMessage string) error
	MarkFollowUpConsumed(ctx context.Context, id string) error

	// Per-execution repo snapshots.
	UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch RepoStatePatch) error
	GetExecutionRepoStates(ctx context.Context, executionID string) ([]*models.ExecutionProcessRepoState, error)

	// Follow-up queue (single slot per session).
	EnqueueFollowUp(ctx context.Context, sessionID, message, executor, variant, enqueueingExecutionID string) (*models.QueuedMessage, error)
	GetQueueStatus(ctx context.Context, sessionID string) (*models.QueuedMessage, error)
	ConsumeQueuedMessage(ctx context.Context, sessionID string) (*models.QueuedMessage, error)
	DiscardQueuedMessage(ctx context.Context, sessionID string) error

	// Approvals.
	RequestApproval(ctx context.Context, params ApprovalParams) (*models.Approval, error)
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	RespondApproval(ctx context.Context, id string, status models.ApprovalStatus, respondedBy string) error
	ListPendingApprovals(ctx context.Context, executionID string) ([]*models.Approval, error)
	ExpireApprovals(ctx context.Context, now time.Time) ([]*models.Approval, error)

	// Device enrollment.
	EnrollDevice(ctx context.Context, deviceID, owningPrincipal, publicKey string) (*models.DeviceEnrollment, error)
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceEnrollment, error)
	RevokeDevice(ctx context.Context, deviceID string) error

	// Runner leases.
	AcquireLease(ctx context.Context, executionID, deviceID string, pid int, ttl time.Duration) (*models.RunnerLease, error)
	UpdateLeasePid(ctx context.Context, executionID, deviceID string, pid int) error
	HeartbeatLease(ctx context.Context, executionID, deviceID string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, executionID, deviceID string) error
	GetLease(ctx context.Context, executionID string) (*models.RunnerLease, error)
	ListExpiredLeases(ctx context.Context, now time.Time, ttl time.Duration) ([]*models.RunnerLease, error)
	ListRunningExecutionsForDevice(ctx context.Context, deviceID string) ([]*models.ExecutionProcess, error)

	Close() error
}
