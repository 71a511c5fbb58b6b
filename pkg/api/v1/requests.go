package v1

import "time"

// RepoSpec describes one repository bound into a workspace at creation.
type RepoSpec struct {
	RepoID       string `json:"repo_id" binding:"required"`
	RepoName     string `json:"repo_name" binding:"required"`
	SourcePath   string `json:"source_path" binding:"required"`
	TargetBranch string `json:"target_branch"`
	Enabled      bool   `json:"enabled"`
	SortOrder    int    `json:"sort_order"`
}

// CreateWorkspaceRequest creates a workspace, its repos, and one session
// atomically.
type CreateWorkspaceRequest struct {
	Owner               string     `json:"owner" binding:"required"`
	Org                 string     `json:"org,omitempty"`
	Project             string     `json:"project,omitempty"`
	Name                string     `json:"name" binding:"required,max=255"`
	Branch              string     `json:"branch" binding:"required"`
	Repos               []RepoSpec `json:"repos" binding:"required,min=1"`
	InitialSessionTitle string     `json:"initial_session_title,omitempty"`
}

// UpdateWorkspaceRequest patches mutable workspace fields.
type UpdateWorkspaceRequest struct {
	Name                  *string `json:"name,omitempty" binding:"omitempty,max=255"`
	Archived              *bool   `json:"archived,omitempty"`
	Pinned                *bool   `json:"pinned,omitempty"`
	Status                *string `json:"status,omitempty"`
	ActiveSessionID       *string `json:"active_session_id,omitempty"`
	ActiveWorkspaceRepoID *string `json:"active_workspace_repo_id,omitempty"`
}

// StartExecutionRequest creates an execution in running state.
type StartExecutionRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	SessionID   string `json:"session_id" binding:"required"`
	RunReason   string `json:"run_reason" binding:"required"`
	Executor    string `json:"executor,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// SetExecutionStatusRequest transitions an execution. Idempotent on
// identical (execution, status) pairs.
type SetExecutionStatusRequest struct {
	Status       string `json:"status" binding:"required"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DropExecutionRequest marks an execution dropped on behalf of a session
// reset, overriding a prior terminal state.
type DropExecutionRequest struct {
	ErrorMessage string `json:"error_message,omitempty"`
}

// UpsertRepoStateRequest patches the per-(execution, repo) snapshot row.
// Partial updates keep prior non-null fields.
type UpsertRepoStateRequest struct {
	WorkspaceRepoID  string  `json:"workspace_repo_id" binding:"required"`
	BeforeHeadCommit *string `json:"before_head_commit,omitempty"`
	AfterHeadCommit  *string `json:"after_head_commit,omitempty"`
	RepoState        *string `json:"repo_state,omitempty"`
}

// EnqueueFollowUpRequest queues (or overwrites) the session follow-up slot.
type EnqueueFollowUpRequest struct {
	Message               string `json:"message" binding:"required"`
	Executor              string `json:"executor,omitempty"`
	Variant               string `json:"variant,omitempty"`
	EnqueueingExecutionID string `json:"enqueueing_execution_id,omitempty"`
}

// RequestApprovalRequest creates a pending approval for an execution.
type RequestApprovalRequest struct {
	WorkspaceID string     `json:"workspace_id" binding:"required"`
	SessionID   string     `json:"session_id" binding:"required"`
	ExecutionID string     `json:"execution_id" binding:"required"`
	Kind        string     `json:"kind" binding:"required"`
	Prompt      string     `json:"prompt" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RespondApprovalRequest resolves a pending approval.
type RespondApprovalRequest struct {
	Status      string `json:"status" binding:"required,oneof=approved rejected"`
	RespondedBy string `json:"responded_by" binding:"required"`
}

// AcquireLeaseRequest atomically claims an execution for a device.
type AcquireLeaseRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Pid      int    `json:"pid"`
}

// HeartbeatLeaseRequest refreshes a held lease.
type HeartbeatLeaseRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

// UpdateLeasePidRequest records the supervised pid on a held lease.
type UpdateLeasePidRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Pid      int    `json:"pid" binding:"required"`
}

// SlashCommandRequest carries one UI slash command for translation into
// store mutations. Commands without a repo prefix resolve against the
// workspace's active repo.
type SlashCommandRequest struct {
	WorkspaceID string `json:"workspace_id" binding:"required"`
	SessionID   string `json:"session_id,omitempty"`
	Principal   string `json:"principal" binding:"required"`
	Command     string `json:"command" binding:"required"`
}

// ErrorResponse is the error body returned by the mutation API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
