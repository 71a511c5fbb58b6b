// Package models defines the control-plane documents shared by the store,
// the mutation service, and the runner.
package models

import "time"

// SessionStatus represents the derived status of a session. Workspaces carry
// the same projection for their active session.
type SessionStatus string

const (
	SessionStatusRunning        SessionStatus = "running"
	SessionStatusIdle           SessionStatus = "idle"
	SessionStatusNeedsAttention SessionStatus = "needs_attention"
	SessionStatusError          SessionStatus = "error"
)

// ExecutionStatus represents the lifecycle state of an execution process.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusKilled    ExecutionStatus = "killed"
	ExecutionStatusDropped   ExecutionStatus = "dropped"
)

// IsTerminal reports whether the status is a sink state. Terminal states
// never revert.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusKilled, ExecutionStatusDropped:
		return true
	}
	return false
}

// SessionStatusFor is the pure projection from an execution status to the
// owning session's status. Keeping this a single function makes the
// projection mechanically checkable.
func SessionStatusFor(s ExecutionStatus) SessionStatus {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning:
		return SessionStatusRunning
	case ExecutionStatusFailed, ExecutionStatusKilled:
		return SessionStatusNeedsAttention
	case ExecutionStatusCompleted, ExecutionStatusDropped:
		return SessionStatusIdle
	}
	return SessionStatusError
}

// RunReason categorizes why an execution was started.
type RunReason string

const (
	RunReasonSetup       RunReason = "setup"
	RunReasonCodingAgent RunReason = "coding_agent"
	RunReasonCleanup     RunReason = "cleanup"
	RunReasonArchive     RunReason = "archive"
	RunReasonDevServer   RunReason = "dev_server"
	RunReasonReview      RunReason = "review"
	RunReasonSystem      RunReason = "system"
)

// CommandKind is the closed set of typed operations the runner executes.
// No raw shell payload from an external caller is ever run.
type CommandKind string

const (
	CommandRunSetupScript   CommandKind = "run_setup_script"
	CommandRunCleanupScript CommandKind = "run_cleanup_script"
	CommandRunArchiveScript CommandKind = "run_archive_script"
	CommandRunDevServer     CommandKind = "run_dev_server"
	CommandRunCodingAgent   CommandKind = "run_coding_agent"
	CommandGitCommit        CommandKind = "git_commit"
	CommandGitPush          CommandKind = "git_push"
	CommandOpenPR           CommandKind = "open_pr"
	CommandAttachPR         CommandKind = "attach_pr"
	CommandTerminalSession  CommandKind = "terminal_session"
)

// ValidCommandKind reports whether k belongs to the closed operation set.
func ValidCommandKind(k CommandKind) bool {
	switch k {
	case CommandRunSetupScript, CommandRunCleanupScript, CommandRunArchiveScript,
		CommandRunDevServer, CommandRunCodingAgent, CommandGitCommit,
		CommandGitPush, CommandOpenPR, CommandAttachPR, CommandTerminalSession:
		return true
	}
	return false
}

// QueueState represents the lifecycle of a queued follow-up message.
type QueueState string

const (
	QueueStateQueued    QueueState = "queued"
	QueueStateConsumed  QueueState = "consumed"
	QueueStateDiscarded QueueState = "discarded"
)

// ApprovalStatus represents the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusExpired   ApprovalStatus = "expired"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// Workspace is a branch-scoped grouping of one or more repositories.
// Archiving soft-deletes; hard deletion removes managed worktrees too.
type Workspace struct {
	ID                    string        `json:"id" db:"id"`
	OwnerID               string        `json:"owner_id" db:"owner_id"`
	OrgID                 string        `json:"org_id,omitempty" db:"org_id"`
	ProjectID             string        `json:"project_id,omitempty" db:"project_id"`
	Name                  string        `json:"name" db:"name"`
	BaseBranch            string        `json:"base_branch" db:"base_branch"`
	Status                SessionStatus `json:"status" db:"status"`
	Archived              bool          `json:"archived" db:"archived"`
	Pinned                bool          `json:"pinned" db:"pinned"`
	ActiveSessionID       string        `json:"active_session_id,omitempty" db:"active_session_id"`
	ActiveWorkspaceRepoID string        `json:"active_workspace_repo_id,omitempty" db:"active_workspace_repo_id"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
}

// WorkspaceRepo binds a repository into a workspace. Physical layout is
// <managed_root>/<workspace>/<repoName>.
type WorkspaceRepo struct {
	ID           string    `json:"id" db:"id"`
	WorkspaceID  string    `json:"workspace_id" db:"workspace_id"`
	RepoID       string    `json:"repo_id" db:"repo_id"`
	RepoName     string    `json:"repo_name" db:"repo_name"`
	SourcePath   string    `json:"source_path" db:"source_path"`
	TargetBranch string    `json:"target_branch" db:"target_branch"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	SortOrder    int       `json:"sort_order" db:"sort_order"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Session is a conversation thread with a coding agent inside a workspace.
// Sessions share the workspace filesystem but not history. Status is a
// derived projection of the most recent execution's status.
type Session struct {
	ID          string        `json:"id" db:"id"`
	WorkspaceID string        `json:"workspace_id" db:"workspace_id"`
	Title       string        `json:"title,omitempty" db:"title"`
	Status      SessionStatus `json:"status" db:"status"`
	LastUsedAt  time.Time     `json:"last_used_at" db:"last_used_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// ExecutionProcess is one run of a typed operation tied to a session.
// Each execution has exactly one terminal transition.
type ExecutionProcess struct {
	ID                     string          `json:"id" db:"id"`
	WorkspaceID            string          `json:"workspace_id" db:"workspace_id"`
	SessionID              string          `json:"session_id" db:"session_id"`
	RunReason              RunReason       `json:"run_reason" db:"run_reason"`
	Status                 ExecutionStatus `json:"status" db:"status"`
	Executor               string          `json:"executor,omitempty" db:"executor"`
	Prompt                 string          `json:"prompt,omitempty" db:"prompt"`
	QueuedFollowUpConsumed bool            `json:"queued_follow_up_consumed" db:"queued_follow_up_consumed"`
	ErrorMessage           string          `json:"error_message,omitempty" db:"error_message"`
	StartedAt              time.Time       `json:"started_at" db:"started_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// ExecutionProcessRepoState holds the per-repo HEAD snapshots for one
// execution. Unique per (execution, workspace repo); these two commits are
// the source of truth for session reset.
type ExecutionProcessRepoState struct {
	ID               string     `json:"id" db:"id"`
	ExecutionID      string     `json:"execution_id" db:"execution_id"`
	WorkspaceRepoID  string     `json:"workspace_repo_id" db:"workspace_repo_id"`
	BeforeHeadCommit *string    `json:"before_head_commit,omitempty" db:"before_head_commit"`
	AfterHeadCommit  *string    `json:"after_head_commit,omitempty" db:"after_head_commit"`
	RepoState        *string    `json:"repo_state,omitempty" db:"repo_state"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// QueuedMessage is the single-slot durable follow-up for a session. At most
// one row per session is in state queued at any time; a newer follow-up
// overwrites the pending one rather than stacking.
type QueuedMessage struct {
	ID                    string     `json:"id" db:"id"`
	SessionID             string     `json:"session_id" db:"session_id"`
	Message               string     `json:"message" db:"message"`
	Executor              string     `json:"executor,omitempty" db:"executor"`
	Variant               string     `json:"variant,omitempty" db:"variant"`
	EnqueueingExecutionID string     `json:"enqueueing_execution_id,omitempty" db:"enqueueing_execution_id"`
	State                 QueueState `json:"state" db:"state"`
	QueuedAt              time.Time  `json:"queued_at" db:"queued_at"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Approval is a durable human-approval request tied to an execution. While
// any approval is pending the owning session is needs_attention.
type Approval struct {
	ID          string         `json:"id" db:"id"`
	WorkspaceID string         `json:"workspace_id" db:"workspace_id"`
	SessionID   string         `json:"session_id" db:"session_id"`
	ExecutionID string         `json:"execution_id" db:"execution_id"`
	Kind        string         `json:"kind" db:"kind"`
	Prompt      string         `json:"prompt" db:"prompt"`
	Status      ApprovalStatus `json:"status" db:"status"`
	RequestedAt time.Time      `json:"requested_at" db:"requested_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	RespondedAt *time.Time     `json:"responded_at,omitempty" db:"responded_at"`
	RespondedBy string         `json:"responded_by,omitempty" db:"responded_by"`
}

// DeviceEnrollment binds a runner device to an owning principal. A runner
// executes only jobs targeting its enrolled, unrevoked device id.
type DeviceEnrollment struct {
	DeviceID        string     `json:"device_id" db:"device_id"`
	OwningPrincipal string     `json:"owning_principal" db:"owning_principal"`
	PublicKey       string     `json:"public_key" db:"public_key"`
	EnrolledAt      time.Time  `json:"enrolled_at" db:"enrolled_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// RunnerLease is a short-lived claim over an execution held by exactly one
// runner. A lease whose heartbeat has gone stale past the TTL is reclaimable.
// Pid records the supervised process for crash recovery on the owning device.
type RunnerLease struct {
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	Pid         int       `json:"pid" db:"pid"`
	AcquiredAt  time.Time `json:"acquired_at" db:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at" db:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// Fresh reports whether the lease heartbeat is still within the TTL at now.
func (l *RunnerLease) Fresh(now time.Time, ttl time.Duration) bool {
	return l.HeartbeatAt.Add(ttl).After(now)
}
