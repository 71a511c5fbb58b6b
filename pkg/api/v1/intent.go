package v1

import (
	"encoding/json"
	"time"
)

// RejectReason classifies why a runner refused an execution intent.
type RejectReason string

const (
	RejectNotAuthorized  RejectReason = "NOT_AUTHORIZED"
	RejectDeviceMismatch RejectReason = "DEVICE_MISMATCH"
	RejectReplayedNonce  RejectReason = "REPLAYED_NONCE"
	RejectTTLExpired     RejectReason = "TTL_EXPIRED"
	RejectInvalidParams  RejectReason = "INVALID_PARAMS"
)

// ExecutionIntent is the dispatch envelope pushed from the control plane to a
// runner. Rejected if the principal is unauthorized, the device does not
// match, the nonce was seen, or the TTL has elapsed.
type ExecutionIntent struct {
	IntentID       string          `json:"intent_id"`
	Nonce          string          `json:"nonce"`
	TargetDeviceID string          `json:"target_device_id"`
	TTLMs          int64           `json:"ttl_ms"`
	IssuedAt       time.Time       `json:"issued_at"`
	WorkspaceID    string          `json:"workspace_id"`
	SessionID      string          `json:"session_id"`
	ExecutionID    string          `json:"execution_id"`
	RunReason      string          `json:"run_reason"`
	CommandKind    string          `json:"command_kind"`
	Params         json.RawMessage `json:"params,omitempty"`
	Principal      string          `json:"principal"`
}

// Expired reports whether the intent TTL has elapsed at now.
func (i *ExecutionIntent) Expired(now time.Time) bool {
	return now.After(i.IssuedAt.Add(time.Duration(i.TTLMs) * time.Millisecond))
}

// IntentAck acknowledges an intent. Acks are idempotent: re-delivery of the
// same (intent_id, nonce) after successful acquisition is a no-op.
type IntentAck struct {
	IntentID string       `json:"intent_id"`
	Nonce    string       `json:"nonce"`
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
	Detail   string       `json:"detail,omitempty"`
}

// CodingAgentParams parameterizes run_coding_agent.
type CodingAgentParams struct {
	Prompt   string `json:"prompt"`
	Executor string `json:"executor,omitempty"`
	Variant  string `json:"variant,omitempty"`
}

// ScriptParams parameterizes run_setup_script, run_cleanup_script,
// run_archive_script, and run_dev_server. ScriptName selects a named script
// from the repo configuration; scripts are never free-form payloads.
type ScriptParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id,omitempty"`
	ScriptName      string `json:"script_name,omitempty"`
}

// GitCommitParams parameterizes git_commit.
type GitCommitParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id,omitempty"`
	Message         string `json:"message"`
}

// GitPushParams parameterizes git_push.
type GitPushParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id,omitempty"`
	Remote          string `json:"remote,omitempty"`
}

// PullRequestParams parameterizes open_pr and attach_pr.
type PullRequestParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id,omitempty"`
	Title           string `json:"title,omitempty"`
	Body            string `json:"body,omitempty"`
	Number          int    `json:"number,omitempty"`
}

// TerminalParams parameterizes terminal_session.
type TerminalParams struct {
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
}
