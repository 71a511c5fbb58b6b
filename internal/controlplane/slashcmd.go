package controlplane

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/vkrun/vkrun/internal/common/errors"
	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// Dispatcher pushes execution intents to connected runner devices.
type Dispatcher interface {
	// Dispatch delivers an intent to its target device's socket.
	Dispatch(ctx context.Context, intent *v1.ExecutionIntent) error
	// DeviceForPrincipal picks a connected, enrolled, unrevoked device owned
	// by the principal.
	DeviceForPrincipal(ctx context.Context, principal string) (string, error)
}

// SlashCommandResult is the answer to one slash command.
type SlashCommandResult struct {
	Action      string `json:"action"`
	Message     string `json:"message,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// SlashCommands translates UI slash commands into store mutations and
// dispatched intents. A leading /<repo-name> token retargets the command at
// that repo; otherwise the workspace's active repo is used.
type SlashCommands struct {
	service    *Service
	dispatcher Dispatcher
	intentTTL  time.Duration
	log        *logger.Logger
}

// NewSlashCommands wires the slash-command translator.
func NewSlashCommands(service *Service, dispatcher Dispatcher, intentTTL time.Duration, log *logger.Logger) *SlashCommands {
	return &SlashCommands{
		service:    service,
		dispatcher: dispatcher,
		intentTTL:  intentTTL,
		log:        log.WithFields(zap.String("component", "slash-commands")),
	}
}

// Execute runs one slash command for a principal against a workspace. When
// sessionID is empty the workspace's active session is used.
func (sc *SlashCommands) Execute(ctx context.Context, workspaceID, sessionID, principal, command string) (*SlashCommandResult, error) {
	ws, err := sc.service.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = ws.ActiveSessionID
	}

	tokens := strings.Fields(strings.TrimSpace(command))
	if len(tokens) == 0 || !strings.HasPrefix(tokens[0], "/") {
		return nil, apperrors.BadRequest("commands start with /")
	}

	name := strings.TrimPrefix(tokens[0], "/")
	args := tokens[1:]

	// /<repo-name> <command> ... retargets the rest of the line.
	targetRepoID := ws.ActiveWorkspaceRepoID
	if repo, err := sc.service.Store().FindWorkspaceRepoByName(ctx, ws.ID, name); err == nil {
		if len(args) == 0 || !strings.HasPrefix(args[0], "/") {
			return nil, apperrors.BadRequest("repo prefix requires a command, e.g. /" + name + " /diff")
		}
		targetRepoID = repo.ID
		name = strings.TrimPrefix(args[0], "/")
		args = args[1:]
	}

	switch name {
	case "new-session":
		return sc.newSession(ctx, ws, strings.Join(args, " "))
	case "follow-up":
		return sc.followUp(ctx, sessionID, strings.Join(args, " "))
	case "summary":
		return sc.dispatchAgent(ctx, ws, sessionID, principal, models.RunReasonReview,
			"Summarize the work done in this session so far.")
	case "run":
		return sc.runScript(ctx, ws, sessionID, principal, targetRepoID, args)
	case "commit":
		return sc.commit(ctx, ws, sessionID, principal, targetRepoID, strings.Join(args, " "))
	case "pr":
		return sc.openPR(ctx, ws, sessionID, principal, targetRepoID, strings.Join(args, " "))
	case "attach":
		return sc.attachPR(ctx, ws, sessionID, principal, targetRepoID, args)
	case "diff", "git-status":
		return sc.repoState(ctx, sessionID, targetRepoID, name)
	case "set-active-repo":
		return sc.setActiveRepo(ctx, ws, args)
	}
	return nil, apperrors.BadRequest("unknown command /" + name)
}

func (sc *SlashCommands) newSession(ctx context.Context, ws *models.Workspace, title string) (*SlashCommandResult, error) {
	session, err := sc.service.CreateSession(ctx, ws.ID, title)
	if err != nil {
		return nil, err
	}
	if _, err := sc.service.UpdateWorkspace(ctx, ws.ID, store.WorkspaceUpdate{
		ActiveSessionID: &session.ID,
	}); err != nil {
		return nil, err
	}
	return &SlashCommandResult{Action: "session_created", SessionID: session.ID}, nil
}

func (sc *SlashCommands) followUp(ctx context.Context, sessionID, message string) (*SlashCommandResult, error) {
	if message == "" {
		return nil, apperrors.BadRequest("/follow-up requires a message")
	}
	qm, err := sc.service.EnqueueFollowUp(ctx, sessionID, message, "", "", "")
	if err != nil {
		return nil, err
	}
	return &SlashCommandResult{Action: "follow_up_queued", SessionID: sessionID, Data: qm}, nil
}

func (sc *SlashCommands) dispatchAgent(ctx context.Context, ws *models.Workspace, sessionID, principal string, reason models.RunReason, prompt string) (*SlashCommandResult, error) {
	params, _ := json.Marshal(v1.CodingAgentParams{Prompt: prompt})
	return sc.startAndDispatch(ctx, ws, sessionID, principal, reason, models.CommandRunCodingAgent, prompt, params)
}

var scriptKinds = map[string]struct {
	kind   models.CommandKind
	reason models.RunReason
}{
	"setup":   {models.CommandRunSetupScript, models.RunReasonSetup},
	"cleanup": {models.CommandRunCleanupScript, models.RunReasonCleanup},
	"archive": {models.CommandRunArchiveScript, models.RunReasonArchive},
	"dev":     {models.CommandRunDevServer, models.RunReasonDevServer},
}

func (sc *SlashCommands) runScript(ctx context.Context, ws *models.Workspace, sessionID, principal, repoID string, args []string) (*SlashCommandResult, error) {
	if len(args) == 0 {
		return nil, apperrors.BadRequest("/run requires one of: setup, cleanup, archive, dev")
	}
	entry, ok := scriptKinds[args[0]]
	if !ok {
		return nil, apperrors.BadRequest("unknown script " + args[0])
	}
	params, _ := json.Marshal(v1.ScriptParams{WorkspaceRepoID: repoID, ScriptName: args[0]})
	return sc.startAndDispatch(ctx, ws, sessionID, principal, entry.reason, entry.kind, "", params)
}

func (sc *SlashCommands) commit(ctx context.Context, ws *models.Workspace, sessionID, principal, repoID, message string) (*SlashCommandResult, error) {
	if message == "" {
		return nil, apperrors.BadRequest("/commit requires a message")
	}
	params, _ := json.Marshal(v1.GitCommitParams{WorkspaceRepoID: repoID, Message: message})
	return sc.startAndDispatch(ctx, ws, sessionID, principal, models.RunReasonSystem, models.CommandGitCommit, "", params)
}

func (sc *SlashCommands) openPR(ctx context.Context, ws *models.Workspace, sessionID, principal, repoID, title string) (*SlashCommandResult, error) {
	params, _ := json.Marshal(v1.PullRequestParams{WorkspaceRepoID: repoID, Title: title})
	return sc.startAndDispatch(ctx, ws, sessionID, principal, models.RunReasonSystem, models.CommandOpenPR, "", params)
}

func (sc *SlashCommands) attachPR(ctx context.Context, ws *models.Workspace, sessionID, principal, repoID string, args []string) (*SlashCommandResult, error) {
	if len(args) == 0 {
		return nil, apperrors.BadRequest("/attach requires a pull request number")
	}
	number, err := strconv.Atoi(args[0])
	if err != nil || number <= 0 {
		return nil, apperrors.BadRequest("/attach requires a pull request number")
	}
	params, _ := json.Marshal(v1.PullRequestParams{WorkspaceRepoID: repoID, Number: number})
	return sc.startAndDispatch(ctx, ws, sessionID, principal, models.RunReasonSystem, models.CommandAttachPR, "", params)
}

// repoState answers /diff and /git-status from the snapshots the runner
// posted for the session's most recent execution.
func (sc *SlashCommands) repoState(ctx context.Context, sessionID, repoID, action string) (*SlashCommandResult, error) {
	execs, err := sc.service.ListExecutionsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		states, err := sc.service.GetExecutionRepoStates(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		for _, state := range states {
			if state.WorkspaceRepoID == repoID {
				return &SlashCommandResult{
					Action:      action,
					SessionID:   sessionID,
					ExecutionID: exec.ID,
					Data:        state,
				}, nil
			}
		}
	}
	return nil, apperrors.NotFound("repo state", repoID)
}

func (sc *SlashCommands) setActiveRepo(ctx context.Context, ws *models.Workspace, args []string) (*SlashCommandResult, error) {
	if len(args) == 0 {
		return nil, apperrors.BadRequest("/set-active-repo requires a repo name")
	}
	repo, err := sc.service.Store().FindWorkspaceRepoByName(ctx, ws.ID, args[0])
	if err != nil {
		return nil, apperrors.NotFound("workspace repo", args[0])
	}
	if _, err := sc.service.UpdateWorkspace(ctx, ws.ID, store.WorkspaceUpdate{
		ActiveWorkspaceRepoID: &repo.ID,
	}); err != nil {
		return nil, err
	}
	return &SlashCommandResult{Action: "active_repo_set", Data: repo}, nil
}

// startAndDispatch creates the execution and pushes the signed intent at the
// principal's connected device.
func (sc *SlashCommands) startAndDispatch(ctx context.Context, ws *models.Workspace, sessionID, principal string, reason models.RunReason, kind models.CommandKind, prompt string, params json.RawMessage) (*SlashCommandResult, error) {
	deviceID, err := sc.dispatcher.DeviceForPrincipal(ctx, principal)
	if err != nil {
		return nil, err
	}
	exec, err := sc.service.StartExecution(ctx, ws.ID, sessionID, reason, "", prompt)
	if err != nil {
		return nil, err
	}
	intent := &v1.ExecutionIntent{
		IntentID:       uuid.New().String(),
		Nonce:          uuid.New().String(),
		TargetDeviceID: deviceID,
		TTLMs:          sc.intentTTL.Milliseconds(),
		IssuedAt:       time.Now().UTC(),
		WorkspaceID:    ws.ID,
		SessionID:      sessionID,
		ExecutionID:    exec.ID,
		RunReason:      string(reason),
		CommandKind:    string(kind),
		Params:         params,
		Principal:      principal,
	}
	if err := sc.dispatcher.Dispatch(ctx, intent); err != nil {
		// The runner never saw the intent; finalize so the session is not
		// stuck running.
		if _, ferr := sc.service.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusFailed, "dispatch failed: "+err.Error()); ferr != nil {
			sc.log.Error("failed to finalize undispatched execution",
				zap.String("execution_id", exec.ID), zap.Error(ferr))
		}
		return nil, err
	}
	return &SlashCommandResult{
		Action:      "dispatched",
		SessionID:   sessionID,
		ExecutionID: exec.ID,
	}, nil
}
