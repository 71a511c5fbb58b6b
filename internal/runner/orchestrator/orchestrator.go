// Package orchestrator drives one execution end to end on the runner: lease
// acquisition, worktree provisioning, snapshots, process supervision, log
// uplink, terminal finalization, and the queued follow-up chain.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/runner/client"
	"github.com/vkrun/vkrun/internal/runner/lease"
	"github.com/vkrun/vkrun/internal/runner/snapshot"
	"github.com/vkrun/vkrun/internal/runner/supervisor"
	"github.com/vkrun/vkrun/internal/runner/worktree"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// LogUplink pushes captured output lines to the control plane. The jsonl file
// written by the supervisor stays the durable copy; uplink delivery is
// best-effort.
type LogUplink interface {
	SendLog(record *v1.LogRecord)
}

// Config carries the runner-level knobs the orchestrator needs.
type Config struct {
	DeviceID string

	// DefaultExecutor is the coding-agent binary used when neither the
	// execution nor the intent names one.
	DefaultExecutor string

	// ApprovalTimeout bounds how long a push or PR operation waits for a
	// human response before failing.
	ApprovalTimeout time.Duration

	// EnsureRetries is the attempt budget for transient worktree failures
	// (lock contention from a concurrent git process).
	EnsureRetries int
}

func (c *Config) applyDefaults() {
	if c.DefaultExecutor == "" {
		c.DefaultExecutor = "vk-agent"
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 10 * time.Minute
	}
	if c.EnsureRetries <= 0 {
		c.EnsureRetries = 3
	}
}

// Orchestrator implements the dispatch IntentHandler over the runner's
// subsystems.
type Orchestrator struct {
	api       client.API
	worktrees *worktree.Manager
	sup       *supervisor.Supervisor
	snapshots *snapshot.Service
	leases    *lease.Manager
	uplink    LogUplink
	cfg       Config
	log       *logger.Logger
}

// New wires the orchestrator. uplink may be nil in tests.
func New(api client.API, worktrees *worktree.Manager, sup *supervisor.Supervisor,
	snapshots *snapshot.Service, leases *lease.Manager, uplink LogUplink,
	cfg Config, log *logger.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		api:       api,
		worktrees: worktrees,
		sup:       sup,
		snapshots: snapshots,
		leases:    leases,
		uplink:    uplink,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "orchestrator")),
	}
}

// SetUplink installs the log uplink after construction; the dispatch client
// and the orchestrator reference each other.
func (o *Orchestrator) SetUplink(uplink LogUplink) { o.uplink = uplink }

// HandleIntent runs a validated intent to its terminal state, then keeps
// draining the session's follow-up slot: each completed coding-agent run that
// finds a queued message starts and runs the next one on this device.
func (o *Orchestrator) HandleIntent(ctx context.Context, intent *v1.ExecutionIntent) error {
	exec, err := o.api.GetExecution(ctx, intent.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", intent.ExecutionID, err)
	}
	kind := models.CommandKind(intent.CommandKind)
	params := intent.Params
	for {
		next, err := o.runExecution(ctx, exec, kind, params)
		if err != nil || next == nil {
			return err
		}
		exec = next
		kind = models.CommandRunCodingAgent
		params = nil
	}
}

// HandleCancel cancels the live process for an execution, if this runner
// supervises one. Unknown executions are a no-op.
func (o *Orchestrator) HandleCancel(ctx context.Context, executionID string) {
	if handle, ok := o.sup.Lookup(executionID); ok {
		o.log.Info("cancelling execution", zap.String("execution_id", executionID))
		handle.Cancel()
	}
}

// runExecution runs a single execution under a lease and returns the chained
// follow-up execution, if the queue produced one.
func (o *Orchestrator) runExecution(ctx context.Context, exec *models.ExecutionProcess,
	kind models.CommandKind, params json.RawMessage) (*models.ExecutionProcess, error) {

	held, err := o.leases.Acquire(ctx, exec.ID, os.Getpid())
	if errors.Is(err, store.ErrAlreadyLeased) {
		// Another runner (or a prior delivery) owns this execution.
		o.log.Info("execution already leased, skipping",
			zap.String("execution_id", exec.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", exec.ID, err)
	}
	defer held.Release(context.WithoutCancel(ctx))

	ws, err := o.api.GetWorkspace(ctx, exec.WorkspaceID)
	if err != nil {
		o.fail(ctx, exec, fmt.Sprintf("failed to load workspace: %v", err))
		return nil, nil
	}
	repos, err := o.api.ListWorkspaceRepos(ctx, exec.WorkspaceID, true)
	if err != nil {
		o.fail(ctx, exec, fmt.Sprintf("failed to list workspace repos: %v", err))
		return nil, nil
	}
	if len(repos) == 0 {
		o.fail(ctx, exec, "workspace has no enabled repos")
		return nil, nil
	}

	if err := o.ensureWorktrees(ctx, ws, repos); err != nil {
		o.fail(ctx, exec, fmt.Sprintf("failed to provision worktrees: %v", err))
		return nil, nil
	}
	// The pre-run snapshot is what session reset rewinds to; running a
	// mutating operation without one would silently degrade reset.
	if err := o.snapshots.CaptureBefore(ctx, exec, repos); err != nil {
		o.fail(ctx, exec, fmt.Sprintf("failed to record pre-run snapshot: %v", err))
		return nil, nil
	}

	op, err := o.resolveOps(ws, repos, exec, kind, params)
	if err != nil {
		o.fail(ctx, exec, err.Error())
		return nil, nil
	}
	if op.approvalPrompt != "" {
		if err := o.awaitApproval(ctx, exec, kind, op.approvalPrompt); err != nil {
			o.fail(ctx, exec, err.Error())
			return nil, nil
		}
	}

	res, err := o.runOp(ctx, exec, held, op)
	if err != nil {
		o.fail(ctx, exec, fmt.Sprintf("failed to start %s: %v", kind, err))
		return nil, nil
	}
	if err := o.snapshots.CaptureAfter(ctx, exec, repos); err != nil {
		o.log.Warn("post-run snapshot failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}

	switch {
	case res.Cancelled:
		o.setStatus(ctx, exec, models.ExecutionStatusKilled, "cancelled")
		o.discardQueue(ctx, exec.SessionID)
		return nil, nil
	case res.Code != 0:
		o.setStatus(ctx, exec, models.ExecutionStatusFailed,
			fmt.Sprintf("%s exited with code %d", kind, res.Code))
		o.discardQueue(ctx, exec.SessionID)
		return nil, nil
	}
	o.setStatus(ctx, exec, models.ExecutionStatusCompleted, "")

	if exec.RunReason != models.RunReasonCodingAgent || exec.QueuedFollowUpConsumed {
		return nil, nil
	}
	return o.chainFollowUp(ctx, exec)
}

// runOp starts the resolved operation, records the supervised pid on the
// lease, streams output to the uplink, and waits for the terminal exit.
// Parallel side scripts are cancelled once the primary finishes.
func (o *Orchestrator) runOp(ctx context.Context, exec *models.ExecutionProcess,
	held *lease.Held, op *resolvedOp) (supervisor.ExitResult, error) {

	handle, err := o.sup.Run(ctx, op.primary)
	if err != nil {
		return supervisor.ExitResult{}, err
	}
	if pid := handle.Pid(); pid != 0 {
		if err := o.api.UpdateLeasePid(ctx, exec.ID, o.cfg.DeviceID, pid); err != nil {
			o.log.Warn("failed to record pid on lease",
				zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}

	var side []*supervisor.Handle
	for _, spec := range op.parallel {
		ph, err := o.sup.Run(ctx, spec)
		if err != nil {
			o.log.Warn("failed to start parallel script",
				zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		// Drain so the pump never blocks; the ring keeps the tail.
		go func(ph *supervisor.Handle) {
			for range ph.Lines() {
			}
		}(ph)
		side = append(side, ph)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-held.Lost:
			o.log.Warn("lease lost mid-run, cancelling",
				zap.String("execution_id", exec.ID))
			handle.Cancel()
		case <-stop:
		}
	}()

	for line := range handle.Lines() {
		if o.uplink != nil {
			o.uplink.SendLog(&v1.LogRecord{
				ExecutionID: exec.ID,
				Seq:         line.Seq,
				Stream:      line.Stream,
				TS:          line.TS,
				Bytes:       line.Bytes,
			})
		}
	}
	res := handle.Wait()
	close(stop)

	for _, ph := range side {
		ph.Cancel()
	}
	for _, ph := range side {
		ph.Wait()
	}
	return res, nil
}

// chainFollowUp consumes the session's queued message, marks the finished
// execution as its consumer, and starts the next coding-agent execution.
func (o *Orchestrator) chainFollowUp(ctx context.Context, exec *models.ExecutionProcess) (*models.ExecutionProcess, error) {
	qm, err := o.api.ConsumeQueuedMessage(ctx, exec.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume follow-up: %w", err)
	}
	if err := o.api.MarkFollowUpConsumed(ctx, exec.ID); err != nil {
		o.log.Warn("failed to mark follow-up consumed",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	next, err := o.api.StartExecution(ctx, exec.WorkspaceID, exec.SessionID,
		models.RunReasonCodingAgent, qm.Executor, qm.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to start follow-up execution: %w", err)
	}
	o.log.Info("chaining queued follow-up",
		zap.String("session_id", exec.SessionID),
		zap.String("execution_id", next.ID))
	return next, nil
}

// ensureWorktrees provisions every enabled repo, retrying transient git lock
// failures.
func (o *Orchestrator) ensureWorktrees(ctx context.Context, ws *models.Workspace, repos []*models.WorkspaceRepo) error {
	for _, repo := range repos {
		var lastErr error
		for attempt := 0; attempt < o.cfg.EnsureRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
				}
			}
			_, err := o.worktrees.EnsureWorktree(ctx, ws, repo)
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
			if !worktree.IsTransient(err) {
				break
			}
		}
		if lastErr != nil {
			return fmt.Errorf("repo %s: %w", repo.RepoName, lastErr)
		}
	}
	return nil
}

// awaitApproval blocks until the requested approval resolves. Anything other
// than approved is an error carrying the resolution.
func (o *Orchestrator) awaitApproval(ctx context.Context, exec *models.ExecutionProcess,
	kind models.CommandKind, prompt string) error {

	expires := time.Now().UTC().Add(o.cfg.ApprovalTimeout)
	approval, err := o.api.RequestApproval(ctx, store.ApprovalParams{
		WorkspaceID: exec.WorkspaceID,
		SessionID:   exec.SessionID,
		ExecutionID: exec.ID,
		Kind:        string(kind),
		Prompt:      prompt,
		ExpiresAt:   &expires,
	})
	if err != nil {
		return fmt.Errorf("failed to request approval: %w", err)
	}
	o.log.Info("waiting for approval",
		zap.String("execution_id", exec.ID),
		zap.String("approval_id", approval.ID),
		zap.String("kind", string(kind)))

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(o.cfg.ApprovalTimeout + time.Minute)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%s approval timed out", kind)
		case <-ticker.C:
			current, err := o.api.GetApproval(ctx, approval.ID)
			if err != nil {
				o.log.Warn("approval poll failed", zap.Error(err))
				continue
			}
			switch current.Status {
			case models.ApprovalStatusPending:
			case models.ApprovalStatusApproved:
				return nil
			default:
				return fmt.Errorf("%s %s", kind, current.Status)
			}
		}
	}
}

// fail finalizes an execution as failed and drops any queued follow-up.
func (o *Orchestrator) fail(ctx context.Context, exec *models.ExecutionProcess, msg string) {
	o.setStatus(ctx, exec, models.ExecutionStatusFailed, msg)
	o.discardQueue(ctx, exec.SessionID)
}

// setStatus applies a terminal transition, tolerating a concurrent one (the
// orphan sweeper may have finalized first).
func (o *Orchestrator) setStatus(ctx context.Context, exec *models.ExecutionProcess,
	status models.ExecutionStatus, errMsg string) {
	err := o.api.SetExecutionStatus(ctx, exec.ID, status, errMsg)
	if errors.Is(err, store.ErrTerminal) {
		o.log.Warn("execution already finalized elsewhere",
			zap.String("execution_id", exec.ID),
			zap.String("wanted", string(status)))
		return
	}
	if err != nil {
		o.log.Error("failed to finalize execution",
			zap.String("execution_id", exec.ID),
			zap.String("status", string(status)), zap.Error(err))
	}
}

func (o *Orchestrator) discardQueue(ctx context.Context, sessionID string) {
	err := o.api.DiscardQueuedMessage(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		o.log.Warn("failed to discard queued follow-up",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
