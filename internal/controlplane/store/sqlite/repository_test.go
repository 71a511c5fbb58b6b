package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/db"
	"github.com/vkrun/vkrun/internal/db/dialect"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "controlplane.db"))
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	repo, err := New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func createTestWorkspace(t *testing.T, repo *Repository, repoNames ...string) *models.Workspace {
	t.Helper()
	if len(repoNames) == 0 {
		repoNames = []string{"api"}
	}
	specs := make([]store.RepoSpec, len(repoNames))
	for i, name := range repoNames {
		specs[i] = store.RepoSpec{
			RepoID:     "repo-" + name,
			RepoName:   name,
			SourcePath: "/srv/git/" + name,
			Enabled:    true,
			SortOrder:  i,
		}
	}
	ws, err := repo.CreateWorkspace(context.Background(), store.CreateWorkspaceParams{
		Owner:  "user-1",
		Name:   "feature-x",
		Branch: "vk/feature-x",
		Repos:  specs,
	})
	require.NoError(t, err)
	return ws
}

func TestCreateWorkspaceAtomic(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ws := createTestWorkspace(t, repo, "api", "web")
	require.NotEmpty(t, ws.ID)
	require.Equal(t, models.SessionStatusIdle, ws.Status)
	require.NotEmpty(t, ws.ActiveSessionID)
	require.NotEmpty(t, ws.ActiveWorkspaceRepoID)

	// The initial session exists and is idle.
	session, err := repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, ws.ID, session.WorkspaceID)
	require.Equal(t, models.SessionStatusIdle, session.Status)

	// Repos come back in sort order and the active pointer names the first.
	repos, err := repo.ListWorkspaceRepos(ctx, ws.ID, false)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	require.Equal(t, "api", repos[0].RepoName)
	require.Equal(t, ws.ActiveWorkspaceRepoID, repos[0].ID)

	found, err := repo.FindWorkspaceRepoByName(ctx, ws.ID, "web")
	require.NoError(t, err)
	require.Equal(t, repos[1].ID, found.ID)
}

func TestCreateWorkspaceRequiresRepos(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.CreateWorkspace(context.Background(), store.CreateWorkspaceParams{
		Owner:  "user-1",
		Name:   "empty",
		Branch: "vk/empty",
	})
	require.Error(t, err)
}

func TestCreateWorkspaceUnderEnforcedForeignKeys(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	// The connection enforces foreign keys immediately, so an orphan child
	// row must be rejected...
	_, err := repo.db.ExecContext(ctx, repo.db.Rebind(`
		INSERT INTO workspace_repos (id, workspace_id, repo_id, repo_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), "orphan", "no-such-workspace", "repo-x", "x", time.Now().UTC(), time.Now().UTC())
	require.Error(t, err)

	// ...and the atomic create must still succeed by inserting the parent
	// row ahead of its repos and session.
	ws := createTestWorkspace(t, repo, "api", "web")
	repos, err := repo.ListWorkspaceRepos(ctx, ws.ID, false)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	_, err = repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
}

func TestListWorkspacesHidesArchived(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ws := createTestWorkspace(t, repo)
	archived := true
	require.NoError(t, repo.UpdateWorkspace(ctx, ws.ID, store.WorkspaceUpdate{Archived: &archived}))

	visible, err := repo.ListWorkspaces(ctx, "user-1", false)
	require.NoError(t, err)
	require.Empty(t, visible)

	all, err := repo.ListWorkspaces(ctx, "user-1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Archived)
}

func TestExecutionLifecycleProjectsSession(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "agent", "do the thing")
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusRunning, exec.Status)

	session, err := repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRunning, session.Status)

	// Active session status mirrors onto the workspace.
	wsNow, err := repo.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRunning, wsNow.Status)

	require.NoError(t, repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusCompleted, ""))

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	session, err = repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusIdle, session.Status)
}

func TestSetExecutionStatusTerminalOnce(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonSetup, "", "")
	require.NoError(t, err)

	require.NoError(t, repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusFailed, "setup script exited 1"))

	// Identical transition is an idempotent no-op.
	require.NoError(t, repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusFailed, "setup script exited 1"))

	// Any different transition out of a terminal state is rejected.
	err = repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusCompleted, "")
	require.ErrorIs(t, err, store.ErrTerminal)
	err = repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusRunning, "")
	require.ErrorIs(t, err, store.ErrTerminal)

	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, got.Status)
	require.Equal(t, "setup script exited 1", got.ErrorMessage)
}

func TestDropExecutionOverridesTerminalState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "agent", "do it")
	require.NoError(t, err)
	require.NoError(t, repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusCompleted, ""))

	// A session reset supersedes completed history, which the ordinary
	// transition path refuses.
	err = repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusDropped, "session reset")
	require.ErrorIs(t, err, store.ErrTerminal)

	require.NoError(t, repo.DropExecution(ctx, exec.ID, "session reset"))
	got, err := repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusDropped, got.Status)
	require.Equal(t, "session reset", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	// Re-dropping is an idempotent no-op; unknown ids are not found.
	require.NoError(t, repo.DropExecution(ctx, exec.ID, "session reset"))
	require.ErrorIs(t, repo.DropExecution(ctx, "nope", ""), store.ErrNotFound)

	// The session reprojects from the dropped execution.
	session, err := repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusIdle, session.Status)
}

func TestSessionProjectionUsesLatestExecution(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	older, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonSetup, "", "")
	require.NoError(t, err)
	newer, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "agent", "p")
	require.NoError(t, err)

	// Finishing an older execution does not move the session off the most
	// recent one, which is still running.
	require.NoError(t, repo.SetExecutionStatus(ctx, older.ID, models.ExecutionStatusCompleted, ""))
	session, err := repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRunning, session.Status)

	require.NoError(t, repo.SetExecutionStatus(ctx, newer.ID, models.ExecutionStatusKilled, ""))
	session, err = repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusNeedsAttention, session.Status)
}

func TestPendingApprovalOverridesProjection(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "agent", "p")
	require.NoError(t, err)

	approval, err := repo.RequestApproval(ctx, store.ApprovalParams{
		WorkspaceID: ws.ID,
		SessionID:   ws.ActiveSessionID,
		ExecutionID: exec.ID,
		Kind:        "git_push",
		Prompt:      "push to origin?",
	})
	require.NoError(t, err)

	session, err := repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusNeedsAttention, session.Status)

	// The completed execution would project idle, but the pending approval
	// keeps the session flagged.
	require.NoError(t, repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusCompleted, ""))
	session, err = repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusNeedsAttention, session.Status)

	require.NoError(t, repo.RespondApproval(ctx, approval.ID, models.ApprovalStatusApproved, "user-1"))
	session, err = repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusIdle, session.Status)
}

func TestRespondApprovalNotPending(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "")
	require.NoError(t, err)
	approval, err := repo.RequestApproval(ctx, store.ApprovalParams{
		WorkspaceID: ws.ID,
		SessionID:   ws.ActiveSessionID,
		ExecutionID: exec.ID,
		Kind:        "open_pr",
		Prompt:      "open a PR?",
	})
	require.NoError(t, err)

	require.NoError(t, repo.RespondApproval(ctx, approval.ID, models.ApprovalStatusRejected, "user-1"))
	err = repo.RespondApproval(ctx, approval.ID, models.ApprovalStatusApproved, "user-2")
	require.ErrorIs(t, err, store.ErrNotPending)
}

func TestExpireApprovals(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "")
	require.NoError(t, err)
	require.NoError(t, repo.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusCompleted, ""))

	deadline := time.Now().UTC().Add(-time.Minute)
	approval, err := repo.RequestApproval(ctx, store.ApprovalParams{
		WorkspaceID: ws.ID,
		SessionID:   ws.ActiveSessionID,
		ExecutionID: exec.ID,
		Kind:        "git_push",
		Prompt:      "push?",
		ExpiresAt:   &deadline,
	})
	require.NoError(t, err)

	expired, err := repo.ExpireApprovals(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, approval.ID, expired[0].ID)
	require.Equal(t, models.ApprovalStatusExpired, expired[0].Status)

	// The session reprojects once nothing is pending.
	session, err := repo.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusIdle, session.Status)

	// Nothing left to expire.
	expired, err = repo.ExpireApprovals(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestQueueSingleSlotOverwrites(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	first, err := repo.EnqueueFollowUp(ctx, ws.ActiveSessionID, "first draft", "agent", "", "")
	require.NoError(t, err)
	second, err := repo.EnqueueFollowUp(ctx, ws.ActiveSessionID, "second draft", "agent", "fast", "")
	require.NoError(t, err)

	// The slot holds one message; a newer enqueue replaces it in place.
	require.Equal(t, first.ID, second.ID)
	require.False(t, second.QueuedAt.Before(first.QueuedAt))

	queued, err := repo.GetQueueStatus(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, "second draft", queued.Message)
	require.Equal(t, "fast", queued.Variant)

	consumed, err := repo.ConsumeQueuedMessage(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, "second draft", consumed.Message)
	require.Equal(t, models.QueueStateConsumed, consumed.State)
	require.NotNil(t, consumed.ResolvedAt)

	_, err = repo.GetQueueStatus(ctx, ws.ActiveSessionID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = repo.ConsumeQueuedMessage(ctx, ws.ActiveSessionID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueueDiscard(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	_, err := repo.EnqueueFollowUp(ctx, ws.ActiveSessionID, "stale follow-up", "", "", "")
	require.NoError(t, err)
	require.NoError(t, repo.DiscardQueuedMessage(ctx, ws.ActiveSessionID))

	_, err = repo.GetQueueStatus(ctx, ws.ActiveSessionID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.DiscardQueuedMessage(ctx, ws.ActiveSessionID), store.ErrNotFound)
}

func TestRepoStatePartialPatch(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)
	repos, err := repo.ListWorkspaceRepos(ctx, ws.ID, false)
	require.NoError(t, err)
	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "")
	require.NoError(t, err)

	before := "aaaa1111"
	require.NoError(t, repo.UpsertExecutionRepoState(ctx, exec.ID, repos[0].ID, store.RepoStatePatch{
		BeforeHeadCommit: &before,
	}))

	// A later patch with only the after commit keeps the before commit.
	after := "bbbb2222"
	require.NoError(t, repo.UpsertExecutionRepoState(ctx, exec.ID, repos[0].ID, store.RepoStatePatch{
		AfterHeadCommit: &after,
	}))

	states, err := repo.GetExecutionRepoStates(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].BeforeHeadCommit)
	require.Equal(t, before, *states[0].BeforeHeadCommit)
	require.NotNil(t, states[0].AfterHeadCommit)
	require.Equal(t, after, *states[0].AfterHeadCommit)
}

func TestDeviceEnrollmentLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnrollDevice(ctx, "laptop-1", "user-1", "pk-1")
	require.NoError(t, err)

	require.NoError(t, repo.RevokeDevice(ctx, "laptop-1"))
	require.NoError(t, repo.RevokeDevice(ctx, "laptop-1")) // idempotent

	d, err := repo.GetDevice(ctx, "laptop-1")
	require.NoError(t, err)
	require.NotNil(t, d.RevokedAt)

	// Re-enrollment clears revocation.
	_, err = repo.EnrollDevice(ctx, "laptop-1", "user-1", "pk-2")
	require.NoError(t, err)
	d, err = repo.GetDevice(ctx, "laptop-1")
	require.NoError(t, err)
	require.Nil(t, d.RevokedAt)
	require.Equal(t, "pk-2", d.PublicKey)

	require.ErrorIs(t, repo.RevokeDevice(ctx, "missing"), store.ErrNotFound)
}

func TestLeaseAcquireAndReclaim(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)
	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "")
	require.NoError(t, err)

	ttl := 30 * time.Second
	lease, err := repo.AcquireLease(ctx, exec.ID, "laptop-1", 4242, ttl)
	require.NoError(t, err)
	require.Equal(t, 4242, lease.Pid)

	// A fresh lease blocks every claimant, including the holder.
	_, err = repo.AcquireLease(ctx, exec.ID, "laptop-2", 1, ttl)
	require.ErrorIs(t, err, store.ErrAlreadyLeased)
	_, err = repo.AcquireLease(ctx, exec.ID, "laptop-1", 4242, ttl)
	require.ErrorIs(t, err, store.ErrAlreadyLeased)

	require.NoError(t, repo.HeartbeatLease(ctx, exec.ID, "laptop-1", ttl))
	require.ErrorIs(t, repo.HeartbeatLease(ctx, exec.ID, "laptop-2", ttl), store.ErrLeaseLost)

	// A stale lease is reclaimable by another device.
	shortTTL := time.Millisecond
	time.Sleep(5 * time.Millisecond)
	reclaimed, err := repo.AcquireLease(ctx, exec.ID, "laptop-2", 99, shortTTL)
	require.NoError(t, err)
	require.Equal(t, "laptop-2", reclaimed.DeviceID)

	// The previous holder has lost the lease.
	require.ErrorIs(t, repo.HeartbeatLease(ctx, exec.ID, "laptop-1", ttl), store.ErrLeaseLost)

	require.NoError(t, repo.ReleaseLease(ctx, exec.ID, "laptop-2"))
	_, err = repo.GetLease(ctx, exec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListExpiredLeases(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)
	exec, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "")
	require.NoError(t, err)

	_, err = repo.AcquireLease(ctx, exec.ID, "laptop-1", 1, 30*time.Second)
	require.NoError(t, err)

	fresh, err := repo.ListExpiredLeases(ctx, time.Now().UTC(), 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, fresh)

	stale, err := repo.ListExpiredLeases(ctx, time.Now().UTC().Add(time.Minute), 30*time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, exec.ID, stale[0].ExecutionID)
}

func TestListRunningExecutionsForDevice(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, repo)

	running, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "")
	require.NoError(t, err)
	finished, err := repo.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonSetup, "", "")
	require.NoError(t, err)
	require.NoError(t, repo.SetExecutionStatus(ctx, finished.ID, models.ExecutionStatusCompleted, ""))

	ttl := 30 * time.Second
	_, err = repo.AcquireLease(ctx, running.ID, "laptop-1", 1, ttl)
	require.NoError(t, err)
	_, err = repo.AcquireLease(ctx, finished.ID, "laptop-1", 2, ttl)
	require.NoError(t, err)

	execs, err := repo.ListRunningExecutionsForDevice(ctx, "laptop-1")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, running.ID, execs[0].ID)

	execs, err = repo.ListRunningExecutionsForDevice(ctx, "laptop-2")
	require.NoError(t, err)
	require.Empty(t, execs)
}
