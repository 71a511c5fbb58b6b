package controlplane

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/controlplane/store/sqlite"
	"github.com/vkrun/vkrun/internal/db"
	"github.com/vkrun/vkrun/internal/db/dialect"
	"github.com/vkrun/vkrun/internal/events/bus"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

func newTestService(t *testing.T, leaseTTL time.Duration) (*Service, bus.EventBus) {
	t.Helper()
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	repo, err := sqlite.New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return NewService(repo, eventBus, leaseTTL, logger.Default()), eventBus
}

func createServiceWorkspace(t *testing.T, svc *Service, repoNames ...string) *models.Workspace {
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
	ws, err := svc.CreateWorkspace(context.Background(), store.CreateWorkspaceParams{
		Owner:  "user-1",
		Name:   "feature-x",
		Branch: "vk/feature-x",
		Repos:  specs,
	})
	require.NoError(t, err)
	return ws
}

type fakeDispatcher struct {
	deviceID    string
	dispatchErr error
	intents     []*v1.ExecutionIntent
}

func (f *fakeDispatcher) Dispatch(_ context.Context, intent *v1.ExecutionIntent) error {
	f.intents = append(f.intents, intent)
	return f.dispatchErr
}

func (f *fakeDispatcher) DeviceForPrincipal(_ context.Context, _ string) (string, error) {
	if f.deviceID == "" {
		return "", errors.New("no device online")
	}
	return f.deviceID, nil
}

func TestCreateWorkspacePublishesEvent(t *testing.T) {
	svc, eventBus := newTestService(t, 30*time.Second)

	events := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe("controlplane.workspaces.*", func(_ context.Context, e *bus.Event) error {
		events <- e
		return nil
	})
	require.NoError(t, err)

	ws := createServiceWorkspace(t, svc)
	select {
	case e := <-events:
		require.Equal(t, "controlplane.workspaces.created", e.Type)
		require.Equal(t, "controlplane", e.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no workspace event published")
	}
	require.NotEmpty(t, ws.ActiveSessionID)
}

func TestSlashFollowUpQueuesMessage(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc)
	slash := NewSlashCommands(svc, &fakeDispatcher{deviceID: "dev-1"}, 30*time.Second, logger.Default())

	res, err := slash.Execute(ctx, ws.ID, "", "user-1", "/follow-up fix the failing tests")
	require.NoError(t, err)
	require.Equal(t, "follow_up_queued", res.Action)

	qm, err := svc.GetQueueStatus(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, "fix the failing tests", qm.Message)
	require.Equal(t, models.QueueStateQueued, qm.State)
}

func TestSlashRunDispatchesIntent(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc)
	disp := &fakeDispatcher{deviceID: "dev-1"}
	slash := NewSlashCommands(svc, disp, 30*time.Second, logger.Default())

	res, err := slash.Execute(ctx, ws.ID, "", "user-1", "/run setup")
	require.NoError(t, err)
	require.Equal(t, "dispatched", res.Action)
	require.Len(t, disp.intents, 1)

	intent := disp.intents[0]
	require.Equal(t, "dev-1", intent.TargetDeviceID)
	require.Equal(t, string(models.CommandRunSetupScript), intent.CommandKind)
	require.Equal(t, "user-1", intent.Principal)
	require.NotEmpty(t, intent.IntentID)
	require.NotEmpty(t, intent.Nonce)
	require.Equal(t, int64(30000), intent.TTLMs)
	require.False(t, intent.Expired(time.Now().UTC()))

	exec, err := svc.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusRunning, exec.Status)
	require.Equal(t, models.RunReasonSetup, exec.RunReason)
}

func TestSlashDispatchFailureFinalizesExecution(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc)
	disp := &fakeDispatcher{deviceID: "dev-1", dispatchErr: errors.New("socket closed")}
	slash := NewSlashCommands(svc, disp, 30*time.Second, logger.Default())

	_, err := slash.Execute(ctx, ws.ID, "", "user-1", "/commit fix typo")
	require.Error(t, err)

	execs, err := svc.ListExecutionsBySession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, models.ExecutionStatusFailed, execs[0].Status)
	require.Contains(t, execs[0].ErrorMessage, "dispatch failed")

	// The failed dispatch must not leave the session stuck running.
	session, err := svc.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusNeedsAttention, session.Status)
}

func TestSlashRepoPrefixRetargets(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc, "api", "web")
	disp := &fakeDispatcher{deviceID: "dev-1"}
	slash := NewSlashCommands(svc, disp, 30*time.Second, logger.Default())

	_, err := slash.Execute(ctx, ws.ID, "", "user-1", "/web /run setup")
	require.NoError(t, err)
	require.Len(t, disp.intents, 1)

	web, err := svc.Store().FindWorkspaceRepoByName(ctx, ws.ID, "web")
	require.NoError(t, err)
	require.Contains(t, string(disp.intents[0].Params), web.ID)
}

func TestSlashNewSessionSetsActive(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc)
	slash := NewSlashCommands(svc, &fakeDispatcher{deviceID: "dev-1"}, 30*time.Second, logger.Default())

	res, err := slash.Execute(ctx, ws.ID, "", "user-1", "/new-session try another angle")
	require.NoError(t, err)
	require.Equal(t, "session_created", res.Action)
	require.NotEqual(t, ws.ActiveSessionID, res.SessionID)

	updated, err := svc.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, res.SessionID, updated.ActiveSessionID)
}

func TestSlashUnknownCommandRejected(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ws := createServiceWorkspace(t, svc)
	slash := NewSlashCommands(svc, &fakeDispatcher{deviceID: "dev-1"}, 30*time.Second, logger.Default())

	_, err := slash.Execute(context.Background(), ws.ID, "", "user-1", "/frobnicate")
	require.Error(t, err)
}

func TestSweeperDropsExpiredLeases(t *testing.T) {
	svc, _ := newTestService(t, time.Millisecond)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc)

	exec, err := svc.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "do things")
	require.NoError(t, err)
	_, err = svc.AcquireLease(ctx, exec.ID, "dev-1", 42)
	require.NoError(t, err)
	_, err = svc.EnqueueFollowUp(ctx, ws.ActiveSessionID, "and then this", "", "", exec.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	NewOrphanSweeper(svc, time.Minute, logger.Default()).SweepOnce(ctx)

	dropped, err := svc.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusDropped, dropped.Status)

	_, err = svc.Store().GetLease(ctx, exec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	qm, err := svc.GetQueueStatus(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.QueueStateDiscarded, qm.State)
}

func TestReaperExpiresOverdueApprovals(t *testing.T) {
	svc, _ := newTestService(t, 30*time.Second)
	ctx := context.Background()
	ws := createServiceWorkspace(t, svc)

	exec, err := svc.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonSystem, "", "")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	approval, err := svc.RequestApproval(ctx, store.ApprovalParams{
		WorkspaceID: ws.ID,
		SessionID:   ws.ActiveSessionID,
		ExecutionID: exec.ID,
		Kind:        string(models.CommandGitPush),
		Prompt:      "Push api (vk/feature-x) to origin?",
		ExpiresAt:   &past,
	})
	require.NoError(t, err)

	NewApprovalReaper(svc, time.Minute, logger.Default()).ReapOnce(ctx)

	expired, err := svc.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusExpired, expired.Status)

	// With the pending approval gone the running execution projects again.
	session, err := svc.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRunning, session.Status)
}
