package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane"
	cpdispatch "github.com/vkrun/vkrun/internal/controlplane/dispatch"
	"github.com/vkrun/vkrun/internal/controlplane/handlers"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/controlplane/store/sqlite"
	"github.com/vkrun/vkrun/internal/db"
	"github.com/vkrun/vkrun/internal/db/dialect"
	"github.com/vkrun/vkrun/internal/events/bus"
)

// newTestStack serves the real REST surface over an in-memory control plane.
func newTestStack(t *testing.T) (*HTTPClient, *controlplane.Service) {
	t.Helper()
	raw, err := db.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	conn := sqlx.NewDb(raw, dialect.SQLite3)
	repo, err := sqlite.New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	svc := controlplane.NewService(repo, eventBus, 30*time.Second, logger.Default())
	hub := cpdispatch.NewHub(svc, eventBus, logger.Default())
	slash := controlplane.NewSlashCommands(svc, hub, 30*time.Second, logger.Default())
	server := httptest.NewServer(handlers.NewServer(svc, hub, slash, logger.Default()).Router())
	t.Cleanup(server.Close)

	return NewHTTPClient(server.URL), svc
}

func createStackWorkspace(t *testing.T, svc *controlplane.Service) *models.Workspace {
	t.Helper()
	ws, err := svc.CreateWorkspace(context.Background(), store.CreateWorkspaceParams{
		Owner:  "user-1",
		Name:   "feature-x",
		Branch: "vk/feature-x",
		Repos: []store.RepoSpec{{
			RepoID:     "repo-api",
			RepoName:   "api",
			SourcePath: "/srv/git/api",
			Enabled:    true,
		}},
	})
	require.NoError(t, err)
	return ws
}

func TestHTTPClientRoundTripsDocuments(t *testing.T) {
	api, svc := newTestStack(t)
	ctx := context.Background()
	ws := createStackWorkspace(t, svc)

	got, err := api.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, ws.ID, got.ID)
	require.Equal(t, "vk/feature-x", got.BaseBranch)

	repos, err := api.ListWorkspaceRepos(ctx, ws.ID, true)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.Equal(t, "api", repos[0].RepoName)

	session, err := api.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusIdle, session.Status)
}

func TestHTTPClientMapsNotFound(t *testing.T) {
	api, _ := newTestStack(t)
	_, err := api.GetWorkspace(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = api.GetDevice(context.Background(), "dev-unknown")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHTTPClientExecutionLifecycle(t *testing.T) {
	api, svc := newTestStack(t)
	ctx := context.Background()
	ws := createStackWorkspace(t, svc)

	exec, err := api.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "do it")
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusRunning, exec.Status)

	require.NoError(t, api.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusCompleted, ""))

	// A second, different terminal transition maps back to ErrTerminal.
	err = api.SetExecutionStatus(ctx, exec.ID, models.ExecutionStatusFailed, "late")
	require.ErrorIs(t, err, store.ErrTerminal)

	execs, err := api.ListExecutionsBySession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestHTTPClientLeaseProtocol(t *testing.T) {
	api, svc := newTestStack(t)
	ctx := context.Background()
	ws := createStackWorkspace(t, svc)

	exec, err := api.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "do it")
	require.NoError(t, err)

	lease, err := api.AcquireLease(ctx, exec.ID, "dev-1", 100)
	require.NoError(t, err)
	require.Equal(t, "dev-1", lease.DeviceID)

	// A fresh lease blocks every claimant, the holder included.
	_, err = api.AcquireLease(ctx, exec.ID, "dev-1", 100)
	require.ErrorIs(t, err, store.ErrAlreadyLeased)
	_, err = api.AcquireLease(ctx, exec.ID, "dev-2", 200)
	require.ErrorIs(t, err, store.ErrAlreadyLeased)

	require.NoError(t, api.UpdateLeasePid(ctx, exec.ID, "dev-1", 4242))
	got, err := api.GetLease(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 4242, got.Pid)

	require.NoError(t, api.HeartbeatLease(ctx, exec.ID, "dev-1"))
	require.ErrorIs(t, api.HeartbeatLease(ctx, exec.ID, "dev-2"), store.ErrLeaseLost)

	require.NoError(t, api.ReleaseLease(ctx, exec.ID, "dev-1"))
	require.ErrorIs(t, api.HeartbeatLease(ctx, exec.ID, "dev-1"), store.ErrLeaseLost)
}

func TestHTTPClientQueueAndApprovals(t *testing.T) {
	api, svc := newTestStack(t)
	ctx := context.Background()
	ws := createStackWorkspace(t, svc)

	exec, err := api.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "do it")
	require.NoError(t, err)

	_, err = svc.EnqueueFollowUp(ctx, ws.ActiveSessionID, "then this", "", "", exec.ID)
	require.NoError(t, err)

	qm, err := api.ConsumeQueuedMessage(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, "then this", qm.Message)

	_, err = api.ConsumeQueuedMessage(ctx, ws.ActiveSessionID)
	require.ErrorIs(t, err, store.ErrNotFound)

	approval, err := api.RequestApproval(ctx, store.ApprovalParams{
		WorkspaceID: ws.ID,
		SessionID:   ws.ActiveSessionID,
		ExecutionID: exec.ID,
		Kind:        string(models.CommandGitPush),
		Prompt:      "Push api (vk/feature-x) to origin?",
	})
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusPending, approval.Status)

	got, err := api.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	require.Equal(t, approval.ID, got.ID)

	session, err := api.GetSession(ctx, ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusNeedsAttention, session.Status)
}

func TestHTTPClientRunningExecutionsForDevice(t *testing.T) {
	api, svc := newTestStack(t)
	ctx := context.Background()
	ws := createStackWorkspace(t, svc)

	_, err := svc.EnrollDevice(ctx, "dev-1", "user-1", "")
	require.NoError(t, err)
	device, err := api.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", device.OwningPrincipal)

	exec, err := api.StartExecution(ctx, ws.ID, ws.ActiveSessionID, models.RunReasonCodingAgent, "", "do it")
	require.NoError(t, err)
	_, err = api.AcquireLease(ctx, exec.ID, "dev-1", 100)
	require.NoError(t, err)

	running, err := api.ListRunningExecutionsForDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, exec.ID, running[0].ID)
}
