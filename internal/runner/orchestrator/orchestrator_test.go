//go:build !windows

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"os/exec"
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
	"github.com/vkrun/vkrun/internal/runner/client"
	"github.com/vkrun/vkrun/internal/runner/lease"
	"github.com/vkrun/vkrun/internal/runner/snapshot"
	"github.com/vkrun/vkrun/internal/runner/supervisor"
	"github.com/vkrun/vkrun/internal/runner/worktree"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

type runFixture struct {
	orch *Orchestrator
	api  *client.HTTPClient
	svc  *controlplane.Service
	ws   *models.Workspace
}

// newRunFixture wires the runner against a real control plane and a real git
// source repo carrying a committed .vkrun.yaml.
func newRunFixture(t *testing.T, vkrunYAML string) *runFixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}

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
	api := client.NewHTTPClient(server.URL)

	source := t.TempDir()
	git := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", source}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	git("init")
	git("config", "user.email", "test@example.com")
	git("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(source, "README.md"), []byte("hi\n"), 0o644))
	if vkrunYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(source, ".vkrun.yaml"), []byte(vkrunYAML), 0o644))
	}
	git("add", ".")
	git("commit", "-m", "initial")
	git("branch", "-M", "main")

	ctx := context.Background()
	ws, err := svc.CreateWorkspace(ctx, store.CreateWorkspaceParams{
		Owner:  "user-1",
		Name:   "feature-x",
		Branch: "vk/feature-x",
		Repos: []store.RepoSpec{{
			RepoID:     "repo-api",
			RepoName:   "api",
			SourcePath: source,
			Enabled:    true,
		}},
	})
	require.NoError(t, err)
	_, err = svc.EnrollDevice(ctx, "dev-1", "user-1", "")
	require.NoError(t, err)

	worktrees, err := worktree.NewManager(filepath.Join(t.TempDir(), "managed"), logger.Default())
	require.NoError(t, err)
	sup := supervisor.New(200*time.Millisecond, 4096, logger.Default())
	snapshots := snapshot.NewService(api, worktrees, logger.Default())
	leases := lease.NewManager(api, "dev-1", 50*time.Millisecond, logger.Default())
	orch := New(api, worktrees, sup, snapshots, leases, nil,
		Config{DeviceID: "dev-1"}, logger.Default())

	return &runFixture{orch: orch, api: api, svc: svc, ws: ws}
}

func (f *runFixture) intentFor(exec *models.ExecutionProcess, kind models.CommandKind, params any) *v1.ExecutionIntent {
	raw, _ := json.Marshal(params)
	if params == nil {
		raw = nil
	}
	return &v1.ExecutionIntent{
		IntentID:       "intent-" + exec.ID,
		Nonce:          "nonce-" + exec.ID,
		TargetDeviceID: "dev-1",
		TTLMs:          30_000,
		IssuedAt:       time.Now().UTC(),
		WorkspaceID:    exec.WorkspaceID,
		SessionID:      exec.SessionID,
		ExecutionID:    exec.ID,
		RunReason:      string(exec.RunReason),
		CommandKind:    string(kind),
		Params:         raw,
		Principal:      "user-1",
	}
}

func TestHandleIntentRunsSetupScript(t *testing.T) {
	f := newRunFixture(t, "setupScripts:\n  - name: hello\n    command: echo hello-setup\n")
	ctx := context.Background()

	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID, models.RunReasonSetup, "", "")
	require.NoError(t, err)

	err = f.orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunSetupScript,
		v1.ScriptParams{ScriptName: "hello"}))
	require.NoError(t, err)

	done, err := f.api.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, done.Status)

	// Snapshots were captured around the run.
	states, err := f.api.GetExecutionRepoStates(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].BeforeHeadCommit)
	require.NotNil(t, states[0].AfterHeadCommit)

	// The lease was released inside the terminal transition.
	_, err = f.api.GetLease(ctx, exec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleIntentFailureDiscardsQueue(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
		models.RunReasonCodingAgent, "exit 5", "break things")
	require.NoError(t, err)
	_, err = f.svc.EnqueueFollowUp(ctx, f.ws.ActiveSessionID, "never runs", "", "", exec.ID)
	require.NoError(t, err)

	err = f.orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunCodingAgent,
		v1.CodingAgentParams{Prompt: "break things", Executor: "exit 5"}))
	require.NoError(t, err)

	done, err := f.api.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, done.Status)
	require.Contains(t, done.ErrorMessage, "exited with code 5")

	qm, err := f.svc.GetQueueStatus(ctx, f.ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.QueueStateDiscarded, qm.State)
}

// snapshotFailAPI refuses to persist snapshot rows; everything else passes
// through to the real control plane.
type snapshotFailAPI struct {
	client.API
}

func (snapshotFailAPI) UpsertExecutionRepoState(context.Context, string, string, store.RepoStatePatch) error {
	return errors.New("snapshot store unavailable")
}

func TestHandleIntentFailsWithoutPreRunSnapshot(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	snapshots := snapshot.NewService(snapshotFailAPI{f.api}, f.orch.worktrees, logger.Default())
	orch := New(f.api, f.orch.worktrees, f.orch.sup, snapshots, f.orch.leases, nil,
		Config{DeviceID: "dev-1"}, logger.Default())

	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
		models.RunReasonCodingAgent, "echo never-runs", "do it")
	require.NoError(t, err)

	require.NoError(t, orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunCodingAgent,
		v1.CodingAgentParams{Prompt: "do it", Executor: "echo never-runs"})))

	done, err := f.api.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, done.Status)
	require.Contains(t, done.ErrorMessage, "pre-run snapshot")
}

func TestHandleIntentChainsQueuedFollowUp(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
		models.RunReasonCodingAgent, "echo first-run", "do the thing")
	require.NoError(t, err)
	_, err = f.svc.EnqueueFollowUp(ctx, f.ws.ActiveSessionID, "and then this", "echo follow-up-run", "", exec.ID)
	require.NoError(t, err)

	err = f.orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunCodingAgent,
		v1.CodingAgentParams{Prompt: "do the thing", Executor: "echo first-run"}))
	require.NoError(t, err)

	execs, err := f.api.ListExecutionsBySession(ctx, f.ws.ActiveSessionID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		require.Equal(t, models.ExecutionStatusCompleted, e.Status)
	}

	first, err := f.api.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, first.QueuedFollowUpConsumed)

	qm, err := f.svc.GetQueueStatus(ctx, f.ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.QueueStateConsumed, qm.State)

	session, err := f.api.GetSession(ctx, f.ws.ActiveSessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusIdle, session.Status)
}

func TestHandleIntentSkipsForeignLease(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
		models.RunReasonCodingAgent, "echo hi", "do it")
	require.NoError(t, err)
	_, err = f.api.AcquireLease(ctx, exec.ID, "dev-2", 999)
	require.NoError(t, err)

	err = f.orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunCodingAgent,
		v1.CodingAgentParams{Prompt: "do it", Executor: "echo hi"}))
	require.NoError(t, err)

	// Untouched: still running under the other device's lease.
	got, err := f.api.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusRunning, got.Status)
}

func TestHandleCancelKillsRunningExecution(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
		models.RunReasonCodingAgent, "sleep 30", "long run")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- f.orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunCodingAgent,
			v1.CodingAgentParams{Prompt: "long run", Executor: "sleep 30"}))
	}()

	require.Eventually(t, func() bool {
		_, ok := f.orch.sup.Lookup(exec.ID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	f.orch.HandleCancel(ctx, exec.ID)
	require.NoError(t, <-done)

	got, err := f.api.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusKilled, got.Status)
}

func TestResetSessionRewindsRepos(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	// Run once so the worktree exists and a before-snapshot is recorded,
	// with the executor committing a change on top of it.
	mutate := `echo change > change.txt && git add . && ` +
		`git -c user.email=test@example.com -c user.name=test commit -q -m wip`
	exec, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
		models.RunReasonCodingAgent, mutate, "mutate")
	require.NoError(t, err)
	err = f.orch.HandleIntent(ctx, f.intentFor(exec, models.CommandRunCodingAgent, v1.CodingAgentParams{
		Prompt:   "mutate",
		Executor: mutate,
	}))
	require.NoError(t, err)

	states, err := f.api.GetExecutionRepoStates(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NotEqual(t, *states[0].BeforeHeadCommit, *states[0].AfterHeadCommit)

	require.NoError(t, f.orch.ResetSession(ctx, f.ws.ActiveSessionID, exec.ID, false))

	path := f.orch.worktrees.WorktreePath(f.ws.ID, "api")
	out, err := headOf(path)
	require.NoError(t, err)
	require.Equal(t, *states[0].BeforeHeadCommit, out)

	// The target was dropped despite having completed, and the reset
	// recorded a system marker execution on top.
	execs, err := f.api.ListExecutionsBySession(ctx, f.ws.ActiveSessionID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	byID := executionsByID(execs)
	require.Equal(t, models.ExecutionStatusDropped, byID[exec.ID].Status)
	require.Equal(t, "session reset", byID[exec.ID].ErrorMessage)
}

func TestResetSessionDropsTerminalHistory(t *testing.T) {
	f := newRunFixture(t, "")
	ctx := context.Background()

	// Three completed coding-agent runs, each committing one change.
	var runs []*models.ExecutionProcess
	for i := 0; i < 3; i++ {
		cmd := fmt.Sprintf(`echo step-%d > step-%d.txt && git add . && `+
			`git -c user.email=test@example.com -c user.name=test commit -q -m step-%d`, i, i, i)
		e, err := f.api.StartExecution(ctx, f.ws.ID, f.ws.ActiveSessionID,
			models.RunReasonCodingAgent, cmd, "step")
		require.NoError(t, err)
		require.NoError(t, f.orch.HandleIntent(ctx, f.intentFor(e, models.CommandRunCodingAgent,
			v1.CodingAgentParams{Prompt: "step", Executor: cmd})))
		runs = append(runs, e)
	}

	second := runs[1]
	require.NoError(t, f.orch.ResetSession(ctx, f.ws.ActiveSessionID, second.ID, false))

	// The target and everything after it are dropped even though all three
	// had already completed; the run before the target keeps its history.
	execs, err := f.api.ListExecutionsBySession(ctx, f.ws.ActiveSessionID)
	require.NoError(t, err)
	byID := executionsByID(execs)
	require.Equal(t, models.ExecutionStatusCompleted, byID[runs[0].ID].Status)
	require.Equal(t, models.ExecutionStatusDropped, byID[runs[1].ID].Status)
	require.Equal(t, models.ExecutionStatusDropped, byID[runs[2].ID].Status)

	// Worktree rewound to the target's pre-run snapshot.
	states, err := f.api.GetExecutionRepoStates(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	head, err := headOf(f.orch.worktrees.WorktreePath(f.ws.ID, "api"))
	require.NoError(t, err)
	require.Equal(t, *states[0].BeforeHeadCommit, head)
}

func executionsByID(execs []*models.ExecutionProcess) map[string]*models.ExecutionProcess {
	byID := make(map[string]*models.ExecutionProcess, len(execs))
	for _, e := range execs {
		byID[e.ID] = e
	}
	return byID
}

func headOf(repoPath string) (string, error) {
	out, err := exec.Command("git", "-C", repoPath, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", err
	}
	return string(out[:40]), nil
}
