// Package sqlite provides the SQL-backed store implementation. Despite the
// package name it serves both SQLite and PostgreSQL through sqlx Rebind and
// the dialect helpers, matching the writer/reader pool split.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// execer is the subset of sqlx.Tx the cross-file transaction helpers use.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Rebind(query string) string
}

// Repository implements store.Store over a writer/reader connection pair.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// New creates a Repository over existing writer and reader connections and
// initializes the schema.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the writer connection. The reader is owned by the caller's
// pool and closed there.
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates the tables and the indexes the contract requires.
func (r *Repository) initSchema() error {
	if err := r.initWorkspaceSchema(); err != nil {
		return err
	}
	if err := r.initExecutionSchema(); err != nil {
		return err
	}
	if err := r.initQueueApprovalSchema(); err != nil {
		return err
	}
	return r.initRunnerSchema()
}

func (r *Repository) initWorkspaceSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		org_id TEXT DEFAULT '',
		project_id TEXT DEFAULT '',
		name TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		archived INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		active_session_id TEXT DEFAULT '',
		active_workspace_repo_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_owner_archived_updated
		ON workspaces(owner_id, archived, updated_at);

	CREATE TABLE IF NOT EXISTS workspace_repos (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_id TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		target_branch TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workspace_repos_workspace_sort
		ON workspace_repos(workspace_id, sort_order);
	CREATE INDEX IF NOT EXISTS idx_workspace_repos_workspace_enabled_sort
		ON workspace_repos(workspace_id, enabled, sort_order);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		last_used_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workspace_last_used
		ON sessions(workspace_id, last_used_at);
	`)
	return err
}

func (r *Repository) initExecutionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		run_reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		executor TEXT DEFAULT '',
		prompt TEXT DEFAULT '',
		queued_follow_up_consumed INTEGER NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session_started
		ON executions(session_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_executions_session_status_started
		ON executions(session_id, status, started_at);

	CREATE TABLE IF NOT EXISTS execution_repo_states (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		workspace_repo_id TEXT NOT NULL,
		before_head_commit TEXT,
		after_head_commit TEXT,
		repo_state TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE,
		UNIQUE(execution_id, workspace_repo_id)
	);
	`)
	return err
}

func (r *Repository) initQueueApprovalSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message TEXT NOT NULL,
		executor TEXT DEFAULT '',
		variant TEXT DEFAULT '',
		enqueueing_execution_id TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'queued',
		queued_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_queued_messages_session_state_queued
		ON queued_messages(session_id, state, queued_at);

	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		requested_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		responded_at TIMESTAMP,
		responded_by TEXT DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_session_status_requested
		ON approvals(session_id, status, requested_at);
	CREATE INDEX IF NOT EXISTS idx_approvals_execution_status_requested
		ON approvals(execution_id, status, requested_at);
	`)
	return err
}

func (r *Repository) initRunnerSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS device_enrollments (
		device_id TEXT PRIMARY KEY,
		owning_principal TEXT NOT NULL,
		public_key TEXT NOT NULL DEFAULT '',
		enrolled_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runner_leases (
		execution_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		acquired_at TIMESTAMP NOT NULL,
		heartbeat_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runner_leases_device
		ON runner_leases(device_id);
	`)
	return err
}
