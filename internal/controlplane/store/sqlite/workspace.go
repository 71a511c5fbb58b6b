package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/db/dialect"
)

// CreateWorkspace atomically inserts the workspace, its repos, and one
// session, and assigns the active pointers. Inserts nothing on failure.
func (r *Repository) CreateWorkspace(ctx context.Context, params store.CreateWorkspaceParams) (*models.Workspace, error) {
	if params.Name == "" || params.Owner == "" || params.Branch == "" {
		return nil, fmt.Errorf("workspace name, owner, and branch are required")
	}
	if len(params.Repos) == 0 {
		return nil, fmt.Errorf("workspace requires at least one repo")
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:         uuid.New().String(),
		OwnerID:    params.Owner,
		OrgID:      params.Org,
		ProjectID:  params.Project,
		Name:       params.Name,
		BaseBranch: params.Branch,
		Status:     models.SessionStatusIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sessionID := uuid.New().String()
	ws.ActiveSessionID = sessionID

	// Repo row ids are assigned up front so the parent row can carry the
	// active pointer; the workspaces insert must come first or the repo
	// foreign keys fail under immediate enforcement.
	repoRowIDs := make([]string, len(params.Repos))
	for i := range params.Repos {
		repoRowIDs[i] = uuid.New().String()
	}
	ws.ActiveWorkspaceRepoID = repoRowIDs[0]

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workspaces (
			id, owner_id, org_id, project_id, name, base_branch, status,
			archived, pinned, active_session_id, active_workspace_repo_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
	`), ws.ID, ws.OwnerID, ws.OrgID, ws.ProjectID, ws.Name, ws.BaseBranch,
		string(ws.Status), ws.ActiveSessionID, ws.ActiveWorkspaceRepoID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert workspace: %w", err)
	}

	for i, spec := range params.Repos {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO workspace_repos (
				id, workspace_id, repo_id, repo_name, source_path, target_branch,
				enabled, sort_order, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), repoRowIDs[i], ws.ID, spec.RepoID, spec.RepoName, spec.SourcePath,
			spec.TargetBranch, dialect.BoolToInt(spec.Enabled), spec.SortOrder, now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert workspace repo: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (id, workspace_id, title, status, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), sessionID, ws.ID, params.InitialSessionTitle, string(models.SessionStatusIdle), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert initial session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ws, nil
}

// GetWorkspace retrieves a workspace by id.
func (r *Repository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var archived, pinned int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, owner_id, org_id, project_id, name, base_branch, status,
		       archived, pinned, active_session_id, active_workspace_repo_id,
		       created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id).Scan(
		&ws.ID, &ws.OwnerID, &ws.OrgID, &ws.ProjectID, &ws.Name, &ws.BaseBranch,
		&ws.Status, &archived, &pinned, &ws.ActiveSessionID,
		&ws.ActiveWorkspaceRepoID, &ws.CreatedAt, &ws.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ws.Archived = archived != 0
	ws.Pinned = pinned != 0
	return ws, nil
}

// ListWorkspaces returns an owner's workspaces ordered by recency. Archived
// workspaces are hidden unless requested.
func (r *Repository) ListWorkspaces(ctx context.Context, owner string, includeArchived bool) ([]*models.Workspace, error) {
	query := `
		SELECT id, owner_id, org_id, project_id, name, base_branch, status,
		       archived, pinned, active_session_id, active_workspace_repo_id,
		       created_at, updated_at
		FROM workspaces
		WHERE owner_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Workspace
	for rows.Next() {
		ws := &models.Workspace{}
		var archived, pinned int
		err := rows.Scan(
			&ws.ID, &ws.OwnerID, &ws.OrgID, &ws.ProjectID, &ws.Name, &ws.BaseBranch,
			&ws.Status, &archived, &pinned, &ws.ActiveSessionID,
			&ws.ActiveWorkspaceRepoID, &ws.CreatedAt, &ws.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		ws.Archived = archived != 0
		ws.Pinned = pinned != 0
		result = append(result, ws)
	}
	return result, rows.Err()
}

// UpdateWorkspace patches mutable workspace fields.
func (r *Repository) UpdateWorkspace(ctx context.Context, id string, upd store.WorkspaceUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, dialect.BoolToInt(*upd.Archived))
	}
	if upd.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, dialect.BoolToInt(*upd.Pinned))
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.ActiveSessionID != nil {
		sets = append(sets, "active_session_id = ?")
		args = append(args, *upd.ActiveSessionID)
	}
	if upd.ActiveWorkspaceRepoID != nil {
		sets = append(sets, "active_workspace_repo_id = ?")
		args = append(args, *upd.ActiveWorkspaceRepoID)
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE workspaces SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteWorkspace hard-deletes a workspace. Sessions, repos, executions, and
// the rest of the tree go with it via cascading deletes.
func (r *Repository) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetWorkspaceRepo retrieves a workspace repo row by id.
func (r *Repository) GetWorkspaceRepo(ctx context.Context, id string) (*models.WorkspaceRepo, error) {
	return r.scanWorkspaceRepoRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, workspace_id, repo_id, repo_name, source_path, target_branch,
		       enabled, sort_order, created_at, updated_at
		FROM workspace_repos WHERE id = ?
	`), id))
}

// FindWorkspaceRepoByName resolves a repo by its short name within a
// workspace, used for the /<repo-name> slash-command prefix.
func (r *Repository) FindWorkspaceRepoByName(ctx context.Context, workspaceID, repoName string) (*models.WorkspaceRepo, error) {
	return r.scanWorkspaceRepoRow(r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, workspace_id, repo_id, repo_name, source_path, target_branch,
		       enabled, sort_order, created_at, updated_at
		FROM workspace_repos WHERE workspace_id = ? AND repo_name = ?
	`), workspaceID, repoName))
}

// ListWorkspaceRepos returns a workspace's repos ordered by sort order.
func (r *Repository) ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.WorkspaceRepo, error) {
	query := `
		SELECT id, workspace_id, repo_id, repo_name, source_path, target_branch,
		       enabled, sort_order, created_at, updated_at
		FROM workspace_repos
		WHERE workspace_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY sort_order ASC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.WorkspaceRepo
	for rows.Next() {
		repo := &models.WorkspaceRepo{}
		var enabled int
		err := rows.Scan(
			&repo.ID, &repo.WorkspaceID, &repo.RepoID, &repo.RepoName,
			&repo.SourcePath, &repo.TargetBranch, &enabled, &repo.SortOrder,
			&repo.CreatedAt, &repo.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		repo.Enabled = enabled != 0
		result = append(result, repo)
	}
	return result, rows.Err()
}

func (r *Repository) scanWorkspaceRepoRow(row *sql.Row) (*models.WorkspaceRepo, error) {
	repo := &models.WorkspaceRepo{}
	var enabled int
	err := row.Scan(
		&repo.ID, &repo.WorkspaceID, &repo.RepoID, &repo.RepoName,
		&repo.SourcePath, &repo.TargetBranch, &enabled, &repo.SortOrder,
		&repo.CreatedAt, &repo.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	repo.Enabled = enabled != 0
	return repo, nil
}
