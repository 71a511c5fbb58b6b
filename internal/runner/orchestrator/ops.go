package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/runner/scriptcfg"
	"github.com/vkrun/vkrun/internal/runner/supervisor"
)

// resolvedOp is a typed operation lowered to concrete process specs. The
// primary spec carries the execution's log file; parallel side scripts keep
// only their in-memory tail and die with the primary.
type resolvedOp struct {
	primary  supervisor.OpSpec
	parallel []supervisor.OpSpec

	// approvalPrompt, when set, gates the run on a human approval.
	approvalPrompt string
}

// resolveOps lowers an intent's command kind and params to process specs.
// Script kinds resolve only against the repo's own configuration; no caller
// payload ever becomes shell.
func (o *Orchestrator) resolveOps(ws *models.Workspace, repos []*models.WorkspaceRepo,
	exec *models.ExecutionProcess, kind models.CommandKind, raw json.RawMessage) (*resolvedOp, error) {

	repo, err := targetRepo(ws, repos, repoIDFromParams(kind, raw))
	if err != nil {
		return nil, err
	}
	base := supervisor.OpSpec{
		ExecutionID: exec.ID,
		Kind:        kind,
		Dir:         o.worktrees.WorktreePath(ws.ID, repo.RepoName),
		WorkspaceID: ws.ID,
		SessionID:   exec.SessionID,
		Branch:      branchFor(ws, repo),
		LogPath:     o.worktrees.LogPath(exec.ID),
	}

	switch kind {
	case models.CommandRunCodingAgent:
		return o.resolveCodingAgent(base, exec, raw)

	case models.CommandRunSetupScript:
		var p scriptParams
		decodeParams(raw, &p)
		cfg, err := scriptcfg.Load(base.Dir)
		if err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo.RepoName, err)
		}
		command, err := setupCommand(cfg, p.ScriptName)
		if err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo.RepoName, err)
		}
		base.Command = command
		return &resolvedOp{primary: base}, nil

	case models.CommandRunCleanupScript, models.CommandRunArchiveScript, models.CommandRunDevServer:
		cfg, err := scriptcfg.Load(base.Dir)
		if err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo.RepoName, err)
		}
		name := scriptKindName(kind)
		command := cfg.ScriptFor(name)
		if command == "" {
			return nil, fmt.Errorf("repo %s defines no %s script", repo.RepoName, name)
		}
		base.Command = command
		return &resolvedOp{primary: base}, nil

	case models.CommandGitCommit:
		var p gitCommitParams
		decodeParams(raw, &p)
		if p.Message == "" {
			return nil, errors.New("git_commit requires a message")
		}
		base.Command = `git add -A && git commit -m "$VK_COMMIT_MESSAGE"`
		base.ExtraEnv = []string{"VK_COMMIT_MESSAGE=" + p.Message}
		return &resolvedOp{primary: base}, nil

	case models.CommandGitPush:
		var p gitPushParams
		decodeParams(raw, &p)
		remote := p.Remote
		if remote == "" {
			remote = "origin"
		}
		base.Command = `git push "$VK_GIT_REMOTE" HEAD`
		base.ExtraEnv = []string{"VK_GIT_REMOTE=" + remote}
		return &resolvedOp{
			primary:        base,
			approvalPrompt: fmt.Sprintf("Push %s (%s) to %s?", repo.RepoName, base.Branch, remote),
		}, nil

	case models.CommandOpenPR:
		var p pullRequestParams
		decodeParams(raw, &p)
		if p.Title != "" {
			base.Command = `gh pr create --title "$VK_PR_TITLE" --body "$VK_PR_BODY"`
			base.ExtraEnv = []string{"VK_PR_TITLE=" + p.Title, "VK_PR_BODY=" + p.Body}
		} else {
			base.Command = "gh pr create --fill"
		}
		return &resolvedOp{
			primary:        base,
			approvalPrompt: fmt.Sprintf("Open a pull request for %s (%s)?", repo.RepoName, base.Branch),
		}, nil

	case models.CommandAttachPR:
		var p pullRequestParams
		decodeParams(raw, &p)
		if p.Number <= 0 {
			return nil, errors.New("attach_pr requires a pull request number")
		}
		base.Command = fmt.Sprintf("gh pr checkout %d", p.Number)
		return &resolvedOp{primary: base}, nil

	case models.CommandTerminalSession:
		var p terminalParams
		decodeParams(raw, &p)
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		base.Command = shell
		base.PTY = true
		base.Cols = p.Cols
		base.Rows = p.Rows
		return &resolvedOp{primary: base}, nil
	}
	return nil, fmt.Errorf("%w: %q", supervisor.ErrUnknownKind, kind)
}

// resolveCodingAgent builds the agent invocation: sequential setup scripts
// chain ahead of the agent, parallel ones run alongside it.
func (o *Orchestrator) resolveCodingAgent(base supervisor.OpSpec,
	exec *models.ExecutionProcess, raw json.RawMessage) (*resolvedOp, error) {

	var p codingAgentParams
	decodeParams(raw, &p)
	prompt := p.Prompt
	if prompt == "" {
		prompt = exec.Prompt
	}
	if prompt == "" {
		return nil, errors.New("run_coding_agent requires a prompt")
	}
	executor := p.Executor
	if executor == "" {
		executor = exec.Executor
	}
	if executor == "" {
		executor = o.cfg.DefaultExecutor
	}

	base.ExtraEnv = []string{"VK_PROMPT=" + prompt}
	if p.Variant != "" {
		base.ExtraEnv = append(base.ExtraEnv, "VK_EXECUTOR_VARIANT="+p.Variant)
	}

	op := &resolvedOp{primary: base}
	cfg, err := scriptcfg.Load(base.Dir)
	if errors.Is(err, scriptcfg.ErrNoConfig) {
		op.primary.Command = executor
		return op, nil
	}
	if err != nil {
		return nil, err
	}

	var sequential []string
	for i, script := range cfg.SetupScripts {
		if script.Parallel {
			side := base
			side.ExecutionID = fmt.Sprintf("%s:setup:%d", base.ExecutionID, i)
			side.Kind = models.CommandRunSetupScript
			side.Command = script.Command
			side.LogPath = ""
			side.ExtraEnv = nil
			op.parallel = append(op.parallel, side)
			continue
		}
		sequential = append(sequential, "( "+script.Command+" )")
	}
	op.primary.Command = strings.Join(append(sequential, executor), " && ")
	return op, nil
}

// setupCommand resolves an explicit setup run: one named script, or every
// configured script chained in declaration order.
func setupCommand(cfg *scriptcfg.Config, name string) (string, error) {
	if name != "" {
		for _, script := range cfg.SetupScripts {
			if script.Name == name {
				return script.Command, nil
			}
		}
		return "", fmt.Errorf("no setup script named %q", name)
	}
	if len(cfg.SetupScripts) == 0 {
		return "", errors.New("no setup scripts configured")
	}
	parts := make([]string, 0, len(cfg.SetupScripts))
	for _, script := range cfg.SetupScripts {
		parts = append(parts, "( "+script.Command+" )")
	}
	return strings.Join(parts, " && "), nil
}

func scriptKindName(kind models.CommandKind) string {
	switch kind {
	case models.CommandRunCleanupScript:
		return "cleanup"
	case models.CommandRunArchiveScript:
		return "archive"
	case models.CommandRunDevServer:
		return "dev"
	}
	return ""
}

// targetRepo picks the repo an operation acts on: explicit param, else the
// workspace's active repo, else the first enabled one.
func targetRepo(ws *models.Workspace, repos []*models.WorkspaceRepo, workspaceRepoID string) (*models.WorkspaceRepo, error) {
	want := workspaceRepoID
	if want == "" {
		want = ws.ActiveWorkspaceRepoID
	}
	if want != "" {
		for _, repo := range repos {
			if repo.ID == want {
				return repo, nil
			}
		}
		if workspaceRepoID != "" {
			return nil, fmt.Errorf("workspace repo %s is not enabled in workspace %s", workspaceRepoID, ws.ID)
		}
	}
	return repos[0], nil
}

func branchFor(ws *models.Workspace, repo *models.WorkspaceRepo) string {
	if repo.TargetBranch != "" {
		return repo.TargetBranch
	}
	return ws.BaseBranch
}

// Param shapes mirror pkg/api/v1; decoded leniently because the validator
// already enforced the per-kind requirements at dispatch time.
type codingAgentParams struct {
	Prompt   string `json:"prompt"`
	Executor string `json:"executor"`
	Variant  string `json:"variant"`
}

type scriptParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id"`
	ScriptName      string `json:"script_name"`
}

type gitCommitParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id"`
	Message         string `json:"message"`
}

type gitPushParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id"`
	Remote          string `json:"remote"`
}

type pullRequestParams struct {
	WorkspaceRepoID string `json:"workspace_repo_id"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	Number          int    `json:"number"`
}

type terminalParams struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func decodeParams(raw json.RawMessage, out any) {
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, out)
	}
}

func repoIDFromParams(kind models.CommandKind, raw json.RawMessage) string {
	var p struct {
		WorkspaceRepoID string `json:"workspace_repo_id"`
	}
	switch kind {
	case models.CommandRunSetupScript, models.CommandRunCleanupScript,
		models.CommandRunArchiveScript, models.CommandRunDevServer,
		models.CommandGitCommit, models.CommandGitPush,
		models.CommandOpenPR, models.CommandAttachPR:
		decodeParams(raw, &p)
	}
	return p.WorkspaceRepoID
}
