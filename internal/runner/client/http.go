package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/vkrun/vkrun/internal/common/errors"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// HTTPClient implements API over the control-plane REST surface.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the control plane at baseURL
// (e.g. http://localhost:8420).
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// decodeError maps the API error body back onto the store sentinels the
// runner branches on.
func decodeError(resp *http.Response) error {
	var body v1.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, body.Message)
	case http.StatusConflict:
		msg := strings.ToLower(body.Message)
		switch {
		case strings.Contains(msg, "leased"):
			return fmt.Errorf("%w: %s", store.ErrAlreadyLeased, body.Message)
		case strings.Contains(msg, "lease"):
			return fmt.Errorf("%w: %s", store.ErrLeaseLost, body.Message)
		case strings.Contains(msg, "terminal"):
			return fmt.Errorf("%w: %s", store.ErrTerminal, body.Message)
		case strings.Contains(msg, "pending"):
			return fmt.Errorf("%w: %s", store.ErrNotPending, body.Message)
		}
		return apperrors.Conflict(body.Message)
	default:
		return &apperrors.AppError{Code: body.Code, Message: body.Message, HTTPStatus: resp.StatusCode}
	}
}

func (c *HTTPClient) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	if err := c.do(ctx, http.MethodGet, "/workspaces/"+url.PathEscape(id), nil, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func (c *HTTPClient) ListWorkspaceRepos(ctx context.Context, workspaceID string, enabledOnly bool) ([]*models.WorkspaceRepo, error) {
	path := "/workspaces/" + url.PathEscape(workspaceID) + "/repos"
	if enabledOnly {
		path += "?enabled=true"
	}
	var out struct {
		Repos []*models.WorkspaceRepo `json:"repos"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Repos, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *HTTPClient) GetExecution(ctx context.Context, id string) (*models.ExecutionProcess, error) {
	exec := &models.ExecutionProcess{}
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (c *HTTPClient) GetDevice(ctx context.Context, deviceID string) (*models.DeviceEnrollment, error) {
	device := &models.DeviceEnrollment{}
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID), nil, device); err != nil {
		return nil, err
	}
	return device, nil
}

func (c *HTTPClient) StartExecution(ctx context.Context, workspaceID, sessionID string, reason models.RunReason, executor, prompt string) (*models.ExecutionProcess, error) {
	exec := &models.ExecutionProcess{}
	err := c.do(ctx, http.MethodPost, "/executions", v1.StartExecutionRequest{
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		RunReason:   string(reason),
		Executor:    executor,
		Prompt:      prompt,
	}, exec)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (c *HTTPClient) SetExecutionStatus(ctx context.Context, id string, status models.ExecutionStatus, errorMessage string) error {
	return c.do(ctx, http.MethodPut, "/executions/"+url.PathEscape(id)+"/status", v1.SetExecutionStatusRequest{
		Status:       string(status),
		ErrorMessage: errorMessage,
	}, nil)
}

func (c *HTTPClient) DropExecution(ctx context.Context, id string, errorMessage string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/drop", v1.DropExecutionRequest{
		ErrorMessage: errorMessage,
	}, nil)
}

func (c *HTTPClient) MarkFollowUpConsumed(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/follow-up-consumed", nil, nil)
}

func (c *HTTPClient) ListExecutionsBySession(ctx context.Context, sessionID string) ([]*models.ExecutionProcess, error) {
	var out struct {
		Executions []*models.ExecutionProcess `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/executions", nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

func (c *HTTPClient) UpsertExecutionRepoState(ctx context.Context, executionID, workspaceRepoID string, patch store.RepoStatePatch) error {
	return c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/repo-state", v1.UpsertRepoStateRequest{
		WorkspaceRepoID:  workspaceRepoID,
		BeforeHeadCommit: patch.BeforeHeadCommit,
		AfterHeadCommit:  patch.AfterHeadCommit,
		RepoState:        patch.RepoState,
	}, nil)
}

func (c *HTTPClient) GetExecutionRepoStates(ctx context.Context, executionID string) ([]*models.ExecutionProcessRepoState, error) {
	var out struct {
		RepoStates []*models.ExecutionProcessRepoState `json:"repo_states"`
	}
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/repo-state", nil, &out); err != nil {
		return nil, err
	}
	return out.RepoStates, nil
}

func (c *HTTPClient) ConsumeQueuedMessage(ctx context.Context, sessionID string) (*models.QueuedMessage, error) {
	qm := &models.QueuedMessage{}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/queue/consume", nil, qm); err != nil {
		return nil, err
	}
	return qm, nil
}

func (c *HTTPClient) DiscardQueuedMessage(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID)+"/queue", nil, nil)
}

func (c *HTTPClient) RequestApproval(ctx context.Context, params store.ApprovalParams) (*models.Approval, error) {
	approval := &models.Approval{}
	err := c.do(ctx, http.MethodPost, "/approvals", v1.RequestApprovalRequest{
		WorkspaceID: params.WorkspaceID,
		SessionID:   params.SessionID,
		ExecutionID: params.ExecutionID,
		Kind:        params.Kind,
		Prompt:      params.Prompt,
		ExpiresAt:   params.ExpiresAt,
	}, approval)
	if err != nil {
		return nil, err
	}
	return approval, nil
}

func (c *HTTPClient) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	approval := &models.Approval{}
	if err := c.do(ctx, http.MethodGet, "/approvals/"+url.PathEscape(id), nil, approval); err != nil {
		return nil, err
	}
	return approval, nil
}

func (c *HTTPClient) GetLease(ctx context.Context, executionID string) (*models.RunnerLease, error) {
	lease := &models.RunnerLease{}
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/lease", nil, lease); err != nil {
		return nil, err
	}
	return lease, nil
}

func (c *HTTPClient) AcquireLease(ctx context.Context, executionID, deviceID string, pid int) (*models.RunnerLease, error) {
	lease := &models.RunnerLease{}
	err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/lease", v1.AcquireLeaseRequest{
		DeviceID: deviceID,
		Pid:      pid,
	}, lease)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (c *HTTPClient) UpdateLeasePid(ctx context.Context, executionID, deviceID string, pid int) error {
	return c.do(ctx, http.MethodPatch, "/executions/"+url.PathEscape(executionID)+"/lease", v1.UpdateLeasePidRequest{
		DeviceID: deviceID,
		Pid:      pid,
	}, nil)
}

func (c *HTTPClient) HeartbeatLease(ctx context.Context, executionID, deviceID string) error {
	return c.do(ctx, http.MethodPut, "/executions/"+url.PathEscape(executionID)+"/lease", v1.HeartbeatLeaseRequest{
		DeviceID: deviceID,
	}, nil)
}

func (c *HTTPClient) ReleaseLease(ctx context.Context, executionID, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/executions/"+url.PathEscape(executionID)+"/lease?device_id="+url.QueryEscape(deviceID), nil, nil)
}

func (c *HTTPClient) ListRunningExecutionsForDevice(ctx context.Context, deviceID string) ([]*models.ExecutionProcess, error) {
	var out struct {
		Executions []*models.ExecutionProcess `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/running-executions", nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}
