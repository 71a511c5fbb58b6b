package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	"github.com/vkrun/vkrun/internal/runner/client"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// enrollmentAPI fakes the one control-plane call the validator makes.
type enrollmentAPI struct {
	client.API
	device *models.DeviceEnrollment
	err    error
}

func (f *enrollmentAPI) GetDevice(_ context.Context, _ string) (*models.DeviceEnrollment, error) {
	return f.device, f.err
}

func enrolledAPI() *enrollmentAPI {
	return &enrollmentAPI{device: &models.DeviceEnrollment{
		DeviceID:        "dev-1",
		OwningPrincipal: "user-1",
	}}
}

func agentIntent(nonce string) *v1.ExecutionIntent {
	params, _ := json.Marshal(v1.CodingAgentParams{Prompt: "add a healthcheck"})
	return &v1.ExecutionIntent{
		IntentID:       "intent-1",
		Nonce:          nonce,
		TargetDeviceID: "dev-1",
		TTLMs:          30_000,
		IssuedAt:       time.Now().UTC(),
		WorkspaceID:    "ws-1",
		SessionID:      "sess-1",
		ExecutionID:    "exec-1",
		RunReason:      string(models.RunReasonCodingAgent),
		CommandKind:    string(models.CommandRunCodingAgent),
		Params:         params,
		Principal:      "user-1",
	}
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-1", 16)
	require.Nil(t, v.Validate(context.Background(), agentIntent("n-1"), time.Now().UTC()))
}

func TestValidateDeviceMismatch(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-2", 16)
	ack := v.Validate(context.Background(), agentIntent("n-1"), time.Now().UTC())
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectDeviceMismatch, ack.Reason)
}

func TestValidateNotEnrolled(t *testing.T) {
	v := NewValidator(&enrollmentAPI{err: store.ErrNotFound}, "dev-1", 16)
	ack := v.Validate(context.Background(), agentIntent("n-1"), time.Now().UTC())
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectNotAuthorized, ack.Reason)
}

func TestValidateRevokedDevice(t *testing.T) {
	api := enrolledAPI()
	revoked := time.Now().UTC()
	api.device.RevokedAt = &revoked
	v := NewValidator(api, "dev-1", 16)
	ack := v.Validate(context.Background(), agentIntent("n-1"), time.Now().UTC())
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectNotAuthorized, ack.Reason)
}

func TestValidateWrongPrincipal(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-1", 16)
	intent := agentIntent("n-1")
	intent.Principal = "someone-else"
	ack := v.Validate(context.Background(), intent, time.Now().UTC())
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectNotAuthorized, ack.Reason)
}

func TestValidateTTLExpired(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-1", 16)
	intent := agentIntent("n-1")
	intent.IssuedAt = time.Now().UTC().Add(-time.Minute)
	ack := v.Validate(context.Background(), intent, time.Now().UTC())
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectTTLExpired, ack.Reason)
}

func TestValidateParamShapes(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-1", 16)
	now := time.Now().UTC()

	missingPrompt := agentIntent("n-1")
	missingPrompt.Params, _ = json.Marshal(v1.CodingAgentParams{})
	ack := v.Validate(context.Background(), missingPrompt, now)
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectInvalidParams, ack.Reason)

	attach := agentIntent("n-2")
	attach.CommandKind = string(models.CommandAttachPR)
	attach.Params, _ = json.Marshal(v1.PullRequestParams{Number: 0})
	ack = v.Validate(context.Background(), attach, now)
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectInvalidParams, ack.Reason)

	unknown := agentIntent("n-3")
	unknown.CommandKind = "rm_rf"
	ack = v.Validate(context.Background(), unknown, now)
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectInvalidParams, ack.Reason)
}

func TestValidateNonceReplay(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-1", 16)
	now := time.Now().UTC()

	require.Nil(t, v.Validate(context.Background(), agentIntent("n-1"), now))

	ack := v.Validate(context.Background(), agentIntent("n-1"), now)
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectReplayedNonce, ack.Reason)
}

func TestRejectedIntentKeepsNonceFresh(t *testing.T) {
	v := NewValidator(enrolledAPI(), "dev-1", 16)
	now := time.Now().UTC()

	// First delivery fails the TTL check; the nonce must survive for a
	// correctly reissued intent.
	stale := agentIntent("n-1")
	stale.IssuedAt = now.Add(-time.Minute)
	ack := v.Validate(context.Background(), stale, now)
	require.NotNil(t, ack)
	require.Equal(t, v1.RejectTTLExpired, ack.Reason)

	require.Nil(t, v.Validate(context.Background(), agentIntent("n-1"), now))
}
