package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/runner/client"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// Validator applies the envelope checks a runner performs before executing
// an intent: device binding, enrollment, principal authorization, nonce
// replay, TTL, and per-kind parameter shape.
type Validator struct {
	api      client.API
	deviceID string
	nonces   *nonceCache
}

// NewValidator creates a validator for this device with a bounded nonce LRU.
func NewValidator(api client.API, deviceID string, nonceCacheSize int) *Validator {
	return &Validator{
		api:      api,
		deviceID: deviceID,
		nonces:   newNonceCache(nonceCacheSize),
	}
}

// Validate checks the intent. A nil reject means the intent is accepted;
// accepted intents have their nonce recorded.
func (v *Validator) Validate(ctx context.Context, intent *v1.ExecutionIntent, now time.Time) *v1.IntentAck {
	reject := func(reason v1.RejectReason, detail string) *v1.IntentAck {
		return &v1.IntentAck{
			IntentID: intent.IntentID,
			Nonce:    intent.Nonce,
			Accepted: false,
			Reason:   reason,
			Detail:   detail,
		}
	}

	if intent.TargetDeviceID != v.deviceID {
		return reject(v1.RejectDeviceMismatch, "intent targets "+intent.TargetDeviceID)
	}

	device, err := v.api.GetDevice(ctx, v.deviceID)
	if err != nil {
		return reject(v1.RejectNotAuthorized, "device not enrolled")
	}
	if device.RevokedAt != nil {
		return reject(v1.RejectNotAuthorized, "device revoked")
	}
	if intent.Principal == "" || intent.Principal != device.OwningPrincipal {
		return reject(v1.RejectNotAuthorized, "principal not authorized for this device")
	}

	if intent.Expired(now) {
		return reject(v1.RejectTTLExpired, "intent ttl elapsed")
	}

	if err := validateParams(intent); err != nil {
		return reject(v1.RejectInvalidParams, err.Error())
	}

	// Nonce check last: a rejected intent must not burn its nonce.
	if !v.nonces.Remember(intent.Nonce) {
		return reject(v1.RejectReplayedNonce, "nonce already seen")
	}
	return nil
}

// validateParams checks the per-kind parameter schema.
func validateParams(intent *v1.ExecutionIntent) error {
	kind := models.CommandKind(intent.CommandKind)
	if !models.ValidCommandKind(kind) {
		return &paramError{"unknown command kind " + intent.CommandKind}
	}
	switch kind {
	case models.CommandRunCodingAgent:
		var p v1.CodingAgentParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return &paramError{"malformed coding agent params"}
		}
		if p.Prompt == "" {
			return &paramError{"coding agent requires a prompt"}
		}
	case models.CommandRunSetupScript, models.CommandRunCleanupScript,
		models.CommandRunArchiveScript, models.CommandRunDevServer:
		var p v1.ScriptParams
		if len(intent.Params) > 0 {
			if err := json.Unmarshal(intent.Params, &p); err != nil {
				return &paramError{"malformed script params"}
			}
		}
	case models.CommandGitCommit:
		var p v1.GitCommitParams
		if err := json.Unmarshal(intent.Params, &p); err != nil || p.Message == "" {
			return &paramError{"git commit requires a message"}
		}
	case models.CommandGitPush:
		var p v1.GitPushParams
		if len(intent.Params) > 0 {
			if err := json.Unmarshal(intent.Params, &p); err != nil {
				return &paramError{"malformed git push params"}
			}
		}
	case models.CommandOpenPR, models.CommandAttachPR:
		var p v1.PullRequestParams
		if err := json.Unmarshal(intent.Params, &p); err != nil {
			return &paramError{"malformed pull request params"}
		}
		if kind == models.CommandAttachPR && p.Number <= 0 {
			return &paramError{"attach requires a pull request number"}
		}
	case models.CommandTerminalSession:
		var p v1.TerminalParams
		if len(intent.Params) > 0 {
			if err := json.Unmarshal(intent.Params, &p); err != nil {
				return &paramError{"malformed terminal params"}
			}
		}
	}
	return nil
}

type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }
