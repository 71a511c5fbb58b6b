package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vkrun/vkrun/internal/controlplane"
	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

func (s *Server) handleStartExecution(c *gin.Context) {
	var req v1.StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	reason, err := controlplane.ValidateRunReason(req.RunReason)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	exec, err := s.service.StartExecution(c.Request.Context(), req.WorkspaceID, req.SessionID, reason, req.Executor, req.Prompt)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.service.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleListExecutions(c *gin.Context) {
	execs, err := s.service.ListExecutionsBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) handleSetExecutionStatus(c *gin.Context) {
	var req v1.SetExecutionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	status, err := controlplane.ValidateExecutionStatus(req.Status)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	exec, err := s.service.SetExecutionStatus(c.Request.Context(), c.Param("id"), status, req.ErrorMessage)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleDropExecution(c *gin.Context) {
	var req v1.DropExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	exec, err := s.service.DropExecution(c.Request.Context(), c.Param("id"), req.ErrorMessage)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) handleMarkFollowUpConsumed(c *gin.Context) {
	if err := s.service.MarkFollowUpConsumed(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpsertRepoState(c *gin.Context) {
	var req v1.UpsertRepoStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	err := s.service.UpsertExecutionRepoState(c.Request.Context(), c.Param("id"), req.WorkspaceRepoID, store.RepoStatePatch{
		BeforeHeadCommit: req.BeforeHeadCommit,
		AfterHeadCommit:  req.AfterHeadCommit,
		RepoState:        req.RepoState,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetRepoStates(c *gin.Context) {
	states, err := s.service.GetExecutionRepoStates(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repo_states": states})
}

func (s *Server) handleEnqueueFollowUp(c *gin.Context) {
	var req v1.EnqueueFollowUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	qm, err := s.service.EnqueueFollowUp(c.Request.Context(), c.Param("id"), req.Message, req.Executor, req.Variant, req.EnqueueingExecutionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qm)
}

func (s *Server) handleGetQueueStatus(c *gin.Context) {
	qm, err := s.service.GetQueueStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qm)
}

func (s *Server) handleConsumeQueue(c *gin.Context) {
	qm, err := s.service.ConsumeQueuedMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, qm)
}

func (s *Server) handleDiscardQueue(c *gin.Context) {
	if err := s.service.DiscardQueuedMessage(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRequestApproval(c *gin.Context) {
	var req v1.RequestApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	approval, err := s.service.RequestApproval(c.Request.Context(), store.ApprovalParams{
		WorkspaceID: req.WorkspaceID,
		SessionID:   req.SessionID,
		ExecutionID: req.ExecutionID,
		Kind:        req.Kind,
		Prompt:      req.Prompt,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, approval)
}

func (s *Server) handleGetApproval(c *gin.Context) {
	approval, err := s.service.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

func (s *Server) handleRespondApproval(c *gin.Context) {
	var req v1.RespondApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	approval, err := s.service.RespondApproval(c.Request.Context(), c.Param("id"), models.ApprovalStatus(req.Status), req.RespondedBy)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

func (s *Server) handleListPendingApprovals(c *gin.Context) {
	approvals, err := s.service.ListPendingApprovals(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

func (s *Server) handleEnrollDevice(c *gin.Context) {
	var req struct {
		DeviceID        string `json:"device_id" binding:"required"`
		OwningPrincipal string `json:"owning_principal" binding:"required"`
		PublicKey       string `json:"public_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	device, err := s.service.EnrollDevice(c.Request.Context(), req.DeviceID, req.OwningPrincipal, req.PublicKey)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, device)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	device, err := s.service.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (s *Server) handleRevokeDevice(c *gin.Context) {
	if err := s.service.RevokeDevice(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRunningExecutions(c *gin.Context) {
	execs, err := s.service.ListRunningExecutionsForDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) handleGetLease(c *gin.Context) {
	lease, err := s.service.Store().GetLease(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (s *Server) handleAcquireLease(c *gin.Context) {
	var req v1.AcquireLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	lease, err := s.service.AcquireLease(c.Request.Context(), c.Param("id"), req.DeviceID, req.Pid)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lease)
}

func (s *Server) handleHeartbeatLease(c *gin.Context) {
	var req v1.HeartbeatLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.service.HeartbeatLease(c.Request.Context(), c.Param("id"), req.DeviceID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpdateLeasePid(c *gin.Context) {
	var req v1.UpdateLeasePidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.service.UpdateLeasePid(c.Request.Context(), c.Param("id"), req.DeviceID, req.Pid); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReleaseLease(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		s.badRequest(c, errMissingQuery("device_id"))
		return
	}
	if err := s.service.ReleaseLease(c.Request.Context(), c.Param("id"), deviceID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
