// Package handlers provides the control-plane HTTP mutation surface.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/vkrun/vkrun/internal/common/errors"
	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane"
	"github.com/vkrun/vkrun/internal/controlplane/dispatch"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// Server is the control-plane HTTP server: REST mutations, the slash-command
// endpoint, and the dispatch websocket.
type Server struct {
	service *controlplane.Service
	hub     *dispatch.Hub
	slash   *controlplane.SlashCommands
	log     *logger.Logger
	router  *gin.Engine
}

// NewServer wires routes over the mutation service and dispatch hub.
func NewServer(service *controlplane.Service, hub *dispatch.Hub, slash *controlplane.SlashCommands, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		service: service,
		hub:     hub,
		slash:   slash,
		log:     log.WithFields(zap.String("component", "api-server")),
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.POST("/workspaces", s.handleCreateWorkspace)
		api.GET("/workspaces", s.handleListWorkspaces)
		api.GET("/workspaces/:id", s.handleGetWorkspace)
		api.PATCH("/workspaces/:id", s.handleUpdateWorkspace)
		api.DELETE("/workspaces/:id", s.handleDeleteWorkspace)
		api.GET("/workspaces/:id/repos", s.handleListWorkspaceRepos)
		api.POST("/workspaces/:id/sessions", s.handleCreateSession)
		api.GET("/workspaces/:id/sessions", s.handleListSessions)

		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/executions", s.handleListExecutions)
		api.PUT("/sessions/:id/queue", s.handleEnqueueFollowUp)
		api.GET("/sessions/:id/queue", s.handleGetQueueStatus)
		api.POST("/sessions/:id/queue/consume", s.handleConsumeQueue)
		api.DELETE("/sessions/:id/queue", s.handleDiscardQueue)

		api.POST("/executions", s.handleStartExecution)
		api.GET("/executions/:id", s.handleGetExecution)
		api.PUT("/executions/:id/status", s.handleSetExecutionStatus)
		api.POST("/executions/:id/drop", s.handleDropExecution)
		api.POST("/executions/:id/follow-up-consumed", s.handleMarkFollowUpConsumed)
		api.POST("/executions/:id/repo-state", s.handleUpsertRepoState)
		api.GET("/executions/:id/repo-state", s.handleGetRepoStates)
		api.GET("/executions/:id/approvals", s.handleListPendingApprovals)
		api.GET("/executions/:id/lease", s.handleGetLease)
		api.POST("/executions/:id/lease", s.handleAcquireLease)
		api.PUT("/executions/:id/lease", s.handleHeartbeatLease)
		api.PATCH("/executions/:id/lease", s.handleUpdateLeasePid)
		api.DELETE("/executions/:id/lease", s.handleReleaseLease)

		api.POST("/approvals", s.handleRequestApproval)
		api.GET("/approvals/:id", s.handleGetApproval)
		api.POST("/approvals/:id/respond", s.handleRespondApproval)

		api.POST("/devices", s.handleEnrollDevice)
		api.GET("/devices/:id", s.handleGetDevice)
		api.DELETE("/devices/:id", s.handleRevokeDevice)
		api.GET("/devices/:id/running-executions", s.handleListRunningExecutions)

		api.POST("/commands", s.handleSlashCommand)
		api.GET("/dispatch", s.hub.HandleWS)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError maps store sentinels and AppErrors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Code: apperrors.ErrCodeNotFound, Message: err.Error()})
	case errors.Is(err, store.ErrAlreadyLeased),
		errors.Is(err, store.ErrLeaseLost),
		errors.Is(err, store.ErrNotPending),
		errors.Is(err, store.ErrTerminal):
		c.JSON(http.StatusConflict, v1.ErrorResponse{Code: apperrors.ErrCodeConflict, Message: err.Error()})
	default:
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			c.JSON(appErr.HTTPStatus, v1.ErrorResponse{Code: appErr.Code, Message: appErr.Message})
			return
		}
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Code: apperrors.ErrCodeInternalError, Message: "internal error"})
	}
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, v1.ErrorResponse{Code: apperrors.ErrCodeBadRequest, Message: err.Error()})
}
