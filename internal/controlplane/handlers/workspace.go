package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vkrun/vkrun/internal/controlplane/models"
	"github.com/vkrun/vkrun/internal/controlplane/store"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var req v1.CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	repos := make([]store.RepoSpec, len(req.Repos))
	for i, r := range req.Repos {
		repos[i] = store.RepoSpec{
			RepoID:       r.RepoID,
			RepoName:     r.RepoName,
			SourcePath:   r.SourcePath,
			TargetBranch: r.TargetBranch,
			Enabled:      r.Enabled,
			SortOrder:    r.SortOrder,
		}
	}
	ws, err := s.service.CreateWorkspace(c.Request.Context(), store.CreateWorkspaceParams{
		Owner:               req.Owner,
		Org:                 req.Org,
		Project:             req.Project,
		Name:                req.Name,
		Branch:              req.Branch,
		Repos:               repos,
		InitialSessionTitle: req.InitialSessionTitle,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		s.badRequest(c, errMissingQuery("owner"))
		return
	}
	includeArchived := c.Query("include_archived") == "true"
	workspaces, err := s.service.ListWorkspaces(c.Request.Context(), owner, includeArchived)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	ws, err := s.service.GetWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (s *Server) handleUpdateWorkspace(c *gin.Context) {
	var req v1.UpdateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	upd := store.WorkspaceUpdate{
		Name:                  req.Name,
		Archived:              req.Archived,
		Pinned:                req.Pinned,
		ActiveSessionID:       req.ActiveSessionID,
		ActiveWorkspaceRepoID: req.ActiveWorkspaceRepoID,
	}
	if req.Status != nil {
		status := models.SessionStatus(*req.Status)
		upd.Status = &status
	}
	ws, err := s.service.UpdateWorkspace(c.Request.Context(), c.Param("id"), upd)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	if err := s.service.DeleteWorkspace(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListWorkspaceRepos(c *gin.Context) {
	enabledOnly := c.Query("enabled") == "true"
	repos, err := s.service.ListWorkspaceRepos(c.Request.Context(), c.Param("id"), enabledOnly)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repos": repos})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	session, err := s.service.CreateSession(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.service.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleSlashCommand(c *gin.Context) {
	var req v1.SlashCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	result, err := s.slash.Execute(c.Request.Context(), req.WorkspaceID, req.SessionID, req.Principal, req.Command)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type missingQueryError string

func (e missingQueryError) Error() string { return string(e) + " query parameter is required" }

func errMissingQuery(name string) error { return missingQueryError(name) }
