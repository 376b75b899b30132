package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bradax/broker/internal/models"
	"github.com/bradax/broker/internal/security"
)

// adminLoginRequest is the body of POST /admin/login.
type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var body adminLoginRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	username := strings.TrimSpace(body.Username)
	operator, ok := s.operators.Get(username)
	if !ok || !security.CheckPassword(operator.PasswordHash, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := security.GenerateAdminToken(s.cfg.AdminSessionSecret, username, time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "Bearer"})
}

// adminRequired verifies an admin session token issued by handleAdminLogin.
func (s *Server) adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			return
		}
		claims, err := security.ParseAdminToken(s.cfg.AdminSessionSecret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("admin_username", claims.Username)
		c.Next()
	}
}

func (s *Server) handleListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": s.projects.List()})
}

func (s *Server) handleGetProject(c *gin.Context) {
	project, ok := s.projects.Get(c.Param("project_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var project models.Project
	if err := c.ShouldBindJSON(&project); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if project.APIKeyHash == "" {
		hash, err := security.GenerateAPIKeyHash()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		project.APIKeyHash = hash
	}

	stored, err := s.projects.Upsert(project)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	apiKey, err := security.GenerateAPIKey(stored.ProjectID, stored.Organization, stored.APIKeyHash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": stored, "api_key": apiKey})
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	projectID := c.Param("project_id")
	var project models.Project
	if err := c.ShouldBindJSON(&project); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	project.ProjectID = projectID

	existing, ok := s.projects.Get(projectID)
	if ok {
		project.CreatedAt = existing.CreatedAt
		if project.APIKeyHash == "" {
			project.APIKeyHash = existing.APIKeyHash
		}
	}

	stored, err := s.projects.Upsert(project)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.projects.Delete(c.Param("project_id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.Status(http.StatusNoContent)
}
