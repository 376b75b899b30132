// Package api wires the broker's HTTP surface: the v1 route tree backed by
// the auth, guardrail, orchestrator, and store components.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bradax/broker/internal/config"
	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/middleware"
	"github.com/bradax/broker/internal/models"
	"github.com/bradax/broker/internal/orchestrator"
	"github.com/bradax/broker/internal/provider"
	"github.com/bradax/broker/internal/ratelimit"
	"github.com/bradax/broker/internal/security"
	"github.com/bradax/broker/internal/store"
	"github.com/bradax/broker/internal/telemetry"
)

// Server bundles every dependency the HTTP handlers need.
type Server struct {
	cfg          config.Config
	projects     *store.ProjectStore
	rules        *store.RuleStore
	operators    *store.OperatorStore
	orchestrator *orchestrator.Orchestrator
	telemetry    *telemetry.Writer
	limiter      *ratelimit.Limiter
	metrics      *metrics.Metrics
	masterSecret []byte
}

// NewServer constructs a Server from its dependencies.
func NewServer(cfg config.Config, projects *store.ProjectStore, rules *store.RuleStore, operators *store.OperatorStore, orch *orchestrator.Orchestrator, writer *telemetry.Writer, limiter *ratelimit.Limiter, m *metrics.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		projects:     projects,
		rules:        rules,
		operators:    operators,
		orchestrator: orch,
		telemetry:    writer,
		limiter:      limiter,
		metrics:      m,
		masterSecret: []byte(cfg.MasterJWTSecret),
	}
}

// Router builds the fully-wired Gin engine: the fixed middleware chain
// applied to every route, then the v1 route tree.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(s.telemetry))
	r.Use(middleware.TrustedHosts(nil))
	r.Use(middleware.DevCORS(s.cfg.IsProduction()))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit(s.limiter, s.metrics))
	r.Use(middleware.RequestLogger(s.metrics))

	r.GET("/health", s.handleHealth)
	r.GET("/api/v1/system/info", s.handleSystemInfo)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	protected := r.Group("/api/v1")
	protected.Use(middleware.TelemetryValidation(s.telemetry))
	{
		protected.POST("/auth/token", s.handleIssueToken)
		protected.POST("/auth/validate", s.handleValidateToken)
		protected.POST("/llm/invoke", s.authRequired(), s.handleInvoke)
		protected.GET("/llm/models", s.authRequired(), s.handleModels)
		protected.POST("/system/telemetry", s.handleIngestTelemetry)

		protected.POST("/admin/login", s.handleAdminLogin)
		admin := protected.Group("/projects")
		admin.Use(s.adminRequired())
		{
			admin.GET("", s.handleListProjects)
			admin.GET("/:project_id", s.handleGetProject)
			admin.POST("", s.handleCreateProject)
			admin.PUT("/:project_id", s.handleUpdateProject)
			admin.DELETE("/:project_id", s.handleDeleteProject)
		}
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "bradax-broker",
		"env":     s.cfg.Env,
		"time":    time.Now().UTC(),
	})
}

// tokenRequest is the body of POST /auth/token.
type tokenRequest struct {
	ProjectID string `json:"project_id"`
	APIKey    string `json:"api_key"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var body tokenRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	project, ok := s.projects.Get(body.ProjectID)
	if !ok || !project.IsActive() {
		s.recordAuthEvent(body.ProjectID, "denied", "auth_unknown_project", "")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_unknown_project"})
		return
	}
	if err := security.VerifyAPIKey(body.APIKey, project.ProjectID, project.APIKeyHash); err != nil {
		s.recordAuthEvent(body.ProjectID, "denied", err.Error(), "")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_invalid"})
		return
	}

	expiry := time.Duration(s.cfg.JWTExpireMinutes) * time.Minute
	token, expiresAt, err := security.IssueToken(s.masterSecret, project.ProjectID, project.Organization, []string{"invoke"}, expiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	s.metrics.TokensIssued.Inc()
	s.recordAuthEvent(project.ProjectID, "issued", "", security.KeyID(project.ProjectID))
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_at":   expiresAt,
		"token_type":   "Bearer",
	})
}

func (s *Server) handleValidateToken(c *gin.Context) {
	principal, err := s.verifyBearer(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"project_id": principal.ProjectID,
		"scopes":     principal.Scopes,
		"expires_at": principal.ExpiresAt,
	})
}

// invokeRequestBody is the JSON body of POST /llm/invoke.
type invokeRequestBody struct {
	Operation        string                    `json:"operation"`
	Model            string                    `json:"model"`
	Payload          invokePayload             `json:"payload"`
	ProjectID        string                    `json:"project_id"`
	CustomGuardrails []models.GuardrailRule    `json:"custom_guardrails,omitempty"`
	RequestID        string                    `json:"request_id,omitempty"`
}

type invokePayload struct {
	Messages    []provider.Message `json:"messages,omitempty"`
	Prompt      string             `json:"prompt,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

func (s *Server) handleInvoke(c *gin.Context) {
	principal := mustPrincipal(c)

	var body invokeRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, orchestrator.InvokeResponse{
			Success:    false,
			ReasonCode: orchestrator.ReasonValidationError,
			ModelUsed:  orchestrator.ModelUsedValidationError,
		})
		return
	}

	messages := body.Payload.Messages
	if len(messages) == 0 && body.Payload.Prompt != "" {
		messages = []provider.Message{{Role: "user", Content: body.Payload.Prompt}}
	}

	req := orchestrator.InvokeRequest{
		RequestID:        body.RequestID,
		Operation:        body.Operation,
		ModelID:          body.Model,
		Messages:         messages,
		Params:           provider.Params{MaxTokens: body.Payload.MaxTokens, Temperature: body.Payload.Temperature},
		CustomGuardrails: body.CustomGuardrails,
	}

	resp, err := s.orchestrator.Invoke(c.Request.Context(), principal, req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleModels(c *gin.Context) {
	principal := mustPrincipal(c)
	project, ok := s.projects.Get(principal.ProjectID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown project"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": project.AllowedModels})
}

func (s *Server) handleIngestTelemetry(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) recordAuthEvent(projectID, outcome, reason, kid string) {
	_ = s.telemetry.RecordEvent(models.TelemetryEvent{
		EventType: models.EventAuthentication,
		Authentication: &models.AuthenticationPayload{
			ProjectID: projectID,
			Outcome:   outcome,
			Reason:    reason,
			KeyID:     kid,
		},
	})
}

func (s *Server) verifyBearer(c *gin.Context) (*models.Principal, error) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return nil, security.ErrInvalidToken
	}
	return security.VerifyToken(s.masterSecret, token)
}

// authRequired verifies the bearer token and stores the principal in the
// Gin context for downstream handlers.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := s.verifyBearer(c)
		if err != nil {
			s.recordAuthEvent("", "denied", err.Error(), "")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("principal", principal)
		c.Set("project_id", principal.ProjectID)
		c.Next()
	}
}

func mustPrincipal(c *gin.Context) *models.Principal {
	v, _ := c.Get("principal")
	p, _ := v.(*models.Principal)
	return p
}
