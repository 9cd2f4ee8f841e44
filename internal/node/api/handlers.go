package api

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/webai/webai/internal/common/config"
	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/httpmw"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/model"
	"github.com/webai/webai/internal/task/engine"
	"github.com/webai/webai/internal/trust"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// Handler contains the HTTP handlers for the node API.
type Handler struct {
	engine   *engine.Engine
	keyring  *trust.Keyring
	catalog  *model.Catalog
	nodeCfg  config.NodeConfig
	agentCfg config.AgentConfig
	logger   *logger.Logger
	version  string

	// enrollMu guards the single-use enrollment token. The token is
	// consumed on first successful installation and cannot be reused
	// within the same process.
	enrollMu    sync.Mutex
	enrollToken string
}

// NewHandler creates the node API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		engine:      deps.Engine,
		keyring:     deps.Keyring,
		catalog:     deps.Catalog,
		nodeCfg:     deps.Node,
		agentCfg:    deps.Agent,
		logger:      deps.Logger,
		version:     deps.Version,
		enrollToken: deps.Node.EnrollToken,
	}
}

// Health answers liveness probes.
// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NodeInfo reports the node's identity and readiness. Consumed by the
// head's status probe, so it must stay cheap and unauthenticated.
// GET /api/node/info
func (h *Handler) NodeInfo(c *gin.Context) {
	issues := []string{}
	if h.nodeCfg.RequireAuth && h.keyring.Empty() {
		issues = append(issues, "no trusted head public keys installed")
	}
	if h.agentCfg.OpenAIAPIKey == "" {
		issues = append(issues, "OPENAI_API_KEY is not set")
	}

	h.enrollMu.Lock()
	enrollConfigured := h.enrollToken != ""
	h.enrollMu.Unlock()

	c.JSON(http.StatusOK, v1.NodeInfo{
		NodeID:      h.nodeCfg.ID,
		NodeName:    h.nodeCfg.Name,
		Version:     h.version,
		Ready:       len(issues) == 0,
		RequireAuth: h.nodeCfg.RequireAuth,
		TrustedKeys: h.keyring.Len(),
		Enrollment: v1.NodeEnrollment{
			Required:   h.nodeCfg.RequireAuth && h.keyring.Empty(),
			Configured: enrollConfigured,
		},
		Issues: issues,
	})
}

// ConfigDefaults serves the UI bootstrap payload.
// GET /api/config/defaults
func (h *Handler) ConfigDefaults(c *gin.Context) {
	temperature := h.agentCfg.Temperature

	c.JSON(http.StatusOK, v1.ConfigDefaults{
		Model:                         h.agentCfg.Model,
		Temperature:                   &temperature,
		MaxSteps:                      h.agentCfg.MaxStepsDefault,
		SupportedModels:               h.catalog.Supported(),
		RefreshSeconds:                h.nodeCfg.RefreshSeconds,
		OpenAIBaseURL:                 h.agentCfg.OpenAIBaseURL,
		LeaveBrowserOpen:              false,
		ReasoningEffortOptions:        model.ReasoningEfforts,
		ReasoningEffortOptionsByModel: h.catalog.EffortsByModel(),
		SchedulingEnabled:             true,
		ScheduleCheckSeconds:          h.nodeCfg.ScheduleCheckSeconds,
	})
}

// InstallHeadKey enrolls a head public key. The token must match the
// node's enrollment token, which is consumed on first success.
// POST /api/admin/head-key
func (h *Handler) InstallHeadKey(c *gin.Context) {
	var req v1.HeadKeyInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("public_key and token are required"))
		return
	}

	h.enrollMu.Lock()
	defer h.enrollMu.Unlock()

	if h.enrollToken == "" {
		httpmw.WriteError(c, h.logger, apperrors.Forbidden("Enrollment is not enabled on this node."))
		return
	}
	if req.Token != h.enrollToken {
		httpmw.WriteError(c, h.logger, apperrors.Forbidden("Invalid enrollment token."))
		return
	}

	keyID, err := h.keyring.Install([]byte(req.PublicKey))
	if err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("public_key is not a valid Ed25519 public key PEM"))
		return
	}

	// Single use: a second installation needs a node restart with a
	// fresh token.
	h.enrollToken = ""
	h.logger.Info("Head key enrolled", zap.String("key_id", keyID))

	c.JSON(http.StatusOK, v1.HeadKeyInstallResponse{Installed: true, KeyID: keyID})
}

// CreateTask creates a new task.
// POST /api/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("Request body is not valid JSON."))
		return
	}

	detail, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, detail)
}

// ListTasks returns summaries of every task on this node.
// GET /api/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, v1.TasksResponse{Tasks: h.engine.List()})
}

// GetTask returns a task's record, steps, and chat history.
// GET /api/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	detail, err := h.engine.Get(c.Param("taskId"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ClaimTask lets the head resolve which node owns a task without
// transferring the task body.
// HEAD /api/tasks/:taskId
func (h *Handler) ClaimTask(c *gin.Context) {
	if !h.engine.Has(c.Param("taskId")) {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

// DeleteTask stops any live run and removes the task.
// DELETE /api/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	if err := h.engine.Delete(c.Request.Context(), c.Param("taskId")); err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AssistTask answers a task's pending assistance request.
// POST /api/tasks/:taskId/assist
func (h *Handler) AssistTask(c *gin.Context) {
	var req v1.AssistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("Request body is not valid JSON."))
		return
	}

	detail, err := h.engine.Assist(c.Request.Context(), c.Param("taskId"), req.Message)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ContinueTask starts a follow-up run on the preserved browser session.
// POST /api/tasks/:taskId/continue
func (h *Handler) ContinueTask(c *gin.Context) {
	var req v1.ContinueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("Request body is not valid JSON."))
		return
	}

	detail, err := h.engine.Continue(c.Request.Context(), c.Param("taskId"), req.Instructions)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// StopTask cooperatively cancels a live run.
// POST /api/tasks/:taskId/stop
func (h *Handler) StopTask(c *gin.Context) {
	detail, err := h.engine.Stop(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// RunTaskNow promotes a scheduled task immediately.
// POST /api/tasks/:taskId/run-now
func (h *Handler) RunTaskNow(c *gin.Context) {
	detail, err := h.engine.RunNow(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// RescheduleTask moves a scheduled task to a new start time.
// POST /api/tasks/:taskId/schedule
func (h *Handler) RescheduleTask(c *gin.Context) {
	var req v1.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("scheduled_for must be a valid RFC3339 timestamp"))
		return
	}

	detail, err := h.engine.Reschedule(c.Request.Context(), c.Param("taskId"), req.ScheduledFor)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// OpenBrowser opens a preserved browser session for the task.
// POST /api/tasks/:taskId/open-browser
func (h *Handler) OpenBrowser(c *gin.Context) {
	detail, err := h.engine.OpenBrowser(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// CloseBrowser closes the task's browser session and revokes its token.
// POST /api/tasks/:taskId/close-browser
func (h *Handler) CloseBrowser(c *gin.Context) {
	detail, err := h.engine.CloseBrowser(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// AdminVNC rotates the task's VNC token and returns a fresh launch URL.
// POST /api/tasks/:taskId/admin-vnc
func (h *Handler) AdminVNC(c *gin.Context) {
	resp, err := h.engine.AdminVNC(c.Param("taskId"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
