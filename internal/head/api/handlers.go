package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/webai/webai/internal/common/config"
	apperrors "github.com/webai/webai/internal/common/errors"
	"github.com/webai/webai/internal/common/httpmw"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/head"
	v1 "github.com/webai/webai/pkg/api/v1"
)

// Handler implements the head's UI-facing endpoints. Task routes are
// deliberately thin: resolve the owning node, forward, relay the node's
// reply unchanged so its validation messages and status codes survive
// the hop.
type Handler struct {
	router    *head.Router
	publicKey string
	keyID     string
	headCfg   config.HeadConfig
	logger    *logger.Logger
}

// NewHandler wires the head handler set.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		router:    deps.Router,
		publicKey: deps.PublicKey,
		keyID:     deps.KeyID,
		headCfg:   deps.Head,
		logger:    deps.Logger,
	}
}

// Health serves the liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Defaults proxies the UI bootstrap payload from the first reachable node.
func (h *Handler) Defaults(c *gin.Context) {
	defaults, err := h.router.Defaults(c.Request.Context())
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, defaults)
}

// Nodes returns the probed node statuses plus the head's public key, and
// the enrollment token while one is configured.
func (h *Handler) Nodes(c *gin.Context) {
	resp := v1.NodesResponse{
		Nodes:     h.router.NodeStatuses(c.Request.Context()),
		PublicKey: h.publicKey,
	}
	if h.headCfg.EnrollToken != "" {
		resp.EnrollToken = h.headCfg.EnrollToken
	}
	c.JSON(http.StatusOK, resp)
}

// PublicKey exposes the head's signing key so operators can install it on
// nodes out of band.
func (h *Handler) PublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, v1.PublicKeyResponse{PublicKey: h.publicKey, KeyID: h.keyID})
}

// CreateTask picks the target node and forwards the raw create body. Only
// node_id is parsed here; the node validates everything else so its exact
// messages reach the caller.
func (h *Handler) CreateTask(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("Unable to read request body."))
		return
	}
	var probe struct {
		NodeID string `json:"node_id"`
	}
	_ = json.Unmarshal(body, &probe)

	node, err := h.router.PickCreateNode(probe.NodeID)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	resp, err := h.router.CreateTask(c.Request.Context(), node, body)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	relay(c, resp)
}

// ListTasks fans out to every node and merges the results.
func (h *Handler) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.router.ListTasks(c.Request.Context()))
}

// GetTask forwards a task detail request to its owning node.
func (h *Handler) GetTask(c *gin.Context) {
	h.proxy(c, http.MethodGet, "")
}

// DeleteTask forwards a delete and drops the affinity entry on success.
func (h *Handler) DeleteTask(c *gin.Context) {
	h.proxy(c, http.MethodDelete, "")
}

// TaskAction returns a handler forwarding POST /api/tasks/{id}/{action}.
func (h *Handler) TaskAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.proxy(c, http.MethodPost, action)
	}
}

// InstallHeadKey pushes the head's own public key to the named node using
// the operator-supplied enrollment token.
func (h *Handler) InstallHeadKey(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.WriteError(c, h.logger, apperrors.InvalidInput("token is required"))
		return
	}
	resp, err := h.router.InstallHeadKey(c.Request.Context(), c.Param("nodeId"), h.publicKey, req.Token)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	relay(c, resp)
}

// proxy resolves the owning node and forwards the request. action, when
// non-empty, is the POST subroute under the task.
func (h *Handler) proxy(c *gin.Context, method, action string) {
	taskID := c.Param("taskId")

	var body []byte
	if method == http.MethodPost {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			httpmw.WriteError(c, h.logger, apperrors.InvalidInput("Unable to read request body."))
			return
		}
		body = data
	}

	node, err := h.router.ResolveTaskNode(c.Request.Context(), taskID, c.Query("node_id"))
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}

	path := "/api/tasks/" + taskID
	if action != "" {
		path += "/" + action
	}
	resp, err := h.router.ProxyTask(c.Request.Context(), node, method, path, body)
	if err != nil {
		httpmw.WriteError(c, h.logger, err)
		return
	}
	if method == http.MethodDelete && resp.Status == http.StatusNoContent {
		h.router.ForgetTask(taskID)
	}
	relay(c, resp)
}

// relay writes a node reply through unchanged.
func relay(c *gin.Context, resp *head.NodeResponse) {
	if resp.Status == http.StatusNoContent || len(resp.Body) == 0 {
		c.Status(resp.Status)
		return
	}
	c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
}
