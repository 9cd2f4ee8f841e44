// Package api exposes the node's HTTP surface: task operations, the VNC
// WebSocket endpoint, node info, config defaults, and key enrollment.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/httpmw"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/metrics"
	"github.com/webai/webai/internal/model"
	"github.com/webai/webai/internal/task/engine"
	"github.com/webai/webai/internal/trust"
	"github.com/webai/webai/internal/vnc"
)

// Deps collects everything the node API needs. Handlers receive it as an
// explicit bag so tests can substitute fakes.
type Deps struct {
	Engine   *engine.Engine
	Proxy    *vnc.Proxy
	Verifier *trust.Verifier
	Keyring  *trust.Keyring
	Node     config.NodeConfig
	Agent    config.AgentConfig
	Catalog  *model.Catalog
	Logger   *logger.Logger
	Version  string
}

// NewRouter builds the node's gin engine. Task routes are wrapped in the
// envelope middleware; health, info, defaults, enrollment, metrics, and
// the VNC endpoint stay outside it (the VNC endpoint authenticates with
// its own per-task token).
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(httpmw.Recovery(deps.Logger))
	router.Use(httpmw.RequestLogger(deps.Logger))
	router.Use(httpmw.CORS())

	handler := NewHandler(deps)

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/vnc/:taskId", deps.Proxy.Handle)

	api := router.Group("/api")
	{
		api.GET("/node/info", handler.NodeInfo)
		api.GET("/config/defaults", handler.ConfigDefaults)
		api.POST("/admin/head-key", httpmw.RateLimit(1, 5), handler.InstallHeadKey)
	}

	tasks := api.Group("/tasks")
	tasks.Use(EnvelopeAuth(deps.Verifier, deps.Keyring, deps.Node.RequireAuth, deps.Logger))
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.HEAD("/:taskId", handler.ClaimTask)
		tasks.DELETE("/:taskId", handler.DeleteTask)
		tasks.POST("/:taskId/assist", handler.AssistTask)
		tasks.POST("/:taskId/continue", handler.ContinueTask)
		tasks.POST("/:taskId/stop", handler.StopTask)
		tasks.POST("/:taskId/run-now", handler.RunTaskNow)
		tasks.POST("/:taskId/schedule", handler.RescheduleTask)
		tasks.POST("/:taskId/open-browser", handler.OpenBrowser)
		tasks.POST("/:taskId/close-browser", handler.CloseBrowser)
		tasks.POST("/:taskId/admin-vnc", handler.AdminVNC)
	}

	return router
}
