// Package api exposes the head's UI-facing HTTP surface: task routing to
// nodes, node status, key distribution, config defaults, and the SPA.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/webai/webai/internal/common/config"
	"github.com/webai/webai/internal/common/httpmw"
	"github.com/webai/webai/internal/common/logger"
	"github.com/webai/webai/internal/head"
	"github.com/webai/webai/internal/metrics"
)

// Deps collects everything the head API needs.
type Deps struct {
	Router *head.Router

	// PublicKey is the head's signing key as PEM; KeyID its short id.
	PublicKey string
	KeyID     string

	Head   config.HeadConfig
	Logger *logger.Logger
}

// NewRouter builds the head's gin engine. The head boundary itself is
// unauthenticated (operators front it with TLS/ingress); every forwarded
// task request is envelope-signed towards the node.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(httpmw.Recovery(deps.Logger))
	router.Use(httpmw.RequestLogger(deps.Logger))
	router.Use(httpmw.CORS())

	handler := NewHandler(deps)

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	{
		api.GET("/config/defaults", handler.Defaults)
		api.GET("/nodes", handler.Nodes)
		api.POST("/nodes/:nodeId/install-head-key", handler.InstallHeadKey)
		api.GET("/security/public-key", handler.PublicKey)

		tasks := api.Group("/tasks")
		{
			tasks.POST("", handler.CreateTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.DELETE("/:taskId", handler.DeleteTask)
			tasks.POST("/:taskId/assist", handler.TaskAction("assist"))
			tasks.POST("/:taskId/continue", handler.TaskAction("continue"))
			tasks.POST("/:taskId/stop", handler.TaskAction("stop"))
			tasks.POST("/:taskId/run-now", handler.TaskAction("run-now"))
			tasks.POST("/:taskId/schedule", handler.TaskAction("schedule"))
			tasks.POST("/:taskId/open-browser", handler.TaskAction("open-browser"))
			tasks.POST("/:taskId/close-browser", handler.TaskAction("close-browser"))
			tasks.POST("/:taskId/admin-vnc", handler.TaskAction("admin-vnc"))
		}
	}

	router.NoRoute(handler.SPA)
	return router
}
