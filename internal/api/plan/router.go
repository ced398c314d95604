package plan

import "github.com/gin-gonic/gin"

// SetupRoutes configures the Plan control-API routes.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	plans := router.Group("/plans")
	{
		plans.POST("/:id/start-sync-task", h.StartSyncTask)
		plans.POST("/:id/upload", h.Upload)
	}
}
