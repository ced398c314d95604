package execution

import "github.com/gin-gonic/gin"

// SetupRoutes configures the Execution control-API route.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	executions := router.Group("/executions")
	{
		executions.POST("/:id/operate_task", h.OperateTask)
	}
}
