package callback

import "github.com/gin-gonic/gin"

// SetupRoutes configures the Callback Endpoint routes agents call back
// to, grounded on internal/task/api/router.go's SetupRoutes shape.
// PATCH /executions/:executionId/command is the per-command callback;
// the status callback is a supplemented addition recovered from
// original_source/apps/behemoth/api/generic.py's distinct
// _type_for_status handler (see DESIGN.md).
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	executions := router.Group("/executions")
	{
		executions.PATCH("/:executionId/command", h.HandleCommand)
		executions.POST("/:executionId/status", h.HandleStatus)
	}
}
