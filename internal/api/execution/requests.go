// Package execution implements the operate_task control-API endpoint
// operator-driven start/pause/success transitions
// layered on top of the Execution State Machine and Batch Dispatcher.
package execution

// OperateTaskRequest carries the operator's requested action.
type OperateTaskRequest struct {
	Action string `json:"action" binding:"required"`
}

// OperateTaskResponse reports the execution's resulting status.
type OperateTaskResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

const (
	actionStart   = "start"
	actionPause   = "pause"
	actionSuccess = "success"
)
