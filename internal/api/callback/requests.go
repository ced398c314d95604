// Package callback implements the Callback Endpoint:
// agent-to-control-plane HTTP calls reporting per-command and
// per-execution status, grounded on
// internal/task/api/requests.go's naming convention.
package callback

import "github.com/kandev/kandev/internal/domain"

// CommandCallbackRequest is the per-command completion report an agent
// sends as a PATCH once per command it finishes executing; execution id comes from
// the URL path (see router.go).
type CommandCallbackRequest struct {
	CommandID string               `json:"command_id" binding:"required"`
	Status    domain.CommandStatus `json:"status" binding:"required"`
	Output    string               `json:"output"`
	Timestamp int64                `json:"timestamp"`
}

// ExecutionStatusRequest is the execution-level completion report an
// agent POSTs once it has finished driving all of an execution's
// commands (or failed to).
type ExecutionStatusRequest struct {
	Status domain.ExecutionStatus `json:"status" binding:"required"`
	Reason string                 `json:"reason"`
}

// ContinueResponse tells the agent whether to keep issuing commands for
// this execution.
type ContinueResponse struct {
	Continue bool   `json:"continue"`
	Detail   string `json:"detail"`
}
