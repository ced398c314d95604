package callback

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/blob"
	"github.com/kandev/kandev/internal/command/store"
	apperrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/execution/state"
	"github.com/kandev/kandev/internal/playback"
)

// StreamPublisher is the append-only colored log the Callback Endpoint
// narrates command/execution progress into, matching
// dispatch.StatusStream's shape without importing the dispatch package.
type StreamPublisher interface {
	Success(ctx context.Context, executionID, line string) error
	Warn(ctx context.Context, executionID, line string) error
	Error(ctx context.Context, executionID, line string) error
}

// Handler holds the Callback Endpoint's dependencies, grounded on
// internal/task/api/handlers.go's handler shape: bind request DTO,
// call into the domain, map errors via internal/common/errors, respond
// with c.JSON.
type Handler struct {
	plans        repo.PlanRepo
	executions   repo.ExecutionRepo
	environments repo.EnvironmentRepo
	commands     store.Store
	blobs        *blob.Store
	stream       StreamPublisher
	recorder     *playback.Recorder
	log          *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(
	plans repo.PlanRepo,
	executions repo.ExecutionRepo,
	environments repo.EnvironmentRepo,
	commands store.Store,
	blobs *blob.Store,
	stream StreamPublisher,
	recorder *playback.Recorder,
	log *logger.Logger,
) *Handler {
	return &Handler{
		plans:        plans,
		executions:   executions,
		environments: environments,
		commands:     commands,
		blobs:        blobs,
		stream:       stream,
		recorder:     recorder,
		log:          log.WithFields(zap.String("component", "callback")),
	}
}

// HandleCommand implements the per-command callback: the
// six-step side-effect order is load execution, load command, persist
// file-category output to the blob store, update the command, narrate
// success, and on failure (or a command carrying the inline pause flag)
// transition the execution to pause and latch a stop verdict.
func (h *Handler) HandleCommand(c *gin.Context) {
	executionID := c.Param("executionId")
	var req CommandCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	ctx := c.Request.Context()

	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		appErr := apperrors.NotFound("execution", executionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if exec.Status != domain.ExecutionStatusExecuting {
		c.JSON(http.StatusOK, ContinueResponse{Continue: false, Detail: "task not running"})
		return
	}

	cmd, err := h.commands.Get(ctx, executionID, req.CommandID, exec.TenantID)
	if err != nil {
		appErr := apperrors.NotFound("command", req.CommandID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	output := req.Output
	if exec.Category == domain.ExecutionCategoryFile {
		path, err := h.blobs.Put(executionID, req.CommandID, []byte(req.Output))
		if err != nil {
			appErr := apperrors.InternalError("persist command output blob", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		output = path
	}

	update := store.Update{Status: req.Status, Output: output, Timestamp: req.Timestamp}
	if err := h.commands.Update(ctx, req.CommandID, exec.TenantID, update); err != nil {
		appErr := apperrors.InternalError("update command", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if req.Status == domain.CommandStatusSuccess {
		_ = h.stream.Success(ctx, executionID, fmt.Sprintf("Command input: %s", cmd.Input))
		_ = h.stream.Success(ctx, executionID, fmt.Sprintf("Command output: %s", output))
	}

	continueBatch, detail := true, ""
	switch {
	case cmd.Pause:
		continueBatch, detail = false, "Paused"
	case req.Status == domain.CommandStatusFailed:
		continueBatch, detail = false, "Failed"
	}

	if !continueBatch {
		reason := "see command output"
		if cmd.Pause {
			reason = "paused for review"
		}
		machine := state.New(h.executions)
		if err := machine.Transition(executionID, domain.ExecutionStatusPause, reason); err != nil {
			h.log.Error("transition execution to pause", zap.Error(err), zap.String("execution_id", executionID))
		}
		_ = h.stream.Warn(ctx, executionID, fmt.Sprintf("execution paused: %s", detail))
	}

	c.JSON(http.StatusOK, ContinueResponse{Continue: continueBatch, Detail: detail})
}

// HandleStatus implements the execution-level completion callback: the
// agent reports it is done driving an execution's commands ("executing
// -> success: all commands succeeded and the agent reported
// completion"). On terminal success it triggers the Playback Recorder.
func (h *Handler) HandleStatus(c *gin.Context) {
	executionID := c.Param("executionId")
	if executionID == "" {
		appErr := apperrors.BadRequest("executionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req ExecutionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	ctx := c.Request.Context()

	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		appErr := apperrors.NotFound("execution", executionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	machine := state.New(h.executions)
	if err := machine.Transition(executionID, req.Status, req.Reason); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	switch req.Status {
	case domain.ExecutionStatusSuccess:
		h.recordPlaybackOnSuccess(ctx, exec)
		_ = h.stream.Success(ctx, executionID, "execution succeeded")
	case domain.ExecutionStatusFailed:
		_ = h.stream.Error(ctx, executionID, fmt.Sprintf("execution failed: %s", req.Reason))
	}

	c.Status(http.StatusOK)
}

func (h *Handler) recordPlaybackOnSuccess(ctx context.Context, exec *domain.Execution) {
	plan, err := h.plans.Get(ctx, exec.PlanID)
	if err != nil {
		h.log.Error("load plan for playback recording", zap.Error(err), zap.String("plan_id", exec.PlanID))
		return
	}

	assetName, accountUsername := h.resolveDisplayNames(ctx, plan)
	if err := h.recorder.RecordOnSuccess(ctx, plan, exec, assetName, accountUsername); err != nil {
		h.log.Error("record playback execution", zap.Error(err), zap.String("execution_id", exec.ID))
	}
}

// resolveDisplayNames recovers the asset/account display strings a
// deploy plan's resolved IDs refer to, for the PlaybackExecution row's
// captured metadata.
func (h *Handler) resolveDisplayNames(ctx context.Context, plan *domain.Plan) (assetName, accountUsername string) {
	if plan.EnvironmentID == "" {
		return "", plan.AccountID
	}

	env, err := h.environments.Get(ctx, plan.EnvironmentID)
	if err != nil {
		return "", plan.AccountID
	}

	for i := range env.Assets {
		if env.Assets[i].ID != plan.AssetID {
			continue
		}
		if account, ok := env.Assets[i].FindAccountByUsername(plan.AccountID); ok {
			return env.Assets[i].Name, account.Username
		}
		return env.Assets[i].Name, plan.AccountID
	}
	return "", plan.AccountID
}
