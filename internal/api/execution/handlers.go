package execution

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/dispatch/queue"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/execution/state"
	"github.com/kandev/kandev/internal/playback"
)

// TaskPublisher is the subset of queue.TaskBus operate_task needs to
// kick (or re-kick, on resume) a plan's batch.
type TaskPublisher interface {
	Publish(ctx context.Context, msg queue.BatchReady) error
}

// StreamPublisher narrates operator actions to the Status Stream.
type StreamPublisher interface {
	Success(ctx context.Context, executionID, line string) error
	Warn(ctx context.Context, executionID, line string) error
}

// Handler implements POST /executions/:id/operate_task.
type Handler struct {
	plans        repo.PlanRepo
	executions   repo.ExecutionRepo
	environments repo.EnvironmentRepo
	tasks        TaskPublisher
	stream       StreamPublisher
	recorder     *playback.Recorder
	log          *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(
	plans repo.PlanRepo,
	executions repo.ExecutionRepo,
	environments repo.EnvironmentRepo,
	tasks TaskPublisher,
	stream StreamPublisher,
	recorder *playback.Recorder,
	log *logger.Logger,
) *Handler {
	return &Handler{
		plans:        plans,
		executions:   executions,
		environments: environments,
		tasks:        tasks,
		stream:       stream,
		recorder:     recorder,
		log:          log.WithFields(zap.String("component", "execution_api")),
	}
}

// OperateTask implements start/pause/success: start
// kicks (or re-kicks, resuming a paused batch) the dispatcher; pause and
// success transition the execution directly, since an operator override
// does not go through the agent callback path.
func (h *Handler) OperateTask(c *gin.Context) {
	executionID := c.Param("id")
	var req OperateTaskRequest
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

	switch req.Action {
	case actionStart:
		h.handleStart(c, ctx, exec)
	case actionPause:
		h.handlePause(c, ctx, exec)
	case actionSuccess:
		h.handleSuccess(c, ctx, exec)
	default:
		appErr := apperrors.BadRequest("action must be one of start, pause, success")
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

func (h *Handler) handleStart(c *gin.Context, ctx context.Context, exec *domain.Execution) {
	if exec.Status == domain.ExecutionStatusExecuting {
		appErr := apperrors.BadRequest("execution is already executing")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.tasks.Publish(ctx, queue.BatchReady{PlanID: exec.PlanID, TenantID: exec.TenantID}); err != nil {
		h.log.Error("publish batch ready on operator start", zap.Error(err), zap.String("execution_id", exec.ID))
	}

	c.JSON(http.StatusOK, OperateTaskResponse{ExecutionID: exec.ID, Status: string(domain.ExecutionStatusExecuting)})
}

func (h *Handler) handlePause(c *gin.Context, ctx context.Context, exec *domain.Execution) {
	machine := state.New(h.executions)
	if err := machine.Transition(exec.ID, domain.ExecutionStatusPause, "operator pause"); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	_ = h.stream.Warn(ctx, exec.ID, "execution paused by operator")

	c.JSON(http.StatusOK, OperateTaskResponse{ExecutionID: exec.ID, Status: string(domain.ExecutionStatusPause)})
}

func (h *Handler) handleSuccess(c *gin.Context, ctx context.Context, exec *domain.Execution) {
	machine := state.New(h.executions)
	if err := machine.Transition(exec.ID, domain.ExecutionStatusSuccess, "operator override"); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	_ = h.stream.Success(ctx, exec.ID, "execution marked successful by operator")

	h.recordPlaybackOnSuccess(ctx, exec)

	if err := h.tasks.Publish(ctx, queue.BatchReady{PlanID: exec.PlanID, TenantID: exec.TenantID}); err != nil {
		h.log.Error("publish batch ready after operator success", zap.Error(err), zap.String("execution_id", exec.ID))
	}

	c.JSON(http.StatusOK, OperateTaskResponse{ExecutionID: exec.ID, Status: string(domain.ExecutionStatusSuccess)})
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
