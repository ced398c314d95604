package plan

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/command/store"
	apperrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/dispatch/queue"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/playback"
)

// TaskPublisher is the subset of queue.TaskBus a plan handler needs to
// announce a batch is ready for dispatch.
type TaskPublisher interface {
	Publish(ctx context.Context, msg queue.BatchReady) error
}

// Handler implements the Plan control-API surface.
type Handler struct {
	plans      repo.PlanRepo
	executions repo.ExecutionRepo
	commands   store.Store
	playbacks  repo.PlaybackRepo
	recorder   *playback.Recorder
	tasks      TaskPublisher
	approvers  *ApproverTracker
	uploadDir  string
	log        *logger.Logger
}

// NewHandler constructs a Handler. uploadDir is the directory uploaded
// command files are stored under, grounded on CommandUploadAPIView's
// safe_join(settings.SHARE_DIR, 'command_upload_file', mark_id) layout.
func NewHandler(
	plans repo.PlanRepo,
	executions repo.ExecutionRepo,
	commands store.Store,
	playbacks repo.PlaybackRepo,
	recorder *playback.Recorder,
	tasks TaskPublisher,
	approvers *ApproverTracker,
	uploadDir string,
	log *logger.Logger,
) *Handler {
	return &Handler{
		plans:      plans,
		executions: executions,
		commands:   commands,
		playbacks:  playbacks,
		recorder:   recorder,
		tasks:      tasks,
		approvers:  approvers,
		uploadDir:  uploadDir,
		log:        log.WithFields(zap.String("component", "plan_api")),
	}
}

func callerIdentity(c *gin.Context) string {
	if id := c.GetHeader("X-Behemoth-Identity"); id != "" {
		return id
	}
	return c.ClientIP()
}

// StartSyncTask implements the sync-plan coordination endpoint: each
// call records the caller's identity into the plan's pending-approvers
// set; once the required distinct-approver count is reached the sync
// plan's recorded playback history is materialized into fresh
// executions and the batch is dispatched.
func (h *Handler) StartSyncTask(c *gin.Context) {
	planID := c.Param("id")
	identity := callerIdentity(c)

	users, ready, ttl := h.approvers.Approve(planID, identity)
	if !ready {
		c.JSON(http.StatusOK, StartSyncTaskPending{
			TTL:          int64(ttl.Seconds()),
			Users:        users,
			Participants: len(users),
			WaitTimeout:  int(ttl.Seconds()),
		})
		return
	}

	ctx := c.Request.Context()
	plan, err := h.plans.Get(ctx, planID)
	if err != nil {
		appErr := apperrors.NotFound("plan", planID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if plan.Category != domain.PlanCategorySync {
		appErr := apperrors.BadRequest("start-sync-task only applies to sync plans")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	taskID, err := h.materializeAndDispatch(ctx, plan)
	if err != nil {
		appErr := apperrors.InternalError("start sync task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, StartSyncTaskResponse{
		TaskID:     taskID,
		TaskStatus: string(domain.ExecutionStatusExecuting),
		Users:      users,
	})
}

func (h *Handler) materializeAndDispatch(ctx context.Context, plan *domain.Plan) (string, error) {
	playbackExecs, err := h.playbacks.ListPlaybackExecutions(ctx, plan.PlaybackID)
	if err != nil {
		return "", fmt.Errorf("list playback executions: %w", err)
	}
	if len(playbackExecs) == 0 {
		return "", fmt.Errorf("playback %s has no recorded executions to materialize", plan.PlaybackID)
	}

	ids := make([]string, 0, len(playbackExecs))
	source := make(map[string]*domain.PlaybackExecution, len(playbackExecs))
	for _, pe := range playbackExecs {
		ids = append(ids, pe.ID)
		source[pe.ID] = pe
	}

	created, err := h.recorder.MaterializeSyncPlan(ctx, plan.ID, ids, source)
	if err != nil {
		return "", fmt.Errorf("materialize sync plan: %w", err)
	}
	if len(created) == 0 {
		return "", fmt.Errorf("materialization produced no executions")
	}

	taskID := created[0].ID
	if err := h.tasks.Publish(ctx, queue.BatchReady{PlanID: plan.ID, TenantID: plan.TenantID}); err != nil {
		h.log.Error("publish sync plan batch ready", zap.Error(err), zap.String("plan_id", plan.ID))
	}

	return taskID, nil
}

// Upload implements the multipart upload endpoint: stores
// the uploaded file, repackaging it under the entry.bs sentinel when it
// is a ZIP, then creates a file-category execution with one Command
// whose input is the stored path.
func (h *Handler) Upload(c *gin.Context) {
	planID := c.Param("id")
	ctx := c.Request.Context()

	plan, err := h.plans.Get(ctx, planID)
	if err != nil {
		appErr := apperrors.NotFound("plan", planID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	fileHeader, err := c.FormFile("files")
	if err != nil {
		appErr := apperrors.BadRequest("no file selected")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	markID := uuid.New().String()
	destDir := filepath.Join(h.uploadDir, markID)
	savedPath := filepath.Join(destDir, fileHeader.Filename)

	if err := c.SaveUploadedFile(fileHeader, savedPath); err != nil {
		appErr := apperrors.InternalError("save uploaded file", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	inputPath := savedPath
	if isZip(fileHeader.Filename) {
		entryPath, err := repackageZip(savedPath, destDir)
		if err != nil {
			appErr := apperrors.InternalError("repackage uploaded zip", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		inputPath = entryPath
	}

	exec := &domain.Execution{
		ID:       uuid.New().String(),
		PlanID:   plan.ID,
		TenantID: plan.TenantID,
		Category: domain.ExecutionCategoryFile,
		Status:   domain.ExecutionStatusNotStart,
	}
	if err := h.executions.Create(ctx, exec); err != nil {
		appErr := apperrors.InternalError("create upload execution", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	commandID, err := h.commands.Append(ctx, &domain.Command{
		ExecutionID: exec.ID,
		TenantID:    plan.TenantID,
		Input:       inputPath,
		Status:      domain.CommandStatusNotStart,
	})
	if err != nil {
		appErr := apperrors.InternalError("create upload command", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, UploadResponse{ExecutionID: exec.ID, CommandID: commandID})
}
