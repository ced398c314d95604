package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/command/store"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/dispatch/queue"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/playback"
)

type fakeTaskPublisher struct {
	mu     sync.Mutex
	calls  []string
	called chan struct{}
}

func newFakeTaskPublisher() *fakeTaskPublisher {
	return &fakeTaskPublisher{called: make(chan struct{}, 16)}
}

func (f *fakeTaskPublisher) Publish(ctx context.Context, msg queue.BatchReady) error {
	f.mu.Lock()
	f.calls = append(f.calls, msg.PlanID)
	f.mu.Unlock()
	f.called <- struct{}{}
	return nil
}

type noopStream struct{ lines []string }

func (s *noopStream) Success(ctx context.Context, executionID, line string) error {
	s.lines = append(s.lines, "S:"+line)
	return nil
}
func (s *noopStream) Warn(ctx context.Context, executionID, line string) error {
	s.lines = append(s.lines, "W:"+line)
	return nil
}

func setupTestExecutionHandler(t *testing.T) (repo.PlanRepo, repo.ExecutionRepo, *fakeTaskPublisher, *noopStream, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	plans := repo.NewMemoryPlanRepo()
	executions := repo.NewMemoryExecutionRepo()
	environments := repo.NewMemoryEnvironmentRepo()
	playbacks := repo.NewMemoryPlaybackRepo()

	commands, err := store.NewSQLStore(":memory:", 1024)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() { commands.Close() })

	recorder := playback.New(playbacks, executions, commands)
	tasks := newFakeTaskPublisher()
	stream := &noopStream{}

	handler := NewHandler(plans, executions, environments, tasks, stream, recorder, logger.Default())

	router := gin.New()
	SetupRoutes(router.Group(""), handler)

	return plans, executions, tasks, stream, router
}

func doOperate(t *testing.T, router *gin.Engine, executionID, action string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(OperateTaskRequest{Action: action})
	req := httptest.NewRequest(http.MethodPost, "/executions/"+executionID+"/operate_task", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOperateTaskStartPublishesBatchReady(t *testing.T) {
	_, executions, tasks, _, router := setupTestExecutionHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", PlanID: "p1", TenantID: "t1", Status: domain.ExecutionStatusNotStart}
	_ = executions.Create(ctx, exec)

	w := doOperate(t, router, "e1", actionStart)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case <-tasks.called:
	case <-time.After(time.Second):
		t.Fatal("expected a batch-ready notification on start")
	}
}

func TestOperateTaskStartRejectsAlreadyExecuting(t *testing.T) {
	_, executions, _, _, router := setupTestExecutionHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", PlanID: "p1", TenantID: "t1", Status: domain.ExecutionStatusExecuting}
	_ = executions.Create(ctx, exec)

	w := doOperate(t, router, "e1", actionStart)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOperateTaskPauseTransitionsDirectly(t *testing.T) {
	_, executions, _, stream, router := setupTestExecutionHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", PlanID: "p1", TenantID: "t1", Status: domain.ExecutionStatusExecuting}
	_ = executions.Create(ctx, exec)

	w := doOperate(t, router, "e1", actionPause)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := executions.Get(ctx, "e1")
	if got.Status != domain.ExecutionStatusPause {
		t.Errorf("expected execution paused, got %s", got.Status)
	}
	if len(stream.lines) != 1 {
		t.Errorf("expected one narrated warn line, got %v", stream.lines)
	}
}

func TestOperateTaskSuccessTransitionsAndResumesBatch(t *testing.T) {
	plans, executions, tasks, _, router := setupTestExecutionHandler(t)
	ctx := context.Background()

	plan := &domain.Plan{ID: "p1", TenantID: "t1", Category: domain.PlanCategoryDeploy, PlaybackStrategy: domain.PlaybackStrategyAutoPromote, PlaybackID: "pb1"}
	_ = plans.Create(ctx, plan)
	exec := &domain.Execution{ID: "e1", PlanID: "p1", TenantID: "t1", Status: domain.ExecutionStatusPause, Version: "v1"}
	_ = executions.Create(ctx, exec)

	w := doOperate(t, router, "e1", actionSuccess)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := executions.Get(ctx, "e1")
	if got.Status != domain.ExecutionStatusSuccess {
		t.Errorf("expected execution succeeded, got %s", got.Status)
	}

	select {
	case <-tasks.called:
	case <-time.After(time.Second):
		t.Fatal("expected a batch-ready notification after an operator success override")
	}
}

func TestOperateTaskRejectsUnknownAction(t *testing.T) {
	_, executions, _, _, router := setupTestExecutionHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", PlanID: "p1", TenantID: "t1", Status: domain.ExecutionStatusExecuting}
	_ = executions.Create(ctx, exec)

	w := doOperate(t, router, "e1", "frobnicate")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}
