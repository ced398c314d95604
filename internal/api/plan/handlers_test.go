package plan

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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

func setupTestPlanHandler(t *testing.T) (*Handler, repo.PlanRepo, repo.ExecutionRepo, repo.PlaybackRepo, store.Store, *fakeTaskPublisher, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	plans := repo.NewMemoryPlanRepo()
	executions := repo.NewMemoryExecutionRepo()
	playbacks := repo.NewMemoryPlaybackRepo()

	commands, err := store.NewSQLStore(":memory:", 1024)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() { commands.Close() })

	recorder := playback.New(playbacks, executions, commands)
	tasks := newFakeTaskPublisher()
	approvers := NewApproverTracker(2, time.Hour)
	uploadDir := t.TempDir()

	handler := NewHandler(plans, executions, commands, playbacks, recorder, tasks, approvers, uploadDir, logger.Default())

	router := gin.New()
	SetupRoutes(router.Group(""), handler)

	return handler, plans, executions, playbacks, commands, tasks, router
}

func TestStartSyncTaskReturnsPendingUntilThreshold(t *testing.T) {
	_, plans, _, _, _, _, router := setupTestPlanHandler(t)
	ctx := context.Background()

	plan := &domain.Plan{ID: "p1", TenantID: "t1", Category: domain.PlanCategorySync}
	_ = plans.Create(ctx, plan)

	req := httptest.NewRequest(http.MethodPost, "/plans/p1/start-sync-task", nil)
	req.Header.Set("X-Behemoth-Identity", "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 while pending, got %d: %s", w.Code, w.Body.String())
	}
	var resp StartSyncTaskPending
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Participants != 1 {
		t.Errorf("expected 1 participant recorded, got %+v", resp)
	}
}

func TestStartSyncTaskRejectsDeployPlan(t *testing.T) {
	_, plans, _, _, _, _, router := setupTestPlanHandler(t)
	ctx := context.Background()

	plan := &domain.Plan{ID: "p1", TenantID: "t1", Category: domain.PlanCategoryDeploy}
	_ = plans.Create(ctx, plan)

	for _, identity := range []string{"alice", "bob"} {
		req := httptest.NewRequest(http.MethodPost, "/plans/p1/start-sync-task", nil)
		req.Header.Set("X-Behemoth-Identity", identity)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if identity == "bob" && w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 rejecting a deploy plan once threshold reached, got %d: %s", w.Code, w.Body.String())
		}
	}
}

func TestStartSyncTaskMaterializesAndDispatchesOnThreshold(t *testing.T) {
	_, plans, executions, playbacks, commands, tasks, router := setupTestPlanHandler(t)
	ctx := context.Background()

	sourceExec := &domain.Execution{ID: "src-e1", TenantID: "t1", Category: domain.ExecutionCategoryCommand, Status: domain.ExecutionStatusSuccess}
	_ = executions.Create(ctx, sourceExec)
	_, _ = commands.Append(ctx, &domain.Command{ExecutionID: "src-e1", TenantID: "t1", Input: "SELECT 1;", Status: domain.CommandStatusSuccess})

	_ = playbacks.CreatePlayback(ctx, &domain.Playback{ID: "pb1", TenantID: "t1"})
	_ = playbacks.CreatePlaybackExecution(ctx, &domain.PlaybackExecution{ID: "pe1", PlaybackID: "pb1", ExecutionID: "src-e1", AssetName: "A", AccountUsername: "U"})

	plan := &domain.Plan{ID: "p1", TenantID: "t1", Category: domain.PlanCategorySync, PlaybackID: "pb1"}
	_ = plans.Create(ctx, plan)

	for _, identity := range []string{"alice", "bob"} {
		req := httptest.NewRequest(http.MethodPost, "/plans/p1/start-sync-task", nil)
		req.Header.Set("X-Behemoth-Identity", identity)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if identity == "bob" {
			if w.Code != http.StatusCreated {
				t.Fatalf("expected 201 once threshold reached, got %d: %s", w.Code, w.Body.String())
			}
			var resp StartSyncTaskResponse
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.TaskID == "" || resp.TaskStatus != string(domain.ExecutionStatusExecuting) {
				t.Errorf("expected a started task, got %+v", resp)
			}
		}
	}

	select {
	case <-tasks.called:
	case <-time.After(time.Second):
		t.Fatal("expected a batch-ready notification once the batch started")
	}
}

func TestUploadPlainFileCreatesFileExecutionAndCommand(t *testing.T) {
	_, plans, _, _, commands, _, router := setupTestPlanHandler(t)
	ctx := context.Background()

	plan := &domain.Plan{ID: "p1", TenantID: "t1", Category: domain.PlanCategoryDeploy}
	_ = plans.Create(ctx, plan)

	body, contentType := multipartBody(t, "script.sql", []byte("SELECT 1;"))
	req := httptest.NewRequest(http.MethodPost, "/plans/p1/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ExecutionID == "" || resp.CommandID == "" {
		t.Fatalf("expected created execution/command ids, got %+v", resp)
	}

	cmd, err := commands.Get(ctx, resp.ExecutionID, resp.CommandID, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := os.Stat(cmd.Input); err != nil {
		t.Errorf("expected the uploaded file to exist at %s: %v", cmd.Input, err)
	}
}

func TestUploadZipRepackagesToEntrySentinel(t *testing.T) {
	_, plans, _, _, commands, _, router := setupTestPlanHandler(t)
	ctx := context.Background()

	plan := &domain.Plan{ID: "p1", TenantID: "t1", Category: domain.PlanCategoryDeploy}
	_ = plans.Create(ctx, plan)

	zipBytes := buildZip(t, map[string][]byte{"deploy/main.sh": []byte("echo hi")})
	body, contentType := multipartBody(t, "bundle.zip", zipBytes)
	req := httptest.NewRequest(http.MethodPost, "/plans/p1/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	cmd, err := commands.Get(ctx, resp.ExecutionID, resp.CommandID, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if filepath.Base(cmd.Input) != entrySentinel {
		t.Errorf("expected the repackaged zip's primary script renamed to %s, got %s", entrySentinel, cmd.Input)
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("files", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer failed: %v", err)
	}
	return buf, w.FormDataContentType()
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create failed: %v", err)
		}
		if _, err := f.Write(content); err != nil {
			t.Fatalf("zip write failed: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close failed: %v", err)
	}
	return buf.Bytes()
}
