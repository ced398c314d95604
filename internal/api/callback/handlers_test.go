package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/blob"
	"github.com/kandev/kandev/internal/command/store"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/playback"
)

type noopStream struct{ lines []string }

func (s *noopStream) Success(ctx context.Context, executionID, line string) error {
	s.lines = append(s.lines, "S:"+line)
	return nil
}
func (s *noopStream) Warn(ctx context.Context, executionID, line string) error {
	s.lines = append(s.lines, "W:"+line)
	return nil
}
func (s *noopStream) Error(ctx context.Context, executionID, line string) error {
	s.lines = append(s.lines, "E:"+line)
	return nil
}

func setupTestHandler(t *testing.T) (*Handler, repo.ExecutionRepo, store.Store, *gin.Engine, *noopStream) {
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

	blobDir := t.TempDir()
	blobs, err := blob.New(blobDir)
	if err != nil {
		t.Fatalf("blob.New failed: %v", err)
	}

	stream := &noopStream{}
	recorder := playback.New(playbacks, executions, commands)
	handler := NewHandler(plans, executions, environments, commands, blobs, stream, recorder, logger.Default())

	router := gin.New()
	SetupRoutes(router.Group(""), handler)

	return handler, executions, commands, router, stream
}

func TestHandleCommandReturnsNotRunningWithoutMutationWhenNotExecuting(t *testing.T) {
	_, executions, _, router, _ := setupTestHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", TenantID: "t1", Status: domain.ExecutionStatusNotStart}
	_ = executions.Create(ctx, exec)

	body, _ := json.Marshal(CommandCallbackRequest{CommandID: "c1", Status: domain.CommandStatusSuccess, Output: "ok", Timestamp: 1})
	req := httptest.NewRequest(http.MethodPatch, "/executions/e1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ContinueResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Continue || resp.Detail != "task not running" {
		t.Errorf("expected continue=false/detail='task not running', got %+v", resp)
	}
}

func TestHandleCommandSuccessNarratesAndContinues(t *testing.T) {
	_, executions, commands, router, stream := setupTestHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", TenantID: "t1", Category: domain.ExecutionCategoryCommand, Status: domain.ExecutionStatusExecuting}
	_ = executions.Create(ctx, exec)
	commandID, _ := commands.Append(ctx, &domain.Command{ExecutionID: "e1", TenantID: "t1", Input: "SELECT 1;"})

	body, _ := json.Marshal(CommandCallbackRequest{CommandID: commandID, Status: domain.CommandStatusSuccess, Output: "1 row", Timestamp: 42})
	req := httptest.NewRequest(http.MethodPatch, "/executions/e1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp ContinueResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Continue {
		t.Errorf("expected continue=true on plain command success, got %+v", resp)
	}
	if len(stream.lines) != 2 {
		t.Errorf("expected 2 narrated lines for a successful command, got %d: %v", len(stream.lines), stream.lines)
	}

	got, err := commands.Get(ctx, "e1", commandID, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.CommandStatusSuccess || got.Output != "1 row" {
		t.Errorf("expected command updated, got %+v", got)
	}
}

func TestHandleCommandFailurePausesExecution(t *testing.T) {
	_, executions, commands, router, stream := setupTestHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", TenantID: "t1", Category: domain.ExecutionCategoryCommand, Status: domain.ExecutionStatusExecuting}
	_ = executions.Create(ctx, exec)
	commandID, _ := commands.Append(ctx, &domain.Command{ExecutionID: "e1", TenantID: "t1", Input: "BAD SQL"})

	body, _ := json.Marshal(CommandCallbackRequest{CommandID: commandID, Status: domain.CommandStatusFailed, Output: "syntax error", Timestamp: 1})
	req := httptest.NewRequest(http.MethodPatch, "/executions/e1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp ContinueResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Continue || resp.Detail != "Failed" {
		t.Errorf("expected continue=false/detail=Failed, got %+v", resp)
	}

	got, _ := executions.Get(ctx, "e1")
	if got.Status != domain.ExecutionStatusPause {
		t.Errorf("expected execution paused after command failure, got %s", got.Status)
	}

	found := false
	for _, line := range stream.lines {
		if line == "W:execution paused: Failed" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a warn line narrating the pause, got %v", stream.lines)
	}
}

func TestHandleCommandFileCategoryPersistsBlobAndRewritesOutput(t *testing.T) {
	_, executions, commands, router, _ := setupTestHandler(t)
	ctx := context.Background()

	exec := &domain.Execution{ID: "e1", TenantID: "t1", Category: domain.ExecutionCategoryFile, Status: domain.ExecutionStatusExecuting}
	_ = executions.Create(ctx, exec)
	commandID, _ := commands.Append(ctx, &domain.Command{ExecutionID: "e1", TenantID: "t1", Input: "/tmp/upload/file.sql"})

	body, _ := json.Marshal(CommandCallbackRequest{CommandID: commandID, Status: domain.CommandStatusSuccess, Output: "raw file contents", Timestamp: 1})
	req := httptest.NewRequest(http.MethodPatch, "/executions/e1/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, err := commands.Get(ctx, "e1", commandID, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Output == "raw file contents" {
		t.Error("expected file-category output rewritten to a blob path, not stored inline")
	}
}

func TestHandleStatusSuccessTransitionsAndNarratesForAutoPromoteDeploy(t *testing.T) {
	handler, executions, _, router, stream := setupTestHandler(t)
	ctx := context.Background()

	plan := &domain.Plan{ID: "p1", Name: "deploy-1", TenantID: "t1", Category: domain.PlanCategoryDeploy, PlaybackStrategy: domain.PlaybackStrategyAutoPromote, PlaybackID: "pb1"}
	_ = handler.plans.Create(ctx, plan)
	exec := &domain.Execution{ID: "e1", PlanID: "p1", TenantID: "t1", Status: domain.ExecutionStatusExecuting, Version: "v1"}
	_ = executions.Create(ctx, exec)

	body, _ := json.Marshal(ExecutionStatusRequest{Status: domain.ExecutionStatusSuccess})
	req := httptest.NewRequest(http.MethodPost, "/executions/e1/status", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := executions.Get(ctx, "e1")
	if got.Status != domain.ExecutionStatusSuccess {
		t.Errorf("expected execution transitioned to success, got %s", got.Status)
	}

	if handler.recorder == nil {
		t.Fatal("expected handler to carry a playback recorder")
	}
	found := false
	for _, line := range stream.lines {
		if line == "S:execution succeeded" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a success line narrated, got %v", stream.lines)
	}
}
