package stream

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kandev/kandev/internal/common/logger"
)

func TestSetupRoutesRegistersWebSocketRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(t.TempDir(), logger.Default())
	handler := NewWSHandler(hub, logger.Default())

	router := gin.New()
	SetupRoutes(router.Group(""), handler)

	found := false
	for _, r := range router.Routes() {
		if r.Path == "/ws/executions/:id" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected /ws/executions/:id to be registered")
	}
}

func TestStreamExecutionRejectsMissingID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(t.TempDir(), logger.Default())
	handler := NewWSHandler(hub, logger.Default())

	router := gin.New()
	router.GET("/ws/executions/", handler.StreamExecution)

	req := httptest.NewRequest("GET", "/ws/executions/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code == 101 {
		t.Fatal("expected no websocket upgrade without an execution id")
	}
}
