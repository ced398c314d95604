// Package stream implements the Status Stream: a per-execution,
// append-only colored log together with a WebSocket fan-out so
// attached viewers see the same narration in real time.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// Level is the severity of one status line, carried into both the ANSI
// color prefix used on disk and the `level` field sent over the
// WebSocket.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

var ansiPrefix = map[Level]string{
	LevelInfo:    "\x1b[36m", // cyan
	LevelSuccess: "\x1b[32m", // green
	LevelWarn:    "\x1b[33m", // yellow
	LevelError:   "\x1b[31m", // red
}

const ansiReset = "\x1b[0m"

// Line is one status line broadcast to subscribed clients.
type Line struct {
	ExecutionID string    `json:"execution_id"`
	Level       Level     `json:"level"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// BroadcastMessage contains a line to fan out to an execution's
// subscribers, grounded on
// internal/orchestrator/streaming/hub.go::BroadcastMessage generalized
// from ACP protocol messages to plain status Lines.
type BroadcastMessage struct {
	ExecutionID string
	Line        *Line
}

// Hub manages WebSocket clients and per-execution append-only log
// files, grounded on internal/orchestrator/streaming/hub.go's
// register/unregister/broadcast channel loop.
type Hub struct {
	clients           map[*Client]bool
	executionClients  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	logDir string

	mu     sync.RWMutex
	fileMu sync.Mutex
	files  map[string]*os.File

	logger *logger.Logger
}

// NewHub constructs a Hub that appends status lines under logDir, one
// file per execution.
func NewHub(logDir string, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		executionClients: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *BroadcastMessage, 256),
		logDir:           logDir,
		files:            make(map[string]*os.File),
		logger:           log.WithFields(zap.String("component", "status_stream_hub")),
	}
}

// Run starts the hub's processing loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("status stream hub started")
	defer h.logger.Info("status stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.executionClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			h.closeAllFiles()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for executionID := range client.executionIDs {
					h.removeSubscriber(executionID, client)
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			if err := h.appendToFile(msg.ExecutionID, msg.Line); err != nil {
				h.logger.Error("append status line to file", zap.Error(err), zap.String("execution_id", msg.ExecutionID))
			}
			h.fanOut(msg)
		}
	}
}

func (h *Hub) removeSubscriber(executionID string, client *Client) {
	if clients, ok := h.executionClients[executionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.executionClients, executionID)
		}
	}
}

func (h *Hub) fanOut(msg *BroadcastMessage) {
	h.mu.RLock()
	clients := h.executionClients[msg.ExecutionID]
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg.Line)
	if err != nil {
		h.logger.Error("marshal status line", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.mu.Lock()
			close(client.send)
			delete(h.clients, client)
			h.removeSubscriber(msg.ExecutionID, client)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) logFile(executionID string) (*os.File, error) {
	h.fileMu.Lock()
	defer h.fileMu.Unlock()

	if f, ok := h.files[executionID]; ok {
		return f, nil
	}
	if err := os.MkdirAll(h.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create status log dir: %w", err)
	}
	path := filepath.Join(h.logDir, executionID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open status log file: %w", err)
	}
	h.files[executionID] = f
	return f, nil
}

// appendToFile writes one ANSI-colored line, atomic per call since each
// write is a single buffered os.File.Write under the file mutex.
func (h *Hub) appendToFile(executionID string, line *Line) error {
	f, err := h.logFile(executionID)
	if err != nil {
		return err
	}

	h.fileMu.Lock()
	defer h.fileMu.Unlock()

	formatted := fmt.Sprintf("%s%s [%s] %s%s\n",
		ansiPrefix[line.Level], line.Timestamp.Format(time.RFC3339), line.Level, line.Text, ansiReset)
	_, err = f.WriteString(formatted)
	return err
}

func (h *Hub) closeAllFiles() {
	h.fileMu.Lock()
	defer h.fileMu.Unlock()
	for id, f := range h.files {
		f.Close()
		delete(h.files, id)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

func (h *Hub) subscribeClient(client *Client, executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.executionClients[executionID]; !ok {
		h.executionClients[executionID] = make(map[*Client]bool)
	}
	h.executionClients[executionID][client] = true
}

func (h *Hub) unsubscribeClient(client *Client, executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscriber(executionID, client)
}

func (h *Hub) publish(executionID string, level Level, text string) error {
	h.broadcast <- &BroadcastMessage{
		ExecutionID: executionID,
		Line:        &Line{ExecutionID: executionID, Level: level, Text: text, Timestamp: time.Now().UTC()},
	}
	return nil
}

// Info narrates an informational status line for an execution.
func (h *Hub) Info(ctx context.Context, executionID, line string) error { return h.publish(executionID, LevelInfo, line) }

// Success narrates a successful status line for an execution.
func (h *Hub) Success(ctx context.Context, executionID, line string) error {
	return h.publish(executionID, LevelSuccess, line)
}

// Warn narrates a warning status line for an execution.
func (h *Hub) Warn(ctx context.Context, executionID, line string) error { return h.publish(executionID, LevelWarn, line) }

// Error narrates an error status line for an execution.
func (h *Hub) Error(ctx context.Context, executionID, line string) error {
	return h.publish(executionID, LevelError, line)
}
