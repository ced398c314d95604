package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
)

// BatchReady announces that a plan's batch has been enqueued and is
// ready for a dispatcher worker to claim.
type BatchReady struct {
	PlanID   string `json:"plan_id"`
	TenantID string `json:"tenant_id"`
	Priority int    `json:"priority"`
}

// Handler processes one BatchReady notification.
type Handler func(ctx context.Context, msg BatchReady) error

// TaskBus fans batch-ready notifications out to dispatcher workers,
// generalizing a generic pub/sub event bus down to the one subject the
// Batch Dispatcher needs.
type TaskBus interface {
	Publish(ctx context.Context, msg BatchReady) error
	Subscribe(queue string, handler Handler) error
	Close()
}

const subject = "behemoth.batches.ready"

// NewTaskBus selects the NATS bus when a URL is configured, otherwise
// the in-memory bus, matching apps/backend's "empty URL means in-memory"
// convention.
func NewTaskBus(cfg config.NATSConfig, log *logger.Logger) (TaskBus, error) {
	if cfg.URL == "" {
		return NewMemoryTaskBus(log), nil
	}
	return NewNATSTaskBus(cfg, log)
}

// NATSTaskBus implements TaskBus over NATS core pub/sub with queue
// groups for load-balanced dispatch across dispatcher replicas.
type NATSTaskBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSTaskBus dials NATS with the reconnection policy grounded on
// apps/backend/internal/events/bus/nats.go.
func NewNATSTaskBus(cfg config.NATSConfig, log *logger.Logger) (*NATSTaskBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSTaskBus{conn: conn, log: log}, nil
}

// Publish sends a batch-ready notification.
func (b *NATSTaskBus) Publish(ctx context.Context, msg BatchReady) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal batch ready: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish batch ready: %w", err)
	}
	return nil
}

// Subscribe registers a queue-grouped handler; NATS delivers each
// message to exactly one subscriber in the group.
func (b *NATSTaskBus) Subscribe(queue string, handler Handler) error {
	_, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var ready BatchReady
		if err := json.Unmarshal(msg.Data, &ready); err != nil {
			b.log.Error("malformed batch ready message", zap.Error(err))
			return
		}
		if err := handler(context.Background(), ready); err != nil {
			b.log.Error("batch handler failed", zap.String("plan_id", ready.PlanID), zap.Error(err))
		}
	})
	return err
}

// Close drains and closes the NATS connection.
func (b *NATSTaskBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}

// MemoryTaskBus implements TaskBus in process, calling the handler on a
// new goroutine per message, sufficient for single-process deployments
// and tests.
type MemoryTaskBus struct {
	mu       sync.Mutex
	handlers []Handler
	log      *logger.Logger
	closed   bool
}

// NewMemoryTaskBus constructs an in-memory task bus.
func NewMemoryTaskBus(log *logger.Logger) *MemoryTaskBus {
	return &MemoryTaskBus{log: log}
}

// Publish delivers the message to the first registered handler only,
// on a new goroutine; handlers registered after it never receive it.
func (b *MemoryTaskBus) Publish(ctx context.Context, msg BatchReady) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("task bus is closed")
	}
	if len(b.handlers) == 0 {
		return nil
	}
	handler := b.handlers[0]
	go func() {
		if err := handler(context.Background(), msg); err != nil {
			b.log.Error("batch handler failed", zap.String("plan_id", msg.PlanID), zap.Error(err))
		}
	}()
	return nil
}

// Subscribe registers a handler. The queue group name is ignored: only
// the first handler ever registered, under any name, receives messages.
func (b *MemoryTaskBus) Subscribe(queue string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handler)
	return nil
}

// Close marks the bus closed; further Publish calls fail.
func (b *MemoryTaskBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
