// Package queue holds the pending-batch priority queue that feeds the
// Batch Dispatcher, adapted from the orchestrator's task priority queue.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("batch queue is full")
	// ErrBatchExists is returned when a plan's batch is already queued.
	ErrBatchExists = errors.New("batch already queued for this plan")
)

// QueuedBatch is one plan awaiting dispatch.
type QueuedBatch struct {
	PlanID   string
	TenantID string
	Priority int // higher runs first
	QueuedAt time.Time
	index    int
}

type batchHeap []*QueuedBatch

func (h batchHeap) Len() int { return len(h) }

func (h batchHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h batchHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *batchHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedBatch)
	item.index = n
	*h = append(*h, item)
}

func (h *batchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// BatchQueue is the pending-plan priority queue the dispatcher drains.
type BatchQueue struct {
	mu      sync.RWMutex
	heap    batchHeap
	planMap map[string]*QueuedBatch
	maxSize int
}

// NewBatchQueue constructs an empty queue. maxSize <= 0 means unbounded.
func NewBatchQueue(maxSize int) *BatchQueue {
	q := &BatchQueue{
		heap:    make(batchHeap, 0),
		planMap: make(map[string]*QueuedBatch),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a plan's batch to the queue.
func (q *BatchQueue) Enqueue(planID, tenantID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.planMap[planID]; exists {
		return ErrBatchExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	qb := &QueuedBatch{
		PlanID:   planID,
		TenantID: tenantID,
		Priority: priority,
		QueuedAt: time.Now(),
	}
	heap.Push(&q.heap, qb)
	q.planMap[planID] = qb
	return nil
}

// Dequeue removes and returns the highest-priority batch, or nil if empty.
func (q *BatchQueue) Dequeue() *QueuedBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qb := heap.Pop(&q.heap).(*QueuedBatch)
	delete(q.planMap, qb.PlanID)
	return qb
}

// Contains reports whether a plan's batch is already queued.
func (q *BatchQueue) Contains(planID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.planMap[planID]
	return exists
}

// Len returns the number of queued batches.
func (q *BatchQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// List returns a snapshot of all queued batches.
func (q *BatchQueue) List() []*QueuedBatch {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*QueuedBatch, len(q.heap))
	copy(result, q.heap)
	return result
}
