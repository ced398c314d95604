// Package worker implements the Worker Registry: a process-wide,
// tenant-scoped map from label to worker, with label-affinity
// selection, liveness checking, and dirty-list driven refresh.
//
// This replaces the source's module-level `worker_pool = WorkerPool()`
// singleton with an explicitly constructed Registry passed by reference.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/domain"
)

const defaultBucketKey = ""

const dirtyEntryTTL = 24 * time.Hour

// ConnectivityChecker performs the authenticated secure-shell handshake
// used to confirm a worker is reachable before handing it to a dispatcher.
// Implemented by the Remote Agent Driver.
type ConnectivityChecker interface {
	TestConnectivity(ctx context.Context, w *domain.Worker) error
}

// Loader re-reads one worker from the system of record, used by
// RefreshAll to rebuild dirty entries.
type Loader interface {
	LoadWorker(ctx context.Context, tenantID, workerID string) (*domain.Worker, error)
}

type dirtyEntry struct {
	tenantID string
	workerID string
	markedAt time.Time
}

// Registry is a single in-memory, tenant-scoped worker pool.
type Registry struct {
	mu sync.Mutex

	// buckets[tenantID][label][workerName] = worker
	buckets map[string]map[string]map[string]*domain.Worker
	// defaults[tenantID][workerName] = worker, for workers with no label
	defaults map[string]map[string]*domain.Worker

	dirty []dirtyEntry

	checker ConnectivityChecker
	loader  Loader
	log     *logger.Logger
}

// New constructs an empty Registry.
func New(checker ConnectivityChecker, loader Loader, log *logger.Logger) *Registry {
	return &Registry{
		buckets:  make(map[string]map[string]map[string]*domain.Worker),
		defaults: make(map[string]map[string]*domain.Worker),
		checker:  checker,
		loader:   loader,
		log:      log.WithFields(zap.String("component", "worker_registry")),
	}
}

func (r *Registry) tenantBuckets(tenantID string) map[string]map[string]*domain.Worker {
	b, ok := r.buckets[tenantID]
	if !ok {
		b = make(map[string]map[string]*domain.Worker)
		r.buckets[tenantID] = b
	}
	return b
}

func (r *Registry) tenantDefaults(tenantID string) map[string]*domain.Worker {
	d, ok := r.defaults[tenantID]
	if !ok {
		d = make(map[string]*domain.Worker)
		r.defaults[tenantID] = d
	}
	return d
}

// Add registers w in every label bucket it belongs to, or the tenant's
// default bucket if it has no labels.
func (r *Registry) Add(w *domain.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(w)
}

func (r *Registry) addLocked(w *domain.Worker) {
	if len(w.Labels) == 0 {
		r.tenantDefaults(w.TenantID)[w.Name] = w
		return
	}
	buckets := r.tenantBuckets(w.TenantID)
	for _, label := range w.Labels {
		bucket, ok := buckets[label]
		if !ok {
			bucket = make(map[string]*domain.Worker)
			buckets[label] = bucket
		}
		bucket[w.Name] = w
	}
}

// Remove deregisters w from every label bucket and the default bucket.
func (r *Registry) Remove(w *domain.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(w.TenantID, w.Name, w.Labels)
}

func (r *Registry) removeLocked(tenantID, name string, labels []string) {
	if len(labels) == 0 {
		delete(r.tenantDefaults(tenantID), name)
		return
	}
	buckets := r.tenantBuckets(tenantID)
	for _, label := range labels {
		if bucket, ok := buckets[label]; ok {
			delete(bucket, name)
		}
	}
}

// MarkChanged appends a dirty-list entry with a 24h lifetime; RefreshAll
// will drop and re-read this worker on its next call.
func (r *Registry) MarkChanged(tenantID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = append(r.dirty, dirtyEntry{tenantID: tenantID, workerID: workerID, markedAt: time.Now()})
}

// RefreshAll drains the dirty list: for each unexpired entry, removes any
// registered worker with that id from all buckets and re-adds the
// freshly loaded copy. Expired entries (older than 24h) are dropped
// without action. Called by the Batch Dispatcher before each dispatch.
func (r *Registry) RefreshAll(ctx context.Context) error {
	r.mu.Lock()
	pending := r.dirty
	r.dirty = nil
	r.mu.Unlock()

	now := time.Now()
	for _, entry := range pending {
		if now.Sub(entry.markedAt) > dirtyEntryTTL {
			continue
		}
		worker, err := r.loader.LoadWorker(ctx, entry.tenantID, entry.workerID)
		if err != nil {
			r.log.Warn("refresh_all: failed to reload worker",
				zap.String("tenant_id", entry.tenantID),
				zap.String("worker_id", entry.workerID),
				zap.Error(err))
			continue
		}

		r.mu.Lock()
		r.removeByID(entry.tenantID, entry.workerID)
		if worker != nil {
			r.addLocked(worker)
		}
		r.mu.Unlock()
	}
	return nil
}

// removeByID scans every bucket for a worker with the given id and drops
// it; callers must hold r.mu.
func (r *Registry) removeByID(tenantID, workerID string) {
	for _, bucket := range r.tenantBuckets(tenantID) {
		for name, w := range bucket {
			if w.ID == workerID {
				delete(bucket, name)
			}
		}
	}
	for name, w := range r.tenantDefaults(tenantID) {
		if w.ID == workerID {
			delete(r.tenantDefaults(tenantID), name)
		}
	}
}

// Select pops a worker for tenantID matching labels (by affinity), tests
// its connectivity, and returns it. On connectivity failure the worker is
// discarded from this selection attempt and the next-best candidate is
// tried. Selection never raises; it returns apperrors.NoWorkerAvailable
// when no candidate is reachable, letting the caller decide.
func (r *Registry) Select(ctx context.Context, tenantID string, labels []string) (*domain.Worker, error) {
	for {
		w := r.popCandidate(tenantID, labels)
		if w == nil {
			return nil, apperrors.NoWorkerAvailable(firstLabel(labels))
		}

		if err := r.checker.TestConnectivity(ctx, w); err != nil {
			r.log.Warn("worker failed connectivity check, discarding from selection",
				zap.String("worker_id", w.ID), zap.Error(err))
			continue
		}
		return w, nil
	}
}

// Release returns a previously selected worker to the registry so it
// re-enters the pool once its current execution completes.
func (r *Registry) Release(w *domain.Worker) {
	r.Add(w)
}

func firstLabel(labels []string) string {
	if len(labels) == 0 {
		return "<default>"
	}
	return labels[0]
}

// popCandidate implements the read+remove selection step: with labels, it
// picks the bucket whose key is most similar to the first requested
// label, pops an arbitrary worker from it, and falls back to the default
// bucket if that bucket is empty. With no labels, it pops from the
// combined set (all label buckets plus default).
func (r *Registry) popCandidate(tenantID string, labels []string) *domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(labels) > 0 {
		buckets := r.tenantBuckets(tenantID)
		bucketKeys := make([]string, 0, len(buckets))
		for k := range buckets {
			bucketKeys = append(bucketKeys, k)
		}
		if label, ok := mostSimilarLabel(labels[0], bucketKeys); ok {
			if w := popAny(buckets[label]); w != nil {
				return w
			}
		}
		return popAny(r.tenantDefaults(tenantID))
	}

	// No labels: pop from the combined set, label buckets first.
	for _, bucket := range r.tenantBuckets(tenantID) {
		if w := popAny(bucket); w != nil {
			return w
		}
	}
	return popAny(r.tenantDefaults(tenantID))
}

func popAny(bucket map[string]*domain.Worker) *domain.Worker {
	for name, w := range bucket {
		delete(bucket, name)
		return w
	}
	return nil
}
