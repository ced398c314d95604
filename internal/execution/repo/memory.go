package repo

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/kandev/internal/domain"
)

// MemoryPlanRepo is an in-memory PlanRepo, grounded on
// internal/task/repository.MemoryRepository's map+mutex shape.
type MemoryPlanRepo struct {
	mu    sync.RWMutex
	plans map[string]*domain.Plan
}

var _ PlanRepo = (*MemoryPlanRepo)(nil)

// NewMemoryPlanRepo constructs an empty PlanRepo.
func NewMemoryPlanRepo() *MemoryPlanRepo {
	return &MemoryPlanRepo{plans: make(map[string]*domain.Plan)}
}

func (r *MemoryPlanRepo) Create(ctx context.Context, p *domain.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.ID] = p
	return nil
}

func (r *MemoryPlanRepo) Get(ctx context.Context, id string) (*domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (r *MemoryPlanRepo) Update(ctx context.Context, p *domain.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[p.ID]; !ok {
		return ErrNotFound
	}
	r.plans[p.ID] = p
	return nil
}

func (r *MemoryPlanRepo) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.Plan
	for _, p := range r.plans {
		if p.TenantID == tenantID {
			result = append(result, p)
		}
	}
	return result, nil
}

// MemoryExecutionRepo is an in-memory ExecutionRepo that also satisfies
// state.Store directly, so the dispatcher can drive the state machine
// straight off the repository.
type MemoryExecutionRepo struct {
	mu         sync.RWMutex
	executions map[string]*domain.Execution
	byPlan     map[string][]string // planID -> ordered execution IDs
}

var _ ExecutionRepo = (*MemoryExecutionRepo)(nil)

// NewMemoryExecutionRepo constructs an empty ExecutionRepo.
func NewMemoryExecutionRepo() *MemoryExecutionRepo {
	return &MemoryExecutionRepo{
		executions: make(map[string]*domain.Execution),
		byPlan:     make(map[string][]string),
	}
}

func (r *MemoryExecutionRepo) Create(ctx context.Context, e *domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	r.executions[e.ID] = e
	r.byPlan[e.PlanID] = append(r.byPlan[e.PlanID], e.ID)
	return nil
}

func (r *MemoryExecutionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *MemoryExecutionRepo) Update(ctx context.Context, e *domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = time.Now().UTC()
	r.executions[e.ID] = e
	return nil
}

// ListByPlan returns executions in the dense-index insertion order they
// were created in, matching the "ordered executions" contract.
func (r *MemoryExecutionRepo) ListByPlan(ctx context.Context, planID string) ([]*domain.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPlan[planID]
	result := make([]*domain.Execution, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.executions[id])
	}
	return result, nil
}

func (r *MemoryExecutionRepo) GetExecutionStatus(executionID string) (domain.ExecutionStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[executionID]
	if !ok {
		return "", ErrNotFound
	}
	return e.Status, nil
}

func (r *MemoryExecutionRepo) SetExecutionStatus(executionID string, status domain.ExecutionStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.Reason = reason
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// MemoryEnvironmentRepo is an in-memory EnvironmentRepo.
type MemoryEnvironmentRepo struct {
	mu           sync.RWMutex
	environments map[string]*domain.Environment
}

var _ EnvironmentRepo = (*MemoryEnvironmentRepo)(nil)

// NewMemoryEnvironmentRepo constructs an empty EnvironmentRepo.
func NewMemoryEnvironmentRepo() *MemoryEnvironmentRepo {
	return &MemoryEnvironmentRepo{environments: make(map[string]*domain.Environment)}
}

func (r *MemoryEnvironmentRepo) Get(ctx context.Context, id string) (*domain.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.environments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *MemoryEnvironmentRepo) Create(ctx context.Context, e *domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.environments[e.ID] = e
	return nil
}

// MemoryPlaybackRepo is an in-memory PlaybackRepo.
type MemoryPlaybackRepo struct {
	mu         sync.RWMutex
	playbacks  map[string]*domain.Playback
	executions map[string][]*domain.PlaybackExecution // playbackID -> its executions, in record order
}

var _ PlaybackRepo = (*MemoryPlaybackRepo)(nil)

// NewMemoryPlaybackRepo constructs an empty PlaybackRepo.
func NewMemoryPlaybackRepo() *MemoryPlaybackRepo {
	return &MemoryPlaybackRepo{
		playbacks:  make(map[string]*domain.Playback),
		executions: make(map[string][]*domain.PlaybackExecution),
	}
}

func (r *MemoryPlaybackRepo) CreatePlayback(ctx context.Context, p *domain.Playback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbacks[p.ID] = p
	return nil
}

func (r *MemoryPlaybackRepo) GetPlayback(ctx context.Context, id string) (*domain.Playback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.playbacks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (r *MemoryPlaybackRepo) CreatePlaybackExecution(ctx context.Context, pe *domain.PlaybackExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[pe.PlaybackID] = append(r.executions[pe.PlaybackID], pe)
	return nil
}

func (r *MemoryPlaybackRepo) ListPlaybackExecutions(ctx context.Context, playbackID string) ([]*domain.PlaybackExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*domain.PlaybackExecution, len(r.executions[playbackID]))
	copy(result, r.executions[playbackID])
	return result, nil
}
