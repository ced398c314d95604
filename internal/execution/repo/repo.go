// Package repo holds the repositories for Plan, Execution, Environment
// and Playback entities, grounded on internal/task/repository's
// interface+memory split.
package repo

import (
	"context"
	"errors"

	"github.com/kandev/kandev/internal/domain"
)

// ErrNotFound is returned by any Get call that finds nothing.
var ErrNotFound = errors.New("entity not found")

// PlanRepo stores Plan entities.
type PlanRepo interface {
	Create(ctx context.Context, p *domain.Plan) error
	Get(ctx context.Context, id string) (*domain.Plan, error)
	Update(ctx context.Context, p *domain.Plan) error
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Plan, error)
}

// ExecutionRepo stores Execution entities and satisfies
// internal/execution/state.Store.
type ExecutionRepo interface {
	Create(ctx context.Context, e *domain.Execution) error
	Get(ctx context.Context, id string) (*domain.Execution, error)
	Update(ctx context.Context, e *domain.Execution) error
	ListByPlan(ctx context.Context, planID string) ([]*domain.Execution, error)

	GetExecutionStatus(executionID string) (domain.ExecutionStatus, error)
	SetExecutionStatus(executionID string, status domain.ExecutionStatus, reason string) error
}

// EnvironmentRepo stores Environment entities (and their nested Assets)
// used for sync-plan late-binding resolution.
type EnvironmentRepo interface {
	Get(ctx context.Context, id string) (*domain.Environment, error)
	Create(ctx context.Context, e *domain.Environment) error
}

// PlaybackRepo stores Playback and PlaybackExecution entities.
type PlaybackRepo interface {
	CreatePlayback(ctx context.Context, p *domain.Playback) error
	GetPlayback(ctx context.Context, id string) (*domain.Playback, error)

	CreatePlaybackExecution(ctx context.Context, pe *domain.PlaybackExecution) error
	ListPlaybackExecutions(ctx context.Context, playbackID string) ([]*domain.PlaybackExecution, error)
}
