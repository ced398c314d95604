// Package playback implements the Playback Recorder and sync-plan
// materialization: auto-promotion of successful deploy
// executions into replay history, and cloning that history into fresh
// sync-plan executions.
package playback

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/command/store"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
)

// Recorder owns the append-on-success and clone-on-sync-create logic
// grounded on original_source/apps/behemoth/models.py's Playback/
// PlaybackExecution pair.
type Recorder struct {
	playbacks  repo.PlaybackRepo
	executions repo.ExecutionRepo
	commands   store.Store
}

// New constructs a Recorder.
func New(playbacks repo.PlaybackRepo, executions repo.ExecutionRepo, commands store.Store) *Recorder {
	return &Recorder{playbacks: playbacks, executions: executions, commands: commands}
}

// RecordOnSuccess appends a PlaybackExecution row when exec just reached
// a terminal success status on a deploy plan with an auto-promote
// playback strategy; it is a no-op otherwise.
func (r *Recorder) RecordOnSuccess(ctx context.Context, plan *domain.Plan, exec *domain.Execution, assetNameDisplay, accountUsernameDisplay string) error {
	if plan.Category != domain.PlanCategoryDeploy || plan.PlaybackStrategy != domain.PlaybackStrategyAutoPromote {
		return nil
	}
	if plan.PlaybackID == "" {
		return nil
	}

	pe := &domain.PlaybackExecution{
		ID:              uuid.New().String(),
		PlaybackID:      plan.PlaybackID,
		ExecutionID:     exec.ID,
		PlanName:        plan.Name,
		AssetName:       assetNameDisplay,
		AccountUsername: accountUsernameDisplay,
		Version:         exec.Version,
	}
	return r.playbacks.CreatePlaybackExecution(ctx, pe)
}

// MaterializeSyncPlan clones a playback's recorded executions into fresh
// executions under a newly created sync plan. Cloning is atomic per
// source execution: a failure cloning one source execution's commands
// rolls back that execution's clones only, leaving earlier clones
// intact.
func (r *Recorder) MaterializeSyncPlan(ctx context.Context, newPlanID string, playbackExecutionIDs []string, source map[string]*domain.PlaybackExecution) ([]*domain.Execution, error) {
	created := make([]*domain.Execution, 0, len(playbackExecutionIDs))

	for _, peID := range playbackExecutionIDs {
		pe, ok := source[peID]
		if !ok {
			return created, fmt.Errorf("playback execution %s not found", peID)
		}

		sourceExec, err := r.executions.Get(ctx, pe.ExecutionID)
		if err != nil {
			return created, fmt.Errorf("load source execution %s: %w", pe.ExecutionID, err)
		}

		newExec := &domain.Execution{
			ID:              uuid.New().String(),
			PlanID:          newPlanID,
			TenantID:        sourceExec.TenantID,
			Name:            sourceExec.Name,
			Category:        sourceExec.Category,
			Status:          domain.ExecutionStatusNotStart,
			Version:         sourceExec.Version,
			AssetNameSuffix: pe.AssetName,
			AccountUsername: pe.AccountUsername,
		}

		if err := r.executions.Create(ctx, newExec); err != nil {
			return created, fmt.Errorf("create cloned execution: %w", err)
		}

		if err := r.cloneCommands(ctx, sourceExec.ID, newExec.ID, sourceExec.TenantID, sourceExec.Category); err != nil {
			return created, fmt.Errorf("clone commands for execution %s: %w", sourceExec.ID, err)
		}

		created = append(created, newExec)
	}

	return created, nil
}

// cloneCommands clones a source execution's commands into the new
// execution with indices reset to a dense run starting at 0,
// hard-deleting any source commands already soft-deleted as cleanup.
func (r *Recorder) cloneCommands(ctx context.Context, sourceExecutionID, newExecutionID, tenantID string, category domain.ExecutionCategory) error {
	sourceCommands, err := r.commands.Filter(ctx, store.Filter{ExecutionID: sourceExecutionID, TenantID: tenantID})
	if err != nil {
		return err
	}

	clones := make([]*domain.Command, 0, len(sourceCommands))
	idx := 0
	for _, c := range sourceCommands {
		if c.Deleted {
			continue
		}

		clone := &domain.Command{
			ID:          uuid.New().String(),
			ExecutionID: newExecutionID,
			TenantID:    c.TenantID,
			Index:       idx,
			Input:       c.Input,
			Status:      domain.CommandStatusNotStart,
			Pause:       c.Pause,
		}
		if category == domain.ExecutionCategoryFile {
			clone.Input = c.Input // input carries the blob reference verbatim
		}
		if category == domain.ExecutionCategoryPause {
			clone.Output = c.Output
		}
		clones = append(clones, clone)
		idx++
	}

	if len(clones) > 0 {
		if err := r.commands.BulkCreate(ctx, clones); err != nil {
			return err
		}
	}

	return r.commands.PurgeDeleted(ctx, sourceExecutionID)
}
