// Package dispatch implements the Batch Dispatcher: the
// serial state-machine walk over one plan's ordered executions.
// Structurally generalized from internal/orchestrator/executor.Executor
// (concurrency-gated task launcher) to a per-plan serial walk; the
// dispatcher has no concurrency gate of its own: each Dispatch call walks
// one batch on the caller's goroutine.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/agent/driver"
	apperrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/command/store"
	"github.com/kandev/kandev/internal/domain"
	"github.com/kandev/kandev/internal/execution/repo"
	"github.com/kandev/kandev/internal/execution/state"
)

// PauseError is raised when a pause-category command halts a batch
// cooperatively; the dispatcher treats it as a halt, not a failure.
type PauseError struct {
	CommandInput  string
	CommandOutput string
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("execution paused at command %q (output: %q)", e.CommandInput, e.CommandOutput)
}

// WorkerSelector is the subset of worker.Registry the dispatcher needs.
type WorkerSelector interface {
	Select(ctx context.Context, tenantID string, labels []string) (*domain.Worker, error)
	Release(w *domain.Worker)
}

// AgentDriver is the subset of driver.Driver the dispatcher needs.
type AgentDriver interface {
	Invoke(ctx context.Context, w *domain.Worker, exec *domain.Execution, env driver.InvocationEnvelope, bundle []byte, fileInput []byte, fileName string) error
}

// StatusStream is the append-only colored log the dispatcher narrates
// batch progress into.
type StatusStream interface {
	Info(ctx context.Context, taskID, line string) error
	Success(ctx context.Context, taskID, line string) error
	Warn(ctx context.Context, taskID, line string) error
	Error(ctx context.Context, taskID, line string) error
}

// ControlPlaneHost returns the base URL agents call back to.
type ControlPlaneHost func() string

// Dispatcher drives one plan's executions to completion in order.
type Dispatcher struct {
	plans          repo.PlanRepo
	executions     repo.ExecutionRepo
	environments   repo.EnvironmentRepo
	commands       store.Store
	workers        WorkerSelector
	agent          AgentDriver
	stream         StatusStream
	host           ControlPlaneHost
	encryptBundles bool
	log            *logger.Logger

	mu      sync.Mutex
	latched map[string]domain.ExecutionStatus // executionID -> last-seen terminal-ish status cache
}

// New constructs a Dispatcher. encryptBundles mirrors
// config.CommandConfig.EncryptBundles: when true, command bundles are
// AES-encrypted before being written to the worker and the invocation
// envelope's encrypted_data flag is set to match.
func New(
	plans repo.PlanRepo,
	executions repo.ExecutionRepo,
	environments repo.EnvironmentRepo,
	commands store.Store,
	workers WorkerSelector,
	agent AgentDriver,
	stream StatusStream,
	host ControlPlaneHost,
	encryptBundles bool,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		plans:          plans,
		executions:     executions,
		environments:   environments,
		commands:       commands,
		workers:        workers,
		agent:          agent,
		stream:         stream,
		host:           host,
		encryptBundles: encryptBundles,
		log:            log.WithFields(zap.String("component", "dispatcher")),
		latched:        make(map[string]domain.ExecutionStatus),
	}
}

// Dispatch runs the full dispatch algorithm for one plan's batch.
// It blocks until the batch halts (stop-on-fail, pause, or completion)
// and starts no goroutine of its own; cmd/behemothd drains queued
// batches through it one at a time, so batches of different plans do
// not run in parallel.
func (d *Dispatcher) Dispatch(ctx context.Context, planID, tenantID string) error {
	plan, err := d.plans.Get(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	all, err := d.executions.ListByPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	pending := make([]*domain.Execution, 0, len(all))
	for _, e := range all {
		if e.Status == domain.ExecutionStatusSuccess || e.Status == domain.ExecutionStatusExecuting {
			continue
		}
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		return apperrors.BadRequest("task is running or finished")
	}

	d.mu.Lock()
	for _, e := range pending {
		d.latched[e.ID] = ""
	}
	d.mu.Unlock()

	_ = d.stream.Info(ctx, planID, fmt.Sprintf("task executors: %v", plan.Name))

	machine := state.New(d.executions)

	var previousFailed bool
	for i, exec := range pending {
		if previousFailed && plan.Strategy != domain.PlanStrategyFailedContinue {
			break
		}

		if i == 0 && exec.Category == domain.ExecutionCategoryPause {
			if err := machine.Transition(exec.ID, domain.ExecutionStatusExecuting, ""); err != nil {
				return err
			}
			if err := machine.Transition(exec.ID, domain.ExecutionStatusSuccess, "boundary pause pre-consented"); err != nil {
				return err
			}
			continue
		}

		if err := machine.Transition(exec.ID, domain.ExecutionStatusExecuting, ""); err != nil {
			return err
		}

		if plan.Category == domain.PlanCategorySync && exec.AssetNameSuffix != "" {
			if err := d.resolveLateBinding(ctx, plan, exec); err != nil {
				_ = machine.Transition(exec.ID, domain.ExecutionStatusFailed, err.Error())
				_ = d.stream.Error(ctx, planID, err.Error())
				previousFailed = true
				continue
			}
		}

		err := d.work(ctx, plan, exec)
		switch e := err.(type) {
		case nil:
			// work() leaves the execution in whatever non-terminal or
			// terminal state it landed in; nothing further to do here.
		case *PauseError:
			_ = machine.Transition(exec.ID, domain.ExecutionStatusPause, e.Error())
			_ = d.stream.Warn(ctx, planID, e.Error())
			previousFailed = false
			// pause halts the batch without marking it as a failure.
			return nil
		default:
			_ = machine.Transition(exec.ID, domain.ExecutionStatusFailed, err.Error())
			_ = d.stream.Error(ctx, planID, err.Error())
			previousFailed = true
		}
	}

	return nil
}

// resolveLateBinding resolves a sync-plan execution's asset-name-suffix
// and account-username hints against the plan's environment.
func (d *Dispatcher) resolveLateBinding(ctx context.Context, plan *domain.Plan, exec *domain.Execution) error {
	env, err := d.environments.Get(ctx, plan.EnvironmentID)
	if err != nil {
		return apperrors.BadRequest("late-binding environment not found")
	}

	asset, ok := env.FindAssetBySuffix(exec.AssetNameSuffix)
	if !ok {
		return apperrors.BadRequest(fmt.Sprintf("no asset matching suffix %q", exec.AssetNameSuffix))
	}

	account, ok := asset.FindAccountByUsername(exec.AccountUsername)
	if !ok {
		return apperrors.BadRequest(fmt.Sprintf("no account %q on asset %q", exec.AccountUsername, asset.Name))
	}

	exec.AssetID = asset.ID
	exec.AccountID = account.Username
	return d.executions.Update(ctx, exec)
}

// work selects a worker, builds the command bundle, and invokes the
// Remote Agent Driver. It blocks until the agent has been invoked, not
// until commands finish.
func (d *Dispatcher) work(ctx context.Context, plan *domain.Plan, exec *domain.Execution) error {
	commands, err := d.commands.List(ctx, exec.ID, false)
	if err != nil {
		return fmt.Errorf("list commands: %w", err)
	}
	if len(commands) == 0 {
		_ = d.stream.Warn(ctx, plan.ID, fmt.Sprintf("execution %s has no remaining commands, skipping", exec.ID))
		return nil
	}

	if exec.Category == domain.ExecutionCategoryPause {
		cmd := commands[0]
		return &PauseError{CommandInput: cmd.Input, CommandOutput: cmd.Output}
	}

	asset, account := d.resolveTarget(ctx, plan, exec)

	labels := []string{}
	if asset != nil {
		labels = asset.Labels
	}
	worker, err := d.workers.Select(ctx, exec.TenantID, labels)
	if err != nil {
		return apperrors.NoWorkerAvailable("no valid worker found")
	}
	defer d.workers.Release(worker)

	bundle, err := driver.BuildBundle(commands)
	if err != nil {
		return fmt.Errorf("build bundle: %w", err)
	}

	if exec.BearerToken == "" {
		exec.BearerToken = uuid.New().String()
	}

	if d.encryptBundles {
		bundle, err = driver.EncryptBundle(bundle, exec.BearerToken)
		if err != nil {
			return fmt.Errorf("encrypt bundle: %w", err)
		}
	}

	auth := driver.AuthEnvelope{}
	if asset != nil {
		auth.Address = asset.Address
		auth.Port = asset.Port
		auth.DBName = asset.DBName
	}
	if account != nil {
		auth.Username = account.Username
		auth.Password = account.Password
	}

	env := driver.InvocationEnvelope{
		Host:          d.host(),
		Token:         exec.BearerToken,
		TaskID:        exec.ID,
		OrgID:         exec.TenantID,
		CmdType:       driver.CmdType(exec.CmdType),
		Script:        exec.Script,
		Auth:          auth,
		EncryptedData: d.encryptBundles,
		Envs:          exec.Envs,
	}

	var fileInput []byte
	var fileName string
	if exec.Category == domain.ExecutionCategoryFile && len(commands) == 1 {
		fileInput = []byte(commands[0].Input)
		fileName = commands[0].ID
	}

	if err := d.agent.Invoke(ctx, worker, exec, env, bundle, fileInput, fileName); err != nil {
		return fmt.Errorf("invoke agent: %w", err)
	}
	return nil
}

// resolveTarget looks up the asset and account an execution is bound
// to, deploy plans through plan.AssetID/AccountID and sync plans
// (post-late-binding) through exec.AssetID/AccountID, to source worker
// label affinity and the invocation envelope's auth block. It returns
// nil, nil when the plan carries no environment or the IDs don't
// resolve, matching resolveDisplayNames's fail-open shape.
func (d *Dispatcher) resolveTarget(ctx context.Context, plan *domain.Plan, exec *domain.Execution) (*domain.Asset, *domain.AccountRef) {
	if plan.EnvironmentID == "" {
		return nil, nil
	}

	assetID := exec.AssetID
	accountID := exec.AccountID
	if assetID == "" {
		assetID = plan.AssetID
		accountID = plan.AccountID
	}
	if assetID == "" {
		return nil, nil
	}

	env, err := d.environments.Get(ctx, plan.EnvironmentID)
	if err != nil {
		return nil, nil
	}

	asset, ok := env.FindAssetByID(assetID)
	if !ok {
		return nil, nil
	}

	account, ok := asset.FindAccountByUsername(accountID)
	if !ok {
		return asset, nil
	}
	return asset, account
}
