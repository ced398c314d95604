// Package store implements the Command Store: an append-only,
// per-execution ordered command log behind a single contract with two
// interchangeable backends, mirroring the source's shared db/es
// BaseStore contract.
package store

import (
	"context"
	"errors"

	"github.com/kandev/kandev/internal/domain"
)

// ErrCommandNotFound is returned when Get addresses a command that does
// not exist (or does not belong to the given tenant). Update of such a
// command changes no row and returns nil.
var ErrCommandNotFound = errors.New("command not found")

// ErrDenseIndexViolation is returned by BulkCreate when the supplied
// commands do not form a dense 0..N-1 run.
var ErrDenseIndexViolation = errors.New("command indices must be a dense run starting at 0")

// Update carries the fields the Callback Endpoint is allowed to mutate.
// It is intentionally narrower than domain.Command: only status, output
// and timestamp change; input, index and pause are never updated.
type Update struct {
	Status    domain.CommandStatus
	Output    string
	Timestamp int64
}

// Filter scopes a read to one execution (and tenant, for isolation).
type Filter struct {
	ExecutionID string
	TenantID    string
}

// Store is the pluggable Command Store contract ("pluggable storage
// backend"). SQLStore and IndexStore both implement it; selection
// happens once at process start.
type Store interface {
	// Append inserts one command at the next dense ordinal for its
	// execution and returns its assigned id.
	Append(ctx context.Context, cmd *domain.Command) (string, error)

	// Get performs an O(1) lookup scoped by tenant.
	Get(ctx context.Context, executionID, commandID, tenantID string) (*domain.Command, error)

	// List returns an execution's commands in index order; when all is
	// false, commands already in CommandStatusSuccess are omitted.
	List(ctx context.Context, executionID string, all bool) ([]*domain.Command, error)

	// Update is a fields-only, idempotent update of status/output/timestamp.
	Update(ctx context.Context, commandID, tenantID string, update Update) error

	// BulkCreate atomically inserts a dense run of commands; on any
	// failure none are persisted.
	BulkCreate(ctx context.Context, commands []*domain.Command) error

	// Filter returns commands matching f (used by playback cloning and
	// by administrative listing).
	Filter(ctx context.Context, f Filter) ([]*domain.Command, error)

	// Count returns the number of commands matching f.
	Count(ctx context.Context, f Filter) (int, error)

	// PurgeDeleted hard-deletes soft-deleted commands for an execution,
	// used by playback sync materialization to clean up while it still
	// holds the source execution's commands.
	PurgeDeleted(ctx context.Context, executionID string) error

	Close() error
}

func validateDenseRun(commands []*domain.Command) error {
	seen := make(map[int]bool, len(commands))
	for _, c := range commands {
		if seen[c.Index] {
			return ErrDenseIndexViolation
		}
		seen[c.Index] = true
	}
	for i := 0; i < len(commands); i++ {
		if !seen[i] {
			return ErrDenseIndexViolation
		}
	}
	return nil
}
