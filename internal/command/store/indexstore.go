package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/kandev/internal/domain"
)

// IndexStore is the search-index Command Store backend: document-per-
// command, full untruncated values, and an `@timestamp`-style derived
// field, standing in for the source's Elasticsearch-backed CommandStore
// (no Elasticsearch/OpenSearch client exists anywhere in the example
// corpus). Implemented over an FTS5 virtual table so full-text fields
// keep the "keyword index on task id and tenant id" property from the
// source backend without requiring an external search cluster.
type IndexStore struct {
	db *sql.DB
}

var _ Store = (*IndexStore)(nil)

// NewIndexStore opens (creating if needed) an FTS5-backed Command Store
// at dbPath.
func NewIndexStore(dbPath string) (*IndexStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open command index store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &IndexStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init command index store schema: %w", err)
	}
	return s, nil
}

func (s *IndexStore) initSchema() error {
	const schema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS commands_idx USING fts5(
		id UNINDEXED,
		execution_id,
		tenant_id,
		idx UNINDEXED,
		input,
		output,
		pause UNINDEXED,
		status UNINDEXED,
		at_timestamp UNINDEXED,
		deleted UNINDEXED
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *IndexStore) Close() error { return s.db.Close() }

func (s *IndexStore) nextIndex(ctx context.Context, executionID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM commands_idx WHERE execution_id = ?`, executionID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// Append inserts cmd at the next dense ordinal for its execution.
func (s *IndexStore) Append(ctx context.Context, cmd *domain.Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	idx, err := s.nextIndex(ctx, cmd.ExecutionID)
	if err != nil {
		return "", err
	}
	cmd.Index = idx
	if cmd.Status == "" {
		cmd.Status = domain.CommandStatusNotStart
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands_idx (id, execution_id, tenant_id, idx, input, output, pause, status, at_timestamp, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.ExecutionID, cmd.TenantID, cmd.Index, cmd.Input, cmd.Output, boolToInt(cmd.Pause), cmd.Status, cmd.Timestamp, boolToInt(cmd.Deleted))
	if err != nil {
		return "", err
	}
	return cmd.ID, nil
}

// Get performs a lookup scoped by tenant.
func (s *IndexStore) Get(ctx context.Context, executionID, commandID, tenantID string) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, tenant_id, idx, input, output, pause, status, at_timestamp, deleted
		FROM commands_idx WHERE execution_id = ? AND id = ? AND tenant_id = ?
	`, executionID, commandID, tenantID)

	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, ErrCommandNotFound
	}
	return cmd, err
}

// List returns an execution's commands in index order.
func (s *IndexStore) List(ctx context.Context, executionID string, all bool) ([]*domain.Command, error) {
	query := `SELECT id, execution_id, tenant_id, idx, input, output, pause, status, at_timestamp, deleted
		FROM commands_idx WHERE execution_id = ?`
	args := []interface{}{executionID}
	if !all {
		query += ` AND status != ?`
		args = append(args, domain.CommandStatusSuccess)
	}
	query += ` ORDER BY idx ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// Update is a fields-only, idempotent update of status/output/timestamp.
// Output is never truncated in this backend.
func (s *IndexStore) Update(ctx context.Context, commandID, tenantID string, update Update) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands_idx SET status = ?, output = ?, at_timestamp = ?
		WHERE id = ? AND tenant_id = ?
	`, update.Status, update.Output, update.Timestamp, commandID, tenantID)
	return err
}

// BulkCreate atomically inserts a dense run of commands.
func (s *IndexStore) BulkCreate(ctx context.Context, commands []*domain.Command) error {
	if err := validateDenseRun(commands); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cmd := range commands {
		if cmd.ID == "" {
			cmd.ID = uuid.New().String()
		}
		if cmd.Status == "" {
			cmd.Status = domain.CommandStatusNotStart
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commands_idx (id, execution_id, tenant_id, idx, input, output, pause, status, at_timestamp, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cmd.ID, cmd.ExecutionID, cmd.TenantID, cmd.Index, cmd.Input, cmd.Output, boolToInt(cmd.Pause), cmd.Status, cmd.Timestamp, boolToInt(cmd.Deleted))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Filter returns commands matching f, ordered by index.
func (s *IndexStore) Filter(ctx context.Context, f Filter) ([]*domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, tenant_id, idx, input, output, pause, status, at_timestamp, deleted
		FROM commands_idx WHERE execution_id = ? AND tenant_id = ? ORDER BY idx ASC
	`, f.ExecutionID, f.TenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// Count returns the number of commands matching f.
func (s *IndexStore) Count(ctx context.Context, f Filter) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commands_idx WHERE execution_id = ? AND tenant_id = ?
	`, f.ExecutionID, f.TenantID).Scan(&n)
	return n, err
}

// PurgeDeleted hard-deletes soft-deleted commands for an execution.
func (s *IndexStore) PurgeDeleted(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM commands_idx WHERE execution_id = ? AND deleted = 1`, executionID)
	return err
}
