package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/kandev/internal/domain"
)

// SQLStore is the relational Command Store backend, grounded on
// internal/task/repository's sqlite task repository: one writer
// connection, schema created on open, prepared-statement-shaped
// queries. It truncates output to maxOutputLength on write, matching
// the source's pretty_string behavior for the db-backed store; input is
// stored as given, without truncation.
type SQLStore struct {
	db              *sql.DB
	maxOutputLength int
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens (creating if needed) a sqlite-backed Command Store at
// dbPath. maxOutputLength <= 0 disables truncation.
func NewSQLStore(dbPath string, maxOutputLength int) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open command store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLStore{db: db, maxOutputLength: maxOutputLength}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init command store schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		idx INTEGER NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		pause INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'not-start',
		timestamp INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE(execution_id, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_commands_execution ON commands(execution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) truncate(text string) string {
	if s.maxOutputLength > 0 && len(text) > s.maxOutputLength {
		return text[:s.maxOutputLength]
	}
	return text
}

func (s *SQLStore) nextIndex(ctx context.Context, executionID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM commands WHERE execution_id = ?`, executionID,
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
func (s *SQLStore) Append(ctx context.Context, cmd *domain.Command) (string, error) {
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
		INSERT INTO commands (id, execution_id, tenant_id, idx, input, output, pause, status, timestamp, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, cmd.ExecutionID, cmd.TenantID, cmd.Index, cmd.Input, s.truncate(cmd.Output), boolToInt(cmd.Pause), cmd.Status, cmd.Timestamp, boolToInt(cmd.Deleted))
	if err != nil {
		return "", err
	}
	return cmd.ID, nil
}

// Get performs an O(1) lookup scoped by tenant.
func (s *SQLStore) Get(ctx context.Context, executionID, commandID, tenantID string) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, tenant_id, idx, input, output, pause, status, timestamp, deleted
		FROM commands WHERE execution_id = ? AND id = ? AND tenant_id = ?
	`, executionID, commandID, tenantID)

	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, ErrCommandNotFound
	}
	return cmd, err
}

// List returns an execution's commands in index order.
func (s *SQLStore) List(ctx context.Context, executionID string, all bool) ([]*domain.Command, error) {
	query := `SELECT id, execution_id, tenant_id, idx, input, output, pause, status, timestamp, deleted
		FROM commands WHERE execution_id = ?`
	if !all {
		query += ` AND status != ?`
	}
	query += ` ORDER BY idx ASC`

	var (
		rows *sql.Rows
		err  error
	)
	if all {
		rows, err = s.db.QueryContext(ctx, query, executionID)
	} else {
		rows, err = s.db.QueryContext(ctx, query, executionID, domain.CommandStatusSuccess)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// Update is a fields-only, idempotent update of status/output/timestamp.
func (s *SQLStore) Update(ctx context.Context, commandID, tenantID string, update Update) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, output = ?, timestamp = ?
		WHERE id = ? AND tenant_id = ?
	`, update.Status, s.truncate(update.Output), update.Timestamp, commandID, tenantID)
	return err
}

// BulkCreate atomically inserts a dense run of commands.
func (s *SQLStore) BulkCreate(ctx context.Context, commands []*domain.Command) error {
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
			INSERT INTO commands (id, execution_id, tenant_id, idx, input, output, pause, status, timestamp, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cmd.ID, cmd.ExecutionID, cmd.TenantID, cmd.Index, cmd.Input, s.truncate(cmd.Output), boolToInt(cmd.Pause), cmd.Status, cmd.Timestamp, boolToInt(cmd.Deleted))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Filter returns commands matching f, ordered by index.
func (s *SQLStore) Filter(ctx context.Context, f Filter) ([]*domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, tenant_id, idx, input, output, pause, status, timestamp, deleted
		FROM commands WHERE execution_id = ? AND tenant_id = ? ORDER BY idx ASC
	`, f.ExecutionID, f.TenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

// Count returns the number of commands matching f.
func (s *SQLStore) Count(ctx context.Context, f Filter) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commands WHERE execution_id = ? AND tenant_id = ?
	`, f.ExecutionID, f.TenantID).Scan(&n)
	return n, err
}

// PurgeDeleted hard-deletes soft-deleted commands for an execution.
func (s *SQLStore) PurgeDeleted(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE execution_id = ? AND deleted = 1`, executionID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (*domain.Command, error) {
	cmd := &domain.Command{}
	var pause, deleted int
	err := row.Scan(&cmd.ID, &cmd.ExecutionID, &cmd.TenantID, &cmd.Index, &cmd.Input, &cmd.Output, &pause, &cmd.Status, &cmd.Timestamp, &deleted)
	if err != nil {
		return nil, err
	}
	cmd.Pause = pause != 0
	cmd.Deleted = deleted != 0
	return cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*domain.Command, error) {
	var result []*domain.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cmd)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
