package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/domain"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands.db")
	s, err := NewSQLStore(path, 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreAppendAssignsDenseIndex(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := s.Append(ctx, &domain.Command{ExecutionID: "e1", Input: "SELECT 1;"})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	commands, err := s.List(ctx, "e1", true)
	require.NoError(t, err)
	require.Len(t, commands, 3)
	for i, c := range commands {
		assert.Equal(t, i, c.Index)
	}
}

func TestSQLStoreListExcludesSuccessWhenNotAll(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	id1, err := s.Append(ctx, &domain.Command{ExecutionID: "e1", Input: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, &domain.Command{ExecutionID: "e1", Input: "b"})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, id1, "", Update{Status: domain.CommandStatusSuccess, Output: "ok", Timestamp: 1}))

	remaining, err := s.List(ctx, "e1", false)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestSQLStoreTruncatesOutputToPolicyMax(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, &domain.Command{ExecutionID: "e1", Input: "a"})
	require.NoError(t, err)
	longOutput := make([]byte, 100)
	for i := range longOutput {
		longOutput[i] = 'x'
	}

	require.NoError(t, s.Update(ctx, id, "", Update{Status: domain.CommandStatusSuccess, Output: string(longOutput), Timestamp: 1}))

	got, err := s.Get(ctx, "e1", id, "")
	require.NoError(t, err)
	assert.Len(t, got.Output, 16)
}

func TestSQLStoreBulkCreateRejectsNonDenseRun(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	err := s.BulkCreate(ctx, []*domain.Command{
		{ExecutionID: "e1", Index: 0, Input: "a"},
		{ExecutionID: "e1", Index: 2, Input: "b"},
	})
	assert.ErrorIs(t, err, ErrDenseIndexViolation)
}

func TestSQLStorePurgeDeletedRemovesSoftDeletedOnly(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.BulkCreate(ctx, []*domain.Command{
		{ExecutionID: "e1", Index: 0, Input: "a", Deleted: true},
		{ExecutionID: "e1", Index: 1, Input: "b", Deleted: false},
	}))

	require.NoError(t, s.PurgeDeleted(ctx, "e1"))

	remaining, err := s.List(ctx, "e1", true)
	require.NoError(t, err)
	if assert.Len(t, remaining, 1) {
		assert.Equal(t, "b", remaining[0].Input)
	}
}

func TestSQLStoreGetNotFound(t *testing.T) {
	s := newTestSQLStore(t)
	_, err := s.Get(context.Background(), "e1", "missing", "")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}
