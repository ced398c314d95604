package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kandev/kandev/internal/domain"
)

func newTestIndexStore(t *testing.T) *IndexStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands_idx.db")
	s, err := NewIndexStore(path)
	if err != nil {
		t.Fatalf("NewIndexStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexStoreAppendAssignsDenseIndex(t *testing.T) {
	s := newTestIndexStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, &domain.Command{ExecutionID: "e1", TenantID: "t1", Input: "cmd"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	commands, err := s.List(ctx, "e1", true)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(commands) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(commands))
	}
	for i, c := range commands {
		if c.Index != i {
			t.Errorf("expected dense index %d, got %d", i, c.Index)
		}
	}
}

func TestIndexStoreDoesNotTruncateOutput(t *testing.T) {
	s := newTestIndexStore(t)
	ctx := context.Background()

	id, _ := s.Append(ctx, &domain.Command{ExecutionID: "e1", TenantID: "t1", Input: "a"})
	longOutput := make([]byte, 2048)
	for i := range longOutput {
		longOutput[i] = 'y'
	}

	if err := s.Update(ctx, id, "t1", Update{Status: domain.CommandStatusSuccess, Output: string(longOutput), Timestamp: 1}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := s.Get(ctx, "e1", id, "t1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Output) != len(longOutput) {
		t.Errorf("expected untruncated output of %d bytes, got %d", len(longOutput), len(got.Output))
	}
}

func TestIndexStoreFilterScopesByTenant(t *testing.T) {
	s := newTestIndexStore(t)
	ctx := context.Background()

	if err := s.BulkCreate(ctx, []*domain.Command{
		{ExecutionID: "e1", TenantID: "t1", Index: 0, Input: "a"},
		{ExecutionID: "e1", TenantID: "t1", Index: 1, Input: "b"},
	}); err != nil {
		t.Fatalf("BulkCreate failed: %v", err)
	}

	matched, err := s.Filter(ctx, Filter{ExecutionID: "e1", TenantID: "t1"})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matching commands, got %d", len(matched))
	}

	unmatched, err := s.Filter(ctx, Filter{ExecutionID: "e1", TenantID: "other-tenant"})
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(unmatched) != 0 {
		t.Errorf("expected no commands for mismatched tenant, got %d", len(unmatched))
	}
}

func TestIndexStorePurgeDeletedRemovesSoftDeletedOnly(t *testing.T) {
	s := newTestIndexStore(t)
	ctx := context.Background()

	if err := s.BulkCreate(ctx, []*domain.Command{
		{ExecutionID: "e1", TenantID: "t1", Index: 0, Input: "a", Deleted: true},
		{ExecutionID: "e1", TenantID: "t1", Index: 1, Input: "b", Deleted: false},
	}); err != nil {
		t.Fatalf("BulkCreate failed: %v", err)
	}

	if err := s.PurgeDeleted(ctx, "e1"); err != nil {
		t.Fatalf("PurgeDeleted failed: %v", err)
	}

	remaining, err := s.List(ctx, "e1", true)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Input != "b" {
		t.Errorf("expected only the non-deleted command to remain, got %+v", remaining)
	}
}

func TestIndexStoreGetNotFound(t *testing.T) {
	s := newTestIndexStore(t)
	if _, err := s.Get(context.Background(), "e1", "missing", "t1"); err != ErrCommandNotFound {
		t.Errorf("expected ErrCommandNotFound, got %v", err)
	}
}
