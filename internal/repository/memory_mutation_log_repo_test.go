package repository

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/groupman/internal/model"
)

func TestMemoryMutationLogRepo_ListByBatch(t *testing.T) {
	repo := NewMemoryMutationLogRepo(0)
	ctx := context.Background()
	now := time.Now()

	entries := []*model.MutationLogEntry{
		{ID: "1", BatchID: "b1", Operation: model.OperationAdd, GroupID: "g1", Target: "6281111111111", OK: true, Result: "DONE", CreatedAt: now},
		{ID: "2", BatchID: "b2", Operation: model.OperationAdd, GroupID: "g1", Target: "6282222222222", OK: true, Result: "DONE", CreatedAt: now},
		{ID: "3", BatchID: "b1", Operation: model.OperationAdd, GroupID: "g2", Target: "6281111111111", OK: false, Result: "NOT_FOUND", CreatedAt: now},
	}
	for _, e := range entries {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := repo.ListByBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("ListByBatch() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Errorf("ListByBatch(b1) = %+v", got)
	}
}

func TestMemoryMutationLogRepo_CopiesEntries(t *testing.T) {
	repo := NewMemoryMutationLogRepo(0)
	ctx := context.Background()

	e := &model.MutationLogEntry{ID: "1", BatchID: "b1", Result: "DONE"}
	_ = repo.Append(ctx, e)
	e.Result = "changed"

	got, _ := repo.ListByBatch(ctx, "b1")
	if got[0].Result != "DONE" {
		t.Errorf("stored entry was mutated through caller pointer: %q", got[0].Result)
	}
}

func TestMemoryMutationLogRepo_DropsOldestOverLimit(t *testing.T) {
	repo := NewMemoryMutationLogRepo(2)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_ = repo.Append(ctx, &model.MutationLogEntry{ID: id, BatchID: "b1"})
	}

	got, _ := repo.ListByBatch(ctx, "b1")
	if len(got) != 2 || got[0].ID != "2" {
		t.Errorf("entries = %+v, want the two newest", got)
	}
}
