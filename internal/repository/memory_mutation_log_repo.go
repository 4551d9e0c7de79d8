package repository

import (
	"context"
	"sync"

	"github.com/hitoshi/groupman/internal/model"
)

// MemoryMutationLogRepo はDATABASE_URL未設定時に使うインメモリの実行結果リポジトリ。
// 保持件数を超えた古いレコードから破棄する。
type MemoryMutationLogRepo struct {
	mu      sync.Mutex
	entries []*model.MutationLogEntry
	limit   int
}

// NewMemoryMutationLogRepo はMemoryMutationLogRepoを生成する。limitが0以下の場合は10000件。
func NewMemoryMutationLogRepo(limit int) *MemoryMutationLogRepo {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryMutationLogRepo{limit: limit}
}

// Append は実行結果を1件追加する。
func (r *MemoryMutationLogRepo) Append(_ context.Context, e *model.MutationLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *e
	r.entries = append(r.entries, &copied)
	if over := len(r.entries) - r.limit; over > 0 {
		r.entries = append([]*model.MutationLogEntry(nil), r.entries[over:]...)
	}
	return nil
}

// ListByBatch は指定バッチの実行結果を記録順に返す。
func (r *MemoryMutationLogRepo) ListByBatch(_ context.Context, batchID string) ([]*model.MutationLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.MutationLogEntry
	for _, e := range r.entries {
		if e.BatchID == batchID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

// compile-time interface check
var _ MutationLogRepository = (*MemoryMutationLogRepo)(nil)
