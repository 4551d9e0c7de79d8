// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/groupman/internal/model"
)

// MutationLogRepository はバッチ項目の実行結果の永続化インターフェース。
type MutationLogRepository interface {
	// Append は実行結果を1件追加する。
	Append(ctx context.Context, entry *model.MutationLogEntry) error

	// ListByBatch は指定バッチの実行結果を記録順に返す。
	ListByBatch(ctx context.Context, batchID string) ([]*model.MutationLogEntry, error)
}
