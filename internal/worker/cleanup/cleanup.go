// Package cleanup は変更操作の実行記録の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したmutation_logのレコードを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した実行記録の削除ジョブ。
// 削除対象がなくてもエラーにならないため、何度実行してもよい。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 実行記録の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はcreated_atがRetentionDays日前より古い実行記録を削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx, `DELETE FROM mutation_log WHERE created_at < now() - $1::interval`, interval)
	if err != nil {
		j.logger.Error("実行記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("実行記録クリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("実行記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとに実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
