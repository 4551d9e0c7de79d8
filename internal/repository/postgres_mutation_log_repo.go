package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/groupman/internal/model"
)

// PostgresMutationLogRepo はPostgreSQLを使用した実行結果リポジトリ。
type PostgresMutationLogRepo struct {
	db *sql.DB
}

// NewPostgresMutationLogRepo はPostgresMutationLogRepoを生成する。
func NewPostgresMutationLogRepo(db *sql.DB) *PostgresMutationLogRepo {
	return &PostgresMutationLogRepo{db: db}
}

// Append は実行結果を1件追加する。
func (r *PostgresMutationLogRepo) Append(ctx context.Context, e *model.MutationLogEntry) error {
	var batchID sql.NullString
	if e.BatchID != "" {
		batchID = sql.NullString{String: e.BatchID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mutation_log (id, batch_id, operation, group_id, target, ok, result, message, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, batchID, string(e.Operation), e.GroupID, e.Target, e.OK, e.Result, e.Message, e.Attempts, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append mutation log: %w", err)
	}
	return nil
}

// ListByBatch は指定バッチの実行結果を記録順に返す。
func (r *PostgresMutationLogRepo) ListByBatch(ctx context.Context, batchID string) ([]*model.MutationLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, batch_id, operation, group_id, target, ok, result, message, attempts, created_at
		 FROM mutation_log
		 WHERE batch_id = $1
		 ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutation log: %w", err)
	}
	defer rows.Close()

	var entries []*model.MutationLogEntry
	for rows.Next() {
		e := &model.MutationLogEntry{}
		var (
			batch sql.NullString
			op    string
		)
		if err := rows.Scan(&e.ID, &batch, &op, &e.GroupID, &e.Target, &e.OK, &e.Result, &e.Message, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation log: %w", err)
		}
		e.BatchID = batch.String
		e.Operation = model.Operation(op)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutation log: %w", err)
	}
	return entries, nil
}

// compile-time interface check
var _ MutationLogRepository = (*PostgresMutationLogRepo)(nil)
