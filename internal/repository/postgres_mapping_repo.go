package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/groupman/internal/mapping"
)

// PostgresMappingRepo はPostgreSQLに識別子マッピングを保存するmapping.Backend。
// group_idが空文字のレコードはグローバルスコープを表す。
type PostgresMappingRepo struct {
	db *sql.DB
}

// NewPostgresMappingRepo はPostgresMappingRepoを生成する。
func NewPostgresMappingRepo(db *sql.DB) *PostgresMappingRepo {
	return &PostgresMappingRepo{db: db}
}

// Load は全スコープのマッピングを読み込む。
func (r *PostgresMappingRepo) Load(ctx context.Context) (*mapping.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT group_id, identifier, phone FROM identifier_mappings`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load identifier mappings: %w", err)
	}
	defer rows.Close()

	snap := mapping.NewSnapshot()
	for rows.Next() {
		var groupID, id, phone string
		if err := rows.Scan(&groupID, &id, &phone); err != nil {
			return nil, fmt.Errorf("failed to scan identifier mapping: %w", err)
		}
		if groupID == "" {
			snap.Global[id] = phone
			continue
		}
		if snap.Groups[groupID] == nil {
			snap.Groups[groupID] = make(map[string]string)
		}
		snap.Groups[groupID][id] = phone
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate identifier mappings: %w", err)
	}
	return snap, nil
}

// Save はスナップショットの内容で全レコードを置き換える。
// 置き換えは1トランザクションで行い、途中で失敗した場合は元の内容が残る。
func (r *PostgresMappingRepo) Save(ctx context.Context, snap *mapping.Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM identifier_mappings`); err != nil {
		return fmt.Errorf("failed to clear identifier mappings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO identifier_mappings (group_id, identifier, phone, updated_at)
		 VALUES ($1, $2, $3, now())`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	insert := func(groupID string, entries map[string]string) error {
		for id, phone := range entries {
			if _, err := stmt.ExecContext(ctx, groupID, id, phone); err != nil {
				return fmt.Errorf("failed to insert identifier mapping %s: %w", id, err)
			}
		}
		return nil
	}
	if err := insert("", snap.Global); err != nil {
		return err
	}
	for groupID, entries := range snap.Groups {
		if err := insert(groupID, entries); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ mapping.Backend = (*PostgresMappingRepo)(nil)
