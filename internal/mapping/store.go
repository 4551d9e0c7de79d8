package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/phone"
)

// MetricsRecorder はマッピング書き込みの結果を記録する。
type MetricsRecorder interface {
	RecordMappingWrite(scope string, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordMappingWrite(string, error) {}

// Store は識別子と電話番号の双方向キャッシュ。
// グループスコープのレコードはグローバルより優先される。
// 1つのスコープ内で1つの電話番号に対応する識別子は最大1つ。
// 変更のたびにBackendへ同期的に全体を書き込む。
type Store struct {
	mu      sync.RWMutex
	global  map[model.Identifier]model.PhoneNumber
	groups  map[string]map[model.Identifier]model.PhoneNumber
	backend Backend
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewStore は空のStoreを生成する。永続化済みの内容はLoadで読み込む。
func NewStore(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		global:  make(map[model.Identifier]model.PhoneNumber),
		groups:  make(map[string]map[model.Identifier]model.PhoneNumber),
		backend: backend,
		logger:  logger,
		metrics: nopMetrics{},
	}
}

// SetMetrics はメトリクス記録先を設定する。
func (s *Store) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = nopMetrics{}
	}
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Load はBackendから内容を読み込む。
// 読み込みに失敗した場合は警告を記録し、空のストアとして継続する。
func (s *Store) Load(ctx context.Context) {
	snap, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("マッピングの読み込みに失敗したため空のストアで起動します",
			slog.String("error", err.Error()),
		)
		snap = NewSnapshot()
	}

	s.mu.Lock()
	s.replaceLocked(snap)
	s.mu.Unlock()

	s.logger.Info("identifier mappings loaded", slog.Int("records", snap.Len()))
}

// Reload はBackendの内容でストアを置き換える。
// Loadと異なり、失敗時は現在の内容を維持してエラーを返す。
func (s *Store) Reload(ctx context.Context) error {
	snap, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload mappings: %w", err)
	}
	s.mu.Lock()
	s.replaceLocked(snap)
	s.mu.Unlock()
	return nil
}

func (s *Store) replaceLocked(snap *Snapshot) {
	s.global = make(map[model.Identifier]model.PhoneNumber, len(snap.Global))
	for id, raw := range snap.Global {
		if p, err := phone.Normalize(raw); err == nil {
			s.global[model.Identifier(id)] = p
		}
	}
	s.groups = make(map[string]map[model.Identifier]model.PhoneNumber, len(snap.Groups))
	for gid, entries := range snap.Groups {
		m := make(map[model.Identifier]model.PhoneNumber, len(entries))
		for id, raw := range entries {
			if p, err := phone.Normalize(raw); err == nil {
				m[model.Identifier(id)] = p
			}
		}
		if len(m) > 0 {
			s.groups[gid] = m
		}
	}
}

// AddMapping は(identifier, scope)のレコードを登録または上書きする。
// 電話番号は正規化してから保存し、同じスコープで同じ番号を指す別の識別子は取り除く。
// 永続化まで完了してから戻る。永続化に失敗した場合もメモリ上の内容は更新済み。
func (s *Store) AddMapping(ctx context.Context, id model.Identifier, rawPhone string, scope model.Scope) error {
	if id == "" {
		return fmt.Errorf("add mapping: empty identifier")
	}
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return fmt.Errorf("add mapping %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entriesLocked(scope, true)
	if cur, ok := entries[id]; ok && cur == p {
		return nil
	}
	for other, op := range entries {
		if op == p && other != id {
			delete(entries, other)
		}
	}
	entries[id] = p

	err = s.persistLocked(ctx)
	s.metrics.RecordMappingWrite(scopeLabel(scope), err)
	if err != nil {
		s.logger.Error("マッピングの永続化に失敗しました",
			slog.String("identifier", string(id)),
			slog.String("phone", string(p)),
			slog.String("scope", scope.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.logger.Debug("identifier mapping stored",
		slog.String("identifier", string(id)),
		slog.String("phone", string(p)),
		slog.String("scope", scope.String()),
	)
	return nil
}

// IdentifierForPhone はスコープ内の電話番号に対応する識別子を返す。
// グループスコープに存在しない場合はグローバルを参照するが、
// そのグループで別の番号に対応付けられている識別子は返さない。
func (s *Store) IdentifierForPhone(p model.PhoneNumber, scope model.Scope) (model.Identifier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if scope.IsGlobal() {
		return findByPhone(s.global, p)
	}
	group := s.groups[scope.GroupID]
	if id, ok := findByPhone(group, p); ok {
		return id, true
	}
	for id, v := range s.global {
		if v != p {
			continue
		}
		if override, ok := group[id]; ok && override != p {
			continue
		}
		return id, true
	}
	return "", false
}

// PhoneForIdentifier はスコープ内の識別子に対応する電話番号を返す。
// 完全一致がない場合はデバイス番号を除いた識別子でも検索する。
func (s *Store) PhoneForIdentifier(id model.Identifier, scope model.Scope) (model.PhoneNumber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := []model.Identifier{id}
	if bare := id.Bare(); bare != id {
		candidates = append(candidates, bare)
	}
	if !scope.IsGlobal() {
		if entries := s.groups[scope.GroupID]; entries != nil {
			for _, c := range candidates {
				if p, ok := entries[c]; ok {
					return p, true
				}
			}
		}
	}
	for _, c := range candidates {
		if p, ok := s.global[c]; ok {
			return p, true
		}
	}
	return "", false
}

// GroupEntries はグループスコープのレコードのみを返す。
func (s *Store) GroupEntries(groupID string) map[model.Identifier]model.PhoneNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.Identifier]model.PhoneNumber, len(s.groups[groupID]))
	for id, p := range s.groups[groupID] {
		out[id] = p
	}
	return out
}

// Snapshot は現在の内容を永続化形式で返す。
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() *Snapshot {
	snap := NewSnapshot()
	for id, p := range s.global {
		snap.Global[string(id)] = string(p)
	}
	for gid, entries := range s.groups {
		if len(entries) == 0 {
			continue
		}
		m := make(map[string]string, len(entries))
		for id, p := range entries {
			m[string(id)] = string(p)
		}
		snap.Groups[gid] = m
	}
	return snap
}

func (s *Store) persistLocked(ctx context.Context) error {
	if err := s.backend.Save(ctx, s.snapshotLocked()); err != nil {
		return fmt.Errorf("persist mappings: %w", err)
	}
	return nil
}

func (s *Store) entriesLocked(scope model.Scope, create bool) map[model.Identifier]model.PhoneNumber {
	if scope.IsGlobal() {
		return s.global
	}
	entries, ok := s.groups[scope.GroupID]
	if !ok && create {
		entries = make(map[model.Identifier]model.PhoneNumber)
		s.groups[scope.GroupID] = entries
	}
	return entries
}

func findByPhone(entries map[model.Identifier]model.PhoneNumber, p model.PhoneNumber) (model.Identifier, bool) {
	for id, v := range entries {
		if v == p {
			return id, true
		}
	}
	return "", false
}

func scopeLabel(scope model.Scope) string {
	if scope.IsGlobal() {
		return "global"
	}
	return "group"
}
