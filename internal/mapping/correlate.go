package mapping

import (
	"context"

	"github.com/hitoshi/groupman/internal/model"
)

// CorrelateGroup はスナップショットからLIDと電話番号の対応を推定して登録する。
// 管理者のうちLID形式と電話番号形式がちょうど1人ずつの場合のみ、同一人物とみなしてグループスコープに保存する。
func (s *Store) CorrelateGroup(ctx context.Context, snap *model.GroupSnapshot) (bool, error) {
	if snap == nil {
		return false, nil
	}
	var opaque, derived []model.Participant
	for _, p := range snap.Admins() {
		switch p.ID.Kind() {
		case model.KindOpaque:
			opaque = append(opaque, p)
		case model.KindPhoneDerived:
			derived = append(derived, p)
		}
	}
	if len(opaque) != 1 || len(derived) != 1 {
		return false, nil
	}

	id := opaque[0].ID.Bare()
	p := derived[0].ID.User()
	if cur, ok := s.PhoneForIdentifier(id, model.GroupScope(snap.ID)); ok && string(cur) == p {
		return false, nil
	}
	if err := s.AddMapping(ctx, id, p, model.GroupScope(snap.ID)); err != nil {
		return false, err
	}
	return true, nil
}

// LearnSelf はbot自身のLIDと電話番号の対応をグローバルスコープに登録する。
func (s *Store) LearnSelf(ctx context.Context, self model.Self) error {
	if self.LID == "" || self.ID.Kind() != model.KindPhoneDerived {
		return nil
	}
	lid := self.LID.Bare()
	p := self.ID.User()
	if cur, ok := s.PhoneForIdentifier(lid, model.GlobalScope); ok && string(cur) == p {
		return nil
	}
	return s.AddMapping(ctx, lid, p, model.GlobalScope)
}
