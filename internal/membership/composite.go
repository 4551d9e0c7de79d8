package membership

import (
	"context"
	"time"

	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/resolver"
)

// AddPromote は参加者を追加し、反映を待ってから管理者に昇格する。
// 既に参加している場合は待機せずに昇格する。
func (m *Mutator) AddPromote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	m.session.Lock()
	defer m.session.Unlock()

	start := time.Now()
	added := m.add(ctx, groupID, rawPhone)
	if !added.OK {
		return m.finish(model.OperationAddPromote, groupID, rawPhone, added, start)
	}
	if added.Reason != model.ReasonAlreadyMember {
		if err := sleep(ctx, m.cfg.AddPromoteSyncWait); err != nil {
			return m.finish(model.OperationAddPromote, groupID, rawPhone, model.Failed(model.NewCanceledError(err)), start)
		}
	}

	out := m.promote(ctx, groupID, rawPhone)
	out.Attempts += added.Attempts
	out.RateLimited += added.RateLimited
	return m.finish(model.OperationAddPromote, groupID, rawPhone, out, start)
}

// AdminView は管理者一覧の1件を表す。
type AdminView struct {
	ID      model.Identifier
	Role    model.Role
	Display resolver.Display
	IsSelf  bool
}

// Admins はグループの管理者一覧を表示用の電話番号付きで返す。
// 取得時に管理者の対応関係を学習する。
func (m *Mutator) Admins(ctx context.Context, groupID string) ([]AdminView, error) {
	snap, err := m.fetchSnapshot(ctx, groupID)
	if err != nil {
		return nil, err
	}
	self, err := m.selfIdentity(ctx)
	if err != nil {
		return nil, model.NewUnavailableError(groupID, err)
	}

	scope := model.GroupScope(groupID)
	admins := snap.Admins()
	views := make([]AdminView, 0, len(admins))
	for _, a := range admins {
		views = append(views, AdminView{
			ID:      a.ID,
			Role:    a.Role,
			Display: m.resolver.Describe(ctx, a.ID, scope),
			IsSelf:  self.Matches(a.ID),
		})
	}
	return views, nil
}
