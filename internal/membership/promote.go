package membership

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/retry"
)

// Promote は参加者を管理者に昇格する。
// botが管理者でない場合はリトライせずNOT_AUTHORIZEDを返す。
func (m *Mutator) Promote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	m.session.Lock()
	defer m.session.Unlock()

	start := time.Now()
	return m.finish(model.OperationPromote, groupID, rawPhone, m.promote(ctx, groupID, rawPhone), start)
}

func (m *Mutator) promote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	p, err := normalizePhone(rawPhone)
	if err != nil {
		return model.Failed(err)
	}
	scope := model.GroupScope(groupID)

	snap, err := m.adminSnapshot(ctx, groupID)
	if err != nil {
		return model.Failed(err)
	}

	res, err := m.resolver.Resolve(ctx, p, scope)
	if err != nil {
		return model.Failed(failure(model.OperationPromote, string(p), "", err))
	}

	target, ok := m.resolver.FindParticipant(snap, p, res.ID)
	if !ok {
		// 追加直後は参加者一覧に反映されていないことがあるため、1回だけ待って再取得する。
		if err := sleep(ctx, m.cfg.PropagationWait); err != nil {
			return model.Failed(model.NewCanceledError(err))
		}
		snap, err = m.fetchSnapshot(ctx, groupID)
		if err != nil {
			return model.Failed(err)
		}
		target, ok = m.resolver.FindParticipant(snap, p, res.ID)
		if !ok {
			return model.Failed(model.NewNotFoundError(string(p), nil))
		}
	}
	m.learn(ctx, target.ID, p, scope)

	if target.Role.IsAdmin() {
		return model.Succeeded(model.ReasonAlreadyAdmin, target.ID)
	}

	var alreadyAdmin bool
	stats, err := retry.Do(ctx, m.withClassify(m.cfg.Promote, model.OperationPromote, groupID), func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			current, err := m.fetchSnapshot(ctx, groupID)
			if err != nil {
				if me, ok := model.AsMutationError(err); ok && me.Kind == model.FailureCanceled {
					return err
				}
				// 再確認できない場合はそのまま昇格を試みる。
			} else {
				found, ok := current.Find(target.ID)
				if !ok {
					return model.NewNotFoundError(string(p), nil)
				}
				if found.Role.IsAdmin() {
					alreadyAdmin = true
					return nil
				}
			}
		}

		results, err := m.dir.MutateParticipants(ctx, groupID, []model.Identifier{target.ID}, directory.ActionPromote)
		if err != nil {
			return err
		}
		r, ok := directory.ResultFor(results, target.ID)
		if !ok {
			return &directory.StatusError{Op: "promote", Status: http.StatusInternalServerError, ID: target.ID}
		}
		if r.Status == http.StatusConflict {
			alreadyAdmin = true
			return nil
		}
		return directory.ResultError("promote", r)
	})
	if err != nil {
		return failedWith(failure(model.OperationPromote, string(p), target.ID, err), stats)
	}

	reason := model.ReasonDone
	if alreadyAdmin {
		reason = model.ReasonAlreadyAdmin
	}
	out := model.Succeeded(reason, target.ID)
	out.Attempts, out.RateLimited = stats.Attempts, stats.RateLimited
	return out
}
