package membership

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/resolver"
	"github.com/hitoshi/groupman/internal/retry"
)

// Add は電話番号の参加者をグループに追加する。
// 既に参加している場合はディレクトリを変更せずALREADY_MEMBERを返す。
func (m *Mutator) Add(ctx context.Context, groupID, rawPhone string) model.Outcome {
	m.session.Lock()
	defer m.session.Unlock()

	start := time.Now()
	return m.finish(model.OperationAdd, groupID, rawPhone, m.add(ctx, groupID, rawPhone), start)
}

func (m *Mutator) add(ctx context.Context, groupID, rawPhone string) model.Outcome {
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
		return model.Failed(failure(model.OperationAdd, string(p), "", err))
	}

	if existing, ok := m.resolver.FindParticipant(snap, p, res.ID); ok {
		m.learn(ctx, existing.ID, p, scope)
		return model.Succeeded(model.ReasonAlreadyMember, existing.ID)
	}

	var (
		total   retry.Stats
		lastErr error
	)
	for _, candidate := range addCandidates(res, p) {
		id, conflict, stats, err := m.addCandidate(ctx, groupID, candidate)
		total.Attempts += stats.Attempts
		total.RateLimited += stats.RateLimited

		if err == nil {
			if conflict {
				out := model.Succeeded(model.ReasonAlreadyMember, candidate)
				out.Attempts, out.RateLimited = total.Attempts, total.RateLimited
				return out
			}
			m.rememberAdded(ctx, id, p)
			out := model.Succeeded(model.ReasonDone, id)
			out.Attempts, out.RateLimited = total.Attempts, total.RateLimited
			return out
		}

		lastErr = err
		class := directory.Classify(err)
		if class == directory.ClassCanceled || class == directory.ClassRateLimited {
			return failedWith(failure(model.OperationAdd, string(p), candidate, err), total)
		}
		// 一時的な失敗の後は別の識別子を試さない。書き込みが反映済みの場合は事後確認で拾う
		if class != directory.ClassPermanent {
			break
		}
		m.logger.Info("add candidate rejected",
			slog.String("group_id", groupID),
			slog.String("identifier", string(candidate)),
			slog.String("error", err.Error()),
		)
	}

	// 失敗を返した呼び出しが実際には反映されている場合がある。
	if err := sleep(ctx, m.cfg.AddVerifyDelay); err != nil {
		return failedWith(model.NewCanceledError(err), total)
	}
	if after, err := m.fetchSnapshot(ctx, groupID); err == nil {
		if present, ok := m.resolver.FindParticipant(after, p, res.ID); ok {
			m.learn(ctx, present.ID, p, scope)
			out := model.Succeeded(model.ReasonVerifiedPresent, present.ID)
			out.Attempts, out.RateLimited = total.Attempts, total.RateLimited
			return out
		}
	}

	return failedWith(failure(model.OperationAdd, string(p), res.ID, lastErr), total)
}

// addCandidates は追加を試みる識別子を重複なく返す。
func addCandidates(res resolver.Resolution, p model.PhoneNumber) []model.Identifier {
	candidates := []model.Identifier{res.ID}
	if std := model.PhoneDerivedID(p); std != res.ID {
		candidates = append(candidates, std)
	}
	return candidates
}

// addCandidate は1つの識別子で追加を試みる。
// 409は既に参加済みとしてconflict=trueで成功扱いにする。
func (m *Mutator) addCandidate(ctx context.Context, groupID string, candidate model.Identifier) (model.Identifier, bool, retry.Stats, error) {
	var (
		assigned = candidate
		conflict bool
	)
	stats, err := retry.Do(ctx, m.withClassify(m.cfg.Add, model.OperationAdd, groupID), func(ctx context.Context, _ int) error {
		results, err := m.dir.MutateParticipants(ctx, groupID, []model.Identifier{candidate}, directory.ActionAdd)
		if err != nil {
			return err
		}
		r, ok := directory.ResultFor(results, candidate)
		if !ok {
			return &directory.StatusError{Op: "add", Status: http.StatusInternalServerError, ID: candidate}
		}
		switch r.Status {
		case http.StatusOK:
			if r.ID != "" {
				assigned = r.ID
			}
			return nil
		case http.StatusConflict:
			conflict = true
			return nil
		default:
			return directory.ResultError("add", r)
		}
	})
	return assigned, conflict, stats, err
}

// rememberAdded はディレクトリが割り当てた識別子を保存する。
// 識別子はグループに依存しないためグローバルスコープに保存する。
func (m *Mutator) rememberAdded(ctx context.Context, id model.Identifier, p model.PhoneNumber) {
	if cur, ok := m.store.IdentifierForPhone(p, model.GlobalScope); ok && cur == id {
		return
	}
	if err := m.store.AddMapping(ctx, id.Bare(), string(p), model.GlobalScope); err != nil {
		m.logger.Warn("追加した識別子の保存に失敗しました",
			slog.String("identifier", string(id)),
			slog.String("error", err.Error()),
		)
	}
}
