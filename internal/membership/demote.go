package membership

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/retry"
)

// 降格対象の照合方法。
const (
	strategyDirect   = "direct"
	strategyResolver = "resolver"
	strategyStore    = "store"
	strategyMatcher  = "matcher"
)

// Demote は管理者を一般参加者に降格する。
// 対象が管理者として見つからない場合はTARGET_NOT_ADMINを返す。
// 成功後の事後確認は非同期で行い、結果はログにのみ記録する。
func (m *Mutator) Demote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	m.session.Lock()
	defer m.session.Unlock()

	start := time.Now()
	return m.finish(model.OperationDemote, groupID, rawPhone, m.demote(ctx, groupID, rawPhone), start)
}

func (m *Mutator) demote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	p, err := normalizePhone(rawPhone)
	if err != nil {
		return model.Failed(err)
	}
	scope := model.GroupScope(groupID)

	snap, err := m.adminSnapshot(ctx, groupID)
	if err != nil {
		return model.Failed(err)
	}

	target, strategy, err := m.findAdmin(ctx, snap, p)
	if err != nil {
		return model.Failed(err)
	}
	if strategy != strategyDirect {
		m.learn(ctx, target.ID, p, scope)
	}
	m.logger.Debug("demote target matched",
		slog.String("group_id", groupID),
		slog.String("identifier", string(target.ID)),
		slog.String("strategy", strategy),
	)

	stats, err := retry.Do(ctx, m.withClassify(m.cfg.Demote, model.OperationDemote, groupID), func(ctx context.Context, _ int) error {
		results, err := m.dir.MutateParticipants(ctx, groupID, []model.Identifier{target.ID}, directory.ActionDemote)
		if err != nil {
			return err
		}
		r, ok := directory.ResultFor(results, target.ID)
		if !ok {
			return &directory.StatusError{Op: "demote", Status: http.StatusInternalServerError, ID: target.ID}
		}
		if r.Status == http.StatusConflict {
			return nil
		}
		return directory.ResultError("demote", r)
	})
	if err != nil {
		return failedWith(failure(model.OperationDemote, string(p), target.ID, err), stats)
	}

	m.verifyDemoted(groupID, target.ID)

	out := model.Succeeded(model.ReasonDone, target.ID)
	out.Attempts, out.RateLimited = stats.Attempts, stats.RateLimited
	return out
}

// findAdmin は管理者の中から電話番号に一致する参加者を探す。
// 直接構築、Resolver、グループスコープの逆引き、Matcherの順に試し、最初に一致したものを返す。
func (m *Mutator) findAdmin(ctx context.Context, snap *model.GroupSnapshot, p model.PhoneNumber) (model.Participant, string, error) {
	admins := snap.Admins()
	scope := model.GroupScope(snap.ID)

	for _, a := range admins {
		if a.ID.SameParticipant(model.PhoneDerivedID(p)) || a.ID.SameParticipant(model.OpaqueID(string(p))) {
			return a, strategyDirect, nil
		}
	}

	res, err := m.resolver.Resolve(ctx, p, scope)
	if err != nil {
		return model.Participant{}, "", failure(model.OperationDemote, string(p), "", err)
	}
	for _, a := range admins {
		if a.ID.SameParticipant(res.ID) {
			return a, strategyResolver, nil
		}
	}

	for id, mapped := range m.store.GroupEntries(snap.ID) {
		if mapped != p {
			continue
		}
		for _, a := range admins {
			if a.ID.SameParticipant(id) {
				return a, strategyStore, nil
			}
		}
	}

	for _, a := range admins {
		if m.resolver.Matcher().Matches(a.ID, p) {
			return a, strategyMatcher, nil
		}
	}

	return model.Participant{}, "", model.NewTargetNotAdminError(p)
}

// verifyDemoted は少し待ってから降格が反映されたかを確認する。
// 伝播遅延で誤検知があり得るため、結果は操作の成否に影響させない。
func (m *Mutator) verifyDemoted(groupID string, id model.Identifier) {
	m.verifyWG.Add(1)
	go func() {
		defer m.verifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DemoteVerifyDelay+30*time.Second)
		defer cancel()
		if err := sleep(ctx, m.cfg.DemoteVerifyDelay); err != nil {
			return
		}

		snap, err := m.dir.FetchGroupSnapshot(ctx, groupID)
		if err != nil {
			m.logger.Warn("降格の事後確認に失敗しました",
				slog.String("group_id", groupID),
				slog.String("identifier", string(id)),
				slog.String("error", err.Error()),
			)
			return
		}
		if p, ok := snap.Find(id); ok && p.Role.IsAdmin() {
			m.logger.Warn("降格後も管理者として表示されています（反映待ちの可能性があります）",
				slog.String("group_id", groupID),
				slog.String("identifier", string(id)),
			)
			return
		}
		m.logger.Info("demote verified",
			slog.String("group_id", groupID),
			slog.String("identifier", string(id)),
		)
	}()
}
