// Package resolver は電話番号からグループ内で使うべき識別子を解決する。
package resolver

import (
	"context"
	"log/slog"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/mapping"
	"github.com/hitoshi/groupman/internal/matcher"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/phone"
)

// Source は解決結果の出所を表す。
type Source string

const (
	SourceStore   Source = "store"
	SourceNetwork Source = "network"
	SourceProbe   Source = "probe"
	// SourceDefault は検証されていない標準形式の推測であることを示す。
	SourceDefault Source = "default"
)

// Resolution は解決結果を表す。
// Verifiedがfalseの場合、呼び出し側は変更後のスナップショットで結果を確認する必要がある。
type Resolution struct {
	ID       model.Identifier
	Source   Source
	Verified bool
}

// Resolver はストア、ディレクトリ、Matcherの順に識別子を解決する。
type Resolver struct {
	store   *mapping.Store
	dir     directory.Client
	matcher *matcher.Matcher
	logger  *slog.Logger
}

// New は新しいResolverを生成する。
func New(store *mapping.Store, dir directory.Client, m *matcher.Matcher, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, dir: dir, matcher: m, logger: logger}
}

// Store は使用しているマッピングストアを返す。
func (r *Resolver) Store() *mapping.Store { return r.store }

// Matcher は使用しているMatcherを返す。
func (r *Resolver) Matcher() *matcher.Matcher { return r.matcher }

// Resolve は電話番号をグループで使う識別子に解決する。
// 不正な番号の場合はディレクトリを呼ばずにAMBIGUOUS_RESOLUTIONを返す。
func (r *Resolver) Resolve(ctx context.Context, p model.PhoneNumber, scope model.Scope) (Resolution, error) {
	if !phone.IsValid(string(p)) {
		return Resolution{}, model.NewAmbiguousResolutionError(string(p))
	}

	if id, ok := r.store.IdentifierForPhone(p, scope); ok {
		return Resolution{ID: id, Source: SourceStore, Verified: true}, nil
	}

	caps := r.dir.Capabilities()

	if caps.ExistenceLookup {
		ex, err := r.dir.ExistsOnNetwork(ctx, p)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Resolution{}, ctx.Err()
			}
			r.logger.Debug("existence lookup failed",
				slog.String("phone", string(p)),
				slog.String("error", err.Error()),
			)
		case ex.Exists && ex.ID != "":
			r.remember(ctx, ex.ID, p)
			return Resolution{ID: ex.ID, Source: SourceNetwork, Verified: true}, nil
		}
	}

	if caps.IdentifierProbe {
		for _, candidate := range ProbeCandidates(p) {
			ok, err := r.dir.ProbeIdentifier(ctx, candidate)
			if err != nil {
				if ctx.Err() != nil {
					return Resolution{}, ctx.Err()
				}
				r.logger.Debug("identifier probe failed",
					slog.String("identifier", string(candidate)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				r.remember(ctx, candidate, p)
				return Resolution{ID: candidate, Source: SourceProbe, Verified: true}, nil
			}
		}
	}

	return Resolution{ID: model.PhoneDerivedID(p), Source: SourceDefault}, nil
}

// ProbeCandidates はディレクトリで存在確認する識別子の候補を優先順に返す。
func ProbeCandidates(p model.PhoneNumber) []model.Identifier {
	return []model.Identifier{
		model.PhoneDerivedID(p),
		model.OpaqueID(string(p)),
		model.DeviceID(p, 0),
		model.DeviceID(p, 1),
		model.DeviceID(p, 2),
	}
}

// remember はネットワークから得た対応をグローバルスコープに保存する。
// 保存の失敗は解決結果に影響しない。
func (r *Resolver) remember(ctx context.Context, id model.Identifier, p model.PhoneNumber) {
	if err := r.store.AddMapping(ctx, id, string(p), model.GlobalScope); err != nil {
		r.logger.Warn("解決結果のキャッシュに失敗しました",
			slog.String("identifier", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

// FindParticipant はスナップショットから電話番号に対応する参加者を探す。
// extraには直前に解決した識別子など、追加で照合する識別子を渡す。
// Matcherの推測は使わず、確実な根拠がある一致のみを返す。
func (r *Resolver) FindParticipant(snap *model.GroupSnapshot, p model.PhoneNumber, extra ...model.Identifier) (model.Participant, bool) {
	scope := model.GroupScope(snap.ID)

	candidates := append([]model.Identifier(nil), extra...)
	if id, ok := r.store.IdentifierForPhone(p, scope); ok {
		candidates = append(candidates, id)
	}
	candidates = append(candidates, model.PhoneDerivedID(p))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if found, ok := snap.Find(c); ok {
			return found, true
		}
	}

	for _, participant := range snap.Participants {
		if got, ok := r.store.PhoneForIdentifier(participant.ID, scope); ok && got == p {
			return participant, true
		}
		if participant.ID.Kind() == model.KindPhoneDerived {
			if m := r.matcher.Match(participant.ID); m.Confidence == matcher.ConfidenceExact && m.Phone == p {
				return participant, true
			}
		}
	}
	return model.Participant{}, false
}
