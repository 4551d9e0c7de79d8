package resolver

import (
	"context"
	"log/slog"

	"github.com/hitoshi/groupman/internal/matcher"
	"github.com/hitoshi/groupman/internal/model"
)

// Display は識別子を表示用に変換した結果を表す。
type Display struct {
	Text       string
	Phone      model.PhoneNumber
	Confidence matcher.Confidence
	Source     Source
}

// Describe は識別子を表示用の電話番号に変換する。
// ストアにない場合はMatcherで推定し、パターン一致による推定はスコープに保存する。
// 桁数だけを根拠にした推定と、既に別の識別子が対応している番号の推定は保存しない。
func (r *Resolver) Describe(ctx context.Context, id model.Identifier, scope model.Scope) Display {
	if id == "" {
		return Display{Text: "Unknown"}
	}
	if p, ok := r.store.PhoneForIdentifier(id, scope); ok {
		return Display{Text: string(p), Phone: p, Confidence: matcher.ConfidenceExact, Source: SourceStore}
	}

	m := r.matcher.Match(id)
	if !m.Found() {
		return Display{Text: id.User()}
	}
	if _, taken := r.store.IdentifierForPhone(m.Phone, scope); !taken && m.Confidence == matcher.ConfidenceHeuristic {
		if err := r.store.AddMapping(ctx, id.Bare(), string(m.Phone), scope); err != nil {
			r.logger.Warn("推定結果のキャッシュに失敗しました",
				slog.String("identifier", string(id)),
				slog.String("error", err.Error()),
			)
		}
	}
	return Display{Text: string(m.Phone), Phone: m.Phone, Confidence: m.Confidence, Source: Source("matcher_" + m.Strategy)}
}

// DisplayPhone は識別子の表示用文字列を返す。
func (r *Resolver) DisplayPhone(ctx context.Context, id model.Identifier, scope model.Scope) string {
	return r.Describe(ctx, id, scope).Text
}
