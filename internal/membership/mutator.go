// Package membership はグループ参加者の追加・昇格・降格とグループ名変更を、
// 冪等性の確認、リトライ、結果の検証を伴う操作として実行する。
package membership

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/mapping"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/phone"
	"github.com/hitoshi/groupman/internal/resolver"
	"github.com/hitoshi/groupman/internal/retry"
)

// MetricsRecorder は変更操作の結果を記録する。
type MetricsRecorder interface {
	RecordMutation(op string, result string)
	RecordAttempts(op string, attempts, rateLimited int)
}

type nopMetrics struct{}

func (nopMetrics) RecordMutation(string, string)      {}
func (nopMetrics) RecordAttempts(string, int, int) {}

// SubjectSanitizer はグループ名からマークアップなどを取り除く。
type SubjectSanitizer interface {
	SanitizeSubject(s string) string
}

// Config はMutatorの待機時間とリトライ方針を保持する。
type Config struct {
	PropagationWait    time.Duration // 昇格対象が見つからない場合の再取得までの待機
	AddVerifyDelay     time.Duration // 追加失敗後に参加状態を再確認するまでの待機
	DemoteVerifyDelay  time.Duration // 降格成功後の事後確認までの待機
	AddPromoteSyncWait time.Duration // 追加後に昇格するまでの待機
	MaxSubjectLength   int

	Add     retry.Policy
	Promote retry.Policy
	Demote  retry.Policy
	Rename  retry.Policy
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		PropagationWait:    5 * time.Second,
		AddVerifyDelay:     3 * time.Second,
		DemoteVerifyDelay:  2 * time.Second,
		AddPromoteSyncWait: 15 * time.Second,
		MaxSubjectLength:   100,
		Add:                retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(5 * time.Second), RateLimitCooldown: 30 * time.Second},
		Promote:            retry.Policy{MaxAttempts: 5, Backoff: retry.Linear(5 * time.Second), RateLimitCooldown: 30 * time.Second},
		Demote:             retry.Policy{MaxAttempts: 3, Backoff: retry.Fixed(5 * time.Second), RateLimitCooldown: 30 * time.Second},
		Rename:             retry.Policy{MaxAttempts: 3, Backoff: retry.Fixed(5 * time.Second), RateLimitCooldown: 30 * time.Second},
	}
}

// Mutator はメンバーシップ変更操作を実行する。
// 1つのMutatorは1つのディレクトリ接続に対応し、変更操作を同時に1つだけ実行する。
type Mutator struct {
	dir       directory.Client
	resolver  *resolver.Resolver
	store     *mapping.Store
	sanitizer SubjectSanitizer
	cfg       Config
	metrics   MetricsRecorder
	logger    *slog.Logger

	session  sync.Mutex
	selfMu   sync.Mutex
	self     model.Self
	verifyWG sync.WaitGroup
}

// NewMutator は新しいMutatorを生成する。metricsがnilの場合は記録しない。
func NewMutator(
	dir directory.Client,
	res *resolver.Resolver,
	sanitizer SubjectSanitizer,
	cfg Config,
	metrics MetricsRecorder,
	logger *slog.Logger,
) *Mutator {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.MaxSubjectLength <= 0 {
		cfg.MaxSubjectLength = 100
	}
	return &Mutator{
		dir:       dir,
		resolver:  res,
		store:     res.Store(),
		sanitizer: sanitizer,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Execute はMutationIntentを対応する操作に振り分けて実行する。
func (m *Mutator) Execute(ctx context.Context, intent model.MutationIntent) model.Outcome {
	switch intent.Operation {
	case model.OperationAdd:
		return m.Add(ctx, intent.GroupID, string(intent.Phone))
	case model.OperationPromote:
		return m.Promote(ctx, intent.GroupID, string(intent.Phone))
	case model.OperationDemote:
		return m.Demote(ctx, intent.GroupID, string(intent.Phone))
	case model.OperationRename:
		return m.Rename(ctx, intent.GroupID, intent.Name)
	case model.OperationAddPromote:
		return m.AddPromote(ctx, intent.GroupID, string(intent.Phone))
	default:
		return model.Failed(model.NewInvalidInputError("unknown operation " + string(intent.Operation)))
	}
}

// ResolvePhoneDisplay は識別子を表示用の電話番号に変換する。
func (m *Mutator) ResolvePhoneDisplay(ctx context.Context, id model.Identifier, scope model.Scope) string {
	return m.resolver.DisplayPhone(ctx, id, scope)
}

// DescribeIdentifier は識別子を確度と出所付きで表示用に変換する。
func (m *Mutator) DescribeIdentifier(ctx context.Context, id model.Identifier, scope model.Scope) resolver.Display {
	return m.resolver.Describe(ctx, id, scope)
}

// Wait は実行中の事後確認がすべて終わるまで待つ。
func (m *Mutator) Wait() {
	m.verifyWG.Wait()
}

// selfIdentity はbot自身の識別子を返す。取得に成功した値はキャッシュする。
func (m *Mutator) selfIdentity(ctx context.Context) (model.Self, error) {
	m.selfMu.Lock()
	defer m.selfMu.Unlock()
	if m.self.ID != "" {
		return m.self, nil
	}
	self, err := m.dir.Self(ctx)
	if err != nil {
		return model.Self{}, err
	}
	m.self = self
	if err := m.store.LearnSelf(ctx, self); err != nil {
		m.logger.Warn("bot自身のマッピング保存に失敗しました", slog.String("error", err.Error()))
	}
	return self, nil
}

// fetchSnapshot はスナップショットを取得し、管理者の対応関係を学習する。
func (m *Mutator) fetchSnapshot(ctx context.Context, groupID string) (*model.GroupSnapshot, error) {
	snap, err := m.dir.FetchGroupSnapshot(ctx, groupID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewCanceledError(ctx.Err())
		}
		if status, ok := directory.StatusOf(err); ok && status == 404 {
			return nil, model.NewNotFoundError(groupID, err)
		}
		return nil, model.NewUnavailableError(groupID, err)
	}
	if _, err := m.store.CorrelateGroup(ctx, snap); err != nil {
		m.logger.Warn("グループの対応関係の保存に失敗しました",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()),
		)
	}
	return snap, nil
}

// adminSnapshot はスナップショットを取得し、botが管理者であることを確認する。
func (m *Mutator) adminSnapshot(ctx context.Context, groupID string) (*model.GroupSnapshot, error) {
	snap, err := m.fetchSnapshot(ctx, groupID)
	if err != nil {
		return nil, err
	}
	self, err := m.selfIdentity(ctx)
	if err != nil {
		return nil, model.NewUnavailableError(groupID, err)
	}
	if !snap.HasAdmin(self) {
		return nil, model.NewNotAuthorizedError(groupID)
	}
	return snap, nil
}

// learn は観測した識別子と電話番号の対応をグループスコープに保存する。
func (m *Mutator) learn(ctx context.Context, id model.Identifier, p model.PhoneNumber, scope model.Scope) {
	if cur, ok := m.store.PhoneForIdentifier(id, scope); ok && cur == p {
		return
	}
	if err := m.store.AddMapping(ctx, id.Bare(), string(p), scope); err != nil {
		m.logger.Warn("識別子の学習に失敗しました",
			slog.String("identifier", string(id)),
			slog.String("error", err.Error()),
		)
	}
}

func normalizePhone(raw string) (model.PhoneNumber, error) {
	p, err := phone.Normalize(raw)
	if err != nil {
		return "", model.NewAmbiguousResolutionError(raw)
	}
	return p, nil
}

// classify はディレクトリのエラーをリトライ判定に変換する。
func classify(err error) retry.Decision {
	if _, ok := model.AsMutationError(err); ok {
		return retry.Stop
	}
	switch directory.Classify(err) {
	case directory.ClassPermanent, directory.ClassCanceled:
		return retry.Stop
	case directory.ClassRateLimited:
		return retry.RateLimited
	default:
		return retry.Retry
	}
}

// withClassify はPolicyにディレクトリ用の判定とログ出力を設定する。
func (m *Mutator) withClassify(p retry.Policy, op model.Operation, groupID string) retry.Policy {
	p.Classify = classify
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.logger.Warn("directory call failed, retrying",
			slog.String("operation", string(op)),
			slog.String("group_id", groupID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return p
}

// failure はディレクトリのエラーを操作ごとの型付きエラーに変換する。
func failure(op model.Operation, target string, id model.Identifier, err error) error {
	if _, ok := model.AsMutationError(err); ok {
		return err
	}
	switch directory.Classify(err) {
	case directory.ClassCanceled:
		return model.NewCanceledError(err)
	case directory.ClassRateLimited:
		return model.NewRateLimitedError(err)
	case directory.ClassTransient:
		return model.NewTransientError(err)
	}

	status, _ := directory.StatusOf(err)
	switch status {
	case 403:
		if op == model.OperationAdd {
			// 追加での403は相手側のプライバシー設定や未登録を示す。
			return model.NewNotFoundError(target, err)
		}
		return model.NewNotAuthorizedError(target)
	case 404:
		return model.NewNotFoundError(target, err)
	case 406:
		return model.NewProtectedRoleError(id, err)
	case 400:
		return model.NewInvalidInputError(err.Error())
	case 401:
		return model.NewNotAuthorizedError(target)
	}
	return &model.MutationError{Kind: model.FailureUnavailable, Message: err.Error(), Err: err}
}

// finish は結果をログとメトリクスに記録する。
func (m *Mutator) finish(op model.Operation, groupID, target string, out model.Outcome, start time.Time) model.Outcome {
	m.metrics.RecordAttempts(string(op), out.Attempts, out.RateLimited)
	attrs := []any{
		slog.String("operation", string(op)),
		slog.String("group_id", groupID),
		slog.String("target", target),
		slog.Int("attempts", out.Attempts),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if out.OK {
		m.metrics.RecordMutation(string(op), string(out.Reason))
		m.logger.Info("mutation succeeded", append(attrs, slog.String("reason", string(out.Reason)))...)
	} else {
		m.metrics.RecordMutation(string(op), string(out.Kind))
		m.logger.Warn("mutation failed", append(attrs,
			slog.String("kind", string(out.Kind)),
			slog.String("message", out.Message),
		)...)
	}
	return out
}

func failedWith(err error, stats retry.Stats) model.Outcome {
	out := model.Failed(err)
	out.Attempts = stats.Attempts
	out.RateLimited = stats.RateLimited
	return out
}

// sleep はdだけ待つ。ctxがキャンセルされた場合はctx.Err()を返す。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
