package directory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/groupman/internal/model"
)

// MetricsRecorder はディレクトリ呼び出しの結果を記録する。
type MetricsRecorder interface {
	ObserveDirectoryCall(op string, class string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDirectoryCall(string, string, time.Duration) {}

// GuardConfig はGuardedの設定を保持する。
type GuardConfig struct {
	CallTimeout    time.Duration // 1回の呼び出しの上限時間
	MutationPacing time.Duration // 変更系呼び出しの最小間隔
}

// Guarded はClientの呼び出しを以下の規則で包む。
//   - すべての呼び出しはCallTimeoutとの競争で、超過した場合は408として扱う。
//   - 変更系呼び出しは同時に1つだけ実行し、MutationPacing以上の間隔を空ける。
type Guarded struct {
	next    Client
	cfg     GuardConfig
	limiter *rate.Limiter
	writeMu sync.Mutex
	metrics MetricsRecorder
	logger  *slog.Logger
}

var _ Client = (*Guarded)(nil)

// NewGuarded は新しいGuardedを生成する。metricsがnilの場合は記録しない。
func NewGuarded(next Client, cfg GuardConfig, metrics MetricsRecorder, logger *slog.Logger) *Guarded {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	limit := rate.Inf
	if cfg.MutationPacing > 0 {
		limit = rate.Every(cfg.MutationPacing)
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Guarded{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		metrics: metrics,
		logger:  logger,
	}
}

// Self はbot自身の識別子を返す。
func (g *Guarded) Self(ctx context.Context) (model.Self, error) {
	return call(ctx, g, "self", g.next.Self)
}

// Capabilities は接続先の任意機能を返す。
func (g *Guarded) Capabilities() Capabilities {
	return g.next.Capabilities()
}

// FetchGroupSnapshot はグループの参加者一覧を取得する。
func (g *Guarded) FetchGroupSnapshot(ctx context.Context, groupID string) (*model.GroupSnapshot, error) {
	return call(ctx, g, "fetch_group", func(ctx context.Context) (*model.GroupSnapshot, error) {
		return g.next.FetchGroupSnapshot(ctx, groupID)
	})
}

// FetchParticipatingGroups はbotが参加している全グループを取得する。
func (g *Guarded) FetchParticipatingGroups(ctx context.Context) ([]*model.GroupSnapshot, error) {
	return call(ctx, g, "fetch_groups", g.next.FetchParticipatingGroups)
}

// MutateParticipants は参加者を変更する。
func (g *Guarded) MutateParticipants(ctx context.Context, groupID string, ids []model.Identifier, action Action) ([]ParticipantResult, error) {
	unlock, err := g.acquireWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return call(ctx, g, string(action), func(ctx context.Context) ([]ParticipantResult, error) {
		return g.next.MutateParticipants(ctx, groupID, ids, action)
	})
}

// UpdateGroupSubject はグループ名を変更する。
func (g *Guarded) UpdateGroupSubject(ctx context.Context, groupID, subject string) error {
	unlock, err := g.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = call(ctx, g, "subject", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.UpdateGroupSubject(ctx, groupID, subject)
	})
	return err
}

// ExistsOnNetwork は電話番号がネットワークに登録されているか確認する。
func (g *Guarded) ExistsOnNetwork(ctx context.Context, phone model.PhoneNumber) (Existence, error) {
	return call(ctx, g, "exists", func(ctx context.Context) (Existence, error) {
		return g.next.ExistsOnNetwork(ctx, phone)
	})
}

// ProbeIdentifier は識別子が存在するか確認する。
func (g *Guarded) ProbeIdentifier(ctx context.Context, id model.Identifier) (bool, error) {
	return call(ctx, g, "probe", func(ctx context.Context) (bool, error) {
		return g.next.ProbeIdentifier(ctx, id)
	})
}

// ListPendingJoinRequests は参加リクエストの一覧を取得する。
func (g *Guarded) ListPendingJoinRequests(ctx context.Context, groupID string) ([]model.Identifier, error) {
	return call(ctx, g, "list_requests", func(ctx context.Context) ([]model.Identifier, error) {
		return g.next.ListPendingJoinRequests(ctx, groupID)
	})
}

// ApproveJoinRequests は参加リクエストを承認する。
func (g *Guarded) ApproveJoinRequests(ctx context.Context, groupID string, ids []model.Identifier) ([]ParticipantResult, error) {
	unlock, err := g.acquireWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return call(ctx, g, "approve", func(ctx context.Context) ([]ParticipantResult, error) {
		return g.next.ApproveJoinRequests(ctx, groupID, ids)
	})
}

func (g *Guarded) acquireWrite(ctx context.Context) (func(), error) {
	g.writeMu.Lock()
	if err := g.limiter.Wait(ctx); err != nil {
		g.writeMu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return g.writeMu.Unlock, nil
}

// call はfnをタイムアウトと競争させて実行する。
// タイムアウトした場合、fnの完了を待たずに408のStatusErrorを返す。
func call[T any](ctx context.Context, g *Guarded, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		ch <- result{v: v, err: err}
	}()

	var (
		v   T
		err error
	)
	select {
	case r := <-ch:
		v, err = r.v, r.err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = &StatusError{Op: op, Status: http.StatusRequestTimeout, Err: callCtx.Err()}
			g.logger.Warn("ディレクトリ呼び出しがタイムアウトしました",
				slog.String("op", op),
				slog.Duration("timeout", g.cfg.CallTimeout),
			)
		} else {
			err = ctx.Err()
		}
	}

	g.metrics.ObserveDirectoryCall(op, Classify(err).String(), time.Since(start))
	return v, err
}
