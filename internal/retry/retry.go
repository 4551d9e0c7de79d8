// Package retry は変更操作に共通のリトライ制御を提供する。
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Decision は失敗した試行の扱いを表す。
type Decision int

const (
	// Retry は通常のバックオフ後に再試行する。
	Retry Decision = iota
	// RateLimited はRateLimitCooldownだけ待ってから再試行する。
	RateLimited
	// Stop は再試行せずにエラーを返す。
	Stop
)

// BackoffFunc はattempt回目の試行が失敗した後の待機時間を返す。attemptは1始まり。
type BackoffFunc func(attempt int) time.Duration

// Linear は試行回数に比例して増加する待機時間を返す。
func Linear(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// Fixed は常に同じ待機時間を返す。
func Fixed(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// Policy はリトライの方針を表す。
type Policy struct {
	MaxAttempts       int                      // 初回を含む最大試行回数
	Backoff           BackoffFunc              // 通常失敗時の待機時間
	RateLimitCooldown time.Duration            // レート制限時の待機時間
	Classify          func(err error) Decision // nilの場合はすべてRetry
	// OnRetry は再試行の直前に呼ばれる。ログ出力用。
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Stats は試行の統計を表す。
type Stats struct {
	Attempts    int
	RateLimited int
}

// policyBackOff はPolicyをbackoff.BackOffとして扱うためのアダプタ。
// 直前の失敗がレート制限だった場合はクールダウンを返す。
type policyBackOff struct {
	policy      Policy
	attempt     int
	rateLimited bool
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	if b.rateLimited {
		return b.policy.RateLimitCooldown
	}
	if b.policy.Backoff == nil {
		return 0
	}
	return b.policy.Backoff(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
	b.rateLimited = false
}

// Do はopを成功するか、Stopと判定されるか、MaxAttemptsに達するまで実行する。
// 最後のエラーをそのまま返す。ctxがキャンセルされた場合はctx.Err()を返す。
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (Stats, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Decision { return Retry }
	}

	var stats Stats
	b := &policyBackOff{policy: p}

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		b.attempt++
		stats.Attempts = b.attempt

		err := op(ctx, b.attempt)
		if err == nil {
			return nil
		}
		switch classify(err) {
		case Stop:
			return backoff.Permanent(err)
		case RateLimited:
			stats.RateLimited++
			b.rateLimited = true
		default:
			b.rateLimited = false
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(b.attempt, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	return stats, err
}
