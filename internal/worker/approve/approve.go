// Package approve はbotが管理者のグループの参加リクエストを定期的に承認するジョブを提供する。
package approve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/model"
)

// ErrSweepInProgress は別のスイープが実行中であることを示す。
var ErrSweepInProgress = errors.New("sweep already in progress")

// MetricsRecorder は承認結果を記録する。
type MetricsRecorder interface {
	RecordApproval(ok bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordApproval(bool) {}

// Config はスイープの実行間隔と承認間の待機時間を保持する。
type Config struct {
	// Interval はスイープの実行間隔（デフォルト: 5分）。
	Interval time.Duration
	// Pacing は承認と承認の間の待機時間（デフォルト: 1秒）。
	Pacing time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Pacing:   time.Second,
	}
}

// SweepReport は1回のスイープの集計結果。
type SweepReport struct {
	Groups   int `json:"groups"`
	Skipped  int `json:"skipped"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Failed   int `json:"failed"`
}

// Reconciler は参加リクエストの承認ジョブ。
// スイープは同時に1つだけ実行する。
type Reconciler struct {
	dir     directory.Client
	metrics MetricsRecorder
	logger  *slog.Logger
	config  Config

	running sync.Mutex
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。metricsがnilの場合は記録しない。
func NewReconciler(dir directory.Client, metrics MetricsRecorder, logger *slog.Logger, config Config) *Reconciler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Reconciler{
		dir:     dir,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// Start はスイープをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("参加リクエスト承認ジョブを開始しました",
		slog.Duration("interval", r.config.Interval),
		slog.Duration("pacing", r.config.Pacing),
	)

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("参加リクエスト承認ジョブを停止しました")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("参加リクエスト承認サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1回のスイープを実行する。
// botが管理者でないグループはエラーにせずスキップし、個々の承認の失敗はログに記録して続行する。
func (r *Reconciler) RunOnce(ctx context.Context) (SweepReport, error) {
	if !r.running.TryLock() {
		return SweepReport{}, ErrSweepInProgress
	}
	defer r.running.Unlock()

	start := time.Now()
	var report SweepReport

	self, err := r.dir.Self(ctx)
	if err != nil {
		return report, fmt.Errorf("bot自身の識別子の取得に失敗しました: %w", err)
	}
	groups, err := r.dir.FetchParticipatingGroups(ctx)
	if err != nil {
		return report, fmt.Errorf("参加グループ一覧の取得に失敗しました: %w", err)
	}

	approvedAny := false
	for _, g := range groups {
		report.Groups++
		if !g.HasAdmin(self) {
			report.Skipped++
			continue
		}

		pending := r.pendingRequests(ctx, g)
		report.Pending += len(pending)
		for _, id := range pending {
			if approvedAny {
				if err := sleep(ctx, r.config.Pacing); err != nil {
					return report, err
				}
			}
			approvedAny = true

			if err := r.approve(ctx, g.ID, id); err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				r.metrics.RecordApproval(false)
				r.logger.Warn("参加リクエストの承認に失敗しました",
					slog.String("group_id", g.ID),
					slog.String("identifier", string(id)),
					slog.String("error", err.Error()),
				)
				continue
			}
			report.Approved++
			r.metrics.RecordApproval(true)
		}
	}

	r.logger.Info("参加リクエスト承認サイクルが完了しました",
		slog.Int("groups", report.Groups),
		slog.Int("skipped", report.Skipped),
		slog.Int("approved", report.Approved),
		slog.Int("failed", report.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return report, nil
}

// pendingRequests は参加リクエストを専用の一覧APIとグループ情報の両方から探し、
// 最初に空でなかった結果を返す。
func (r *Reconciler) pendingRequests(ctx context.Context, g *model.GroupSnapshot) []model.Identifier {
	caps := r.dir.Capabilities()
	if caps.PendingListing {
		ids, err := r.dir.ListPendingJoinRequests(ctx, g.ID)
		switch {
		case err != nil:
			r.logger.Debug("pending listing failed",
				slog.String("group_id", g.ID),
				slog.String("error", err.Error()),
			)
		case len(ids) > 0:
			return ids
		}
	}
	if caps.PendingInMetadata && len(g.Pending) > 0 {
		return g.Pending
	}
	return nil
}

func (r *Reconciler) approve(ctx context.Context, groupID string, id model.Identifier) error {
	results, err := r.dir.ApproveJoinRequests(ctx, groupID, []model.Identifier{id})
	if err != nil {
		return err
	}
	res, ok := directory.ResultFor(results, id)
	if !ok {
		return &directory.StatusError{Op: "approve", Status: http.StatusInternalServerError, ID: id}
	}
	if res.Status == http.StatusConflict {
		return nil
	}
	return directory.ResultError("approve", res)
}

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
