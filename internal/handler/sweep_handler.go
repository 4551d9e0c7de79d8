package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/groupman/internal/middleware"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/worker/approve"
)

// SweeperInterface は参加リクエスト承認のスイープを1回実行する。
type SweeperInterface interface {
	RunOnce(ctx context.Context) (approve.SweepReport, error)
}

// SweepHandler はスイープを手動で実行するHTTPハンドラー。
type SweepHandler struct {
	sweeper SweeperInterface
	logger  *slog.Logger
}

// NewSweepHandler はSweepHandlerを生成する。
func NewSweepHandler(sweeper SweeperInterface, logger *slog.Logger) *SweepHandler {
	return &SweepHandler{sweeper: sweeper, logger: logger}
}

// RunSweep は参加リクエストの承認を1回実行し、集計を返す。
// POST /api/sweeps
func (h *SweepHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunOnce(r.Context())
	switch {
	case err == nil:
		middleware.WriteJSON(w, http.StatusOK, report)
	case errors.Is(err, approve.ErrSweepInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     "SWEEP_IN_PROGRESS",
			Message:  "別のスイープが実行中です。",
			Category: "mutation",
			Action:   "実行中のスイープが終わってから再度お試しください。",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		middleware.WriteJSON(w, http.StatusServiceUnavailable, report)
	default:
		h.logger.Error("スイープの実行に失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     string(model.FailureUnavailable),
			Message:  "ゲートウェイからグループ情報を取得できません。",
			Category: "mutation",
			Action:   "接続状態を確認してから再度お試しください。",
		})
	}
}

// HealthChecker は依存先の疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler は死活監視のエンドポイント。checkerがnilの場合は常に正常を返す。
// GET /health
func HealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
