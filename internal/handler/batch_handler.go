package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/groupman/internal/membership"
	"github.com/hitoshi/groupman/internal/middleware"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/phone"
)

// BatchServiceInterface はバッチハンドラーが必要とするサービスインターフェース。
type BatchServiceInterface interface {
	Submit(ctx context.Context, req membership.BatchRequest) (string, error)
	Get(id string) (membership.BatchReport, bool)
	Cancel(id string) bool
}

// BatchLogReader はバッチの記録を読み出すためのインターフェース。
// repository.MutationLogRepositoryの部分集合として定義する。
type BatchLogReader interface {
	ListByBatch(ctx context.Context, batchID string) ([]*model.MutationLogEntry, error)
}

// BatchHandler はバッチ実行のHTTPハンドラー。
type BatchHandler struct {
	service BatchServiceInterface
	logs    BatchLogReader
	logger  *slog.Logger
}

// NewBatchHandler はBatchHandlerを生成する。
func NewBatchHandler(service BatchServiceInterface, logs BatchLogReader, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{service: service, logs: logs, logger: logger}
}

// submitBatchRequest はバッチ登録リクエストのボディ。
// 電話番号はphones（配列）とphone_text（1行1件のテキスト）のどちらでも指定できる。
type submitBatchRequest struct {
	Operation string   `json:"operation"`
	GroupIDs  []string `json:"group_ids"`
	Phones    []string `json:"phones"`
	PhoneText string   `json:"phone_text"`
	Name      string   `json:"name"`
}

type submitBatchResponse struct {
	BatchID string   `json:"batch_id"`
	Total   int      `json:"total"`
	Invalid []string `json:"invalid,omitempty"`
}

type invalidPhonesResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Invalid []string `json:"invalid"`
}

type batchItemResponse struct {
	GroupID string          `json:"group_id"`
	Phone   string          `json:"phone,omitempty"`
	Name    string          `json:"name,omitempty"`
	Outcome outcomeResponse `json:"outcome"`
	At      time.Time       `json:"at"`
}

type batchReportResponse struct {
	ID          string              `json:"id"`
	Operation   string              `json:"operation"`
	Status      string              `json:"status"`
	Total       int                 `json:"total"`
	Succeeded   int                 `json:"succeeded"`
	Failed      int                 `json:"failed"`
	RateLimited int                 `json:"rate_limited"`
	Items       []batchItemResponse `json:"items"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

type logEntryResponse struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	GroupID   string    `json:"group_id"`
	Target    string    `json:"target"`
	OK        bool      `json:"ok"`
	Result    string    `json:"result"`
	Message   string    `json:"message,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

func toBatchReportResponse(r membership.BatchReport) batchReportResponse {
	resp := batchReportResponse{
		ID:          r.ID,
		Operation:   string(r.Operation),
		Status:      string(r.Status),
		Total:       r.Total,
		Succeeded:   r.Succeeded,
		Failed:      r.Failed,
		RateLimited: r.RateLimited,
		Items:       make([]batchItemResponse, 0, len(r.Items)),
		StartedAt:   r.StartedAt,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		resp.FinishedAt = &finished
	}
	for _, it := range r.Items {
		resp.Items = append(resp.Items, batchItemResponse{
			GroupID: it.Intent.GroupID,
			Phone:   string(it.Intent.Phone),
			Name:    it.Intent.Name,
			Outcome: toOutcomeResponse(it.Outcome),
			At:      it.At,
		})
	}
	return resp
}

// SubmitBatch はバッチを登録してバックグラウンドで実行する。
// 不正な番号は除外して報告し、有効な番号だけで実行する。
// POST /api/batches
func (h *BatchHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	op, ok := model.ParseOperation(req.Operation)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("不明な操作です: "+req.Operation))
		return
	}

	var phones []model.PhoneNumber
	var invalid []string
	if op.NeedsPhone() {
		for _, raw := range req.Phones {
			p, err := phone.Normalize(raw)
			if err != nil {
				invalid = append(invalid, raw)
				continue
			}
			phones = append(phones, p)
		}
		if req.PhoneText != "" {
			valid, bad := phone.ParseList(req.PhoneText)
			phones = append(phones, valid...)
			invalid = append(invalid, bad...)
		}
		if len(phones) == 0 && len(invalid) > 0 {
			middleware.WriteJSON(w, http.StatusUnprocessableEntity, invalidPhonesResponse{
				Code:    string(model.FailureAmbiguousResolution),
				Message: "有効な電話番号がありません",
				Invalid: invalid,
			})
			return
		}
	}

	operator, _ := middleware.OperatorFromContext(r.Context())
	batch := membership.BatchRequest{
		Operation: op,
		GroupIDs:  req.GroupIDs,
		Phones:    phones,
		Name:      req.Name,
		Operator:  operator,
	}
	id, err := h.service.Submit(r.Context(), batch)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	h.logger.Info("バッチを受け付けました",
		slog.String("batch_id", id),
		slog.String("operation", string(op)),
		slog.String("operator", operator),
		slog.Int("invalid", len(invalid)),
	)
	middleware.WriteJSON(w, http.StatusAccepted, submitBatchResponse{
		BatchID: id,
		Total:   len(batch.Intents()),
		Invalid: invalid,
	})
}

// GetBatch はバッチの集計と項目ごとの結果を返す。
// GET /api/batches/{batchID}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	report, ok := h.service.Get(id)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBatchNotFoundError(id))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toBatchReportResponse(report))
}

// CancelBatch は実行中のバッチに中断を要求する。実行中の項目は完了まで続く。
// DELETE /api/batches/{batchID}
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	if !h.service.Cancel(id) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBatchNotFoundError(id))
		return
	}
	report, _ := h.service.Get(id)
	middleware.WriteJSON(w, http.StatusAccepted, toBatchReportResponse(report))
}

// GetBatchLog は永続化されたバッチの記録を返す。プロセス再起動後も参照できる。
// GET /api/batches/{batchID}/log
func (h *BatchHandler) GetBatchLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	if _, err := uuid.Parse(id); err != nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBatchNotFoundError(id))
		return
	}
	entries, err := h.logs.ListByBatch(r.Context(), id)
	if err != nil {
		h.logger.Error("バッチ記録の取得に失敗しました",
			slog.String("batch_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if len(entries) == 0 {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBatchNotFoundError(id))
		return
	}

	resp := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logEntryResponse{
			ID:        e.ID,
			Operation: string(e.Operation),
			GroupID:   e.GroupID,
			Target:    e.Target,
			OK:        e.OK,
			Result:    e.Result,
			Message:   e.Message,
			Attempts:  e.Attempts,
			CreatedAt: e.CreatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
