package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/groupman/internal/middleware"
	"github.com/hitoshi/groupman/internal/model"
)

// outcomeResponse は変更操作のタグ付き結果のAPIレスポンス。
type outcomeResponse struct {
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Message     string `json:"message,omitempty"`
	Action      string `json:"action,omitempty"`
	Identifier  string `json:"identifier,omitempty"`
	Attempts    int    `json:"attempts"`
	RateLimited int    `json:"rate_limited,omitempty"`
}

func toOutcomeResponse(out model.Outcome) outcomeResponse {
	return outcomeResponse{
		OK:          out.OK,
		Reason:      string(out.Reason),
		Kind:        string(out.Kind),
		Message:     out.Message,
		Action:      out.Action,
		Identifier:  string(out.Identifier),
		Attempts:    out.Attempts,
		RateLimited: out.RateLimited,
	}
}

// statusForOutcome は結果をHTTPステータスコードに変換する。
func statusForOutcome(out model.Outcome) int {
	if out.OK {
		return http.StatusOK
	}
	switch out.Kind {
	case model.FailureNotAuthorized:
		return http.StatusForbidden
	case model.FailureNotFound, model.FailureTargetNotAdmin:
		return http.StatusNotFound
	case model.FailureProtectedRole:
		return http.StatusConflict
	case model.FailureAmbiguousResolution, model.FailureInvalidInput:
		return http.StatusUnprocessableEntity
	case model.FailureRateLimited:
		return http.StatusTooManyRequests
	case model.FailureCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeOutcome(w http.ResponseWriter, out model.Outcome) {
	middleware.WriteJSON(w, statusForOutcome(out), toOutcomeResponse(out))
}

// decodeBody はリクエストボディをJSONとして読み込む。失敗時はエラーレスポンスを書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの解析に失敗しました"))
		return false
	}
	return true
}
