package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/groupman/internal/membership"
	"github.com/hitoshi/groupman/internal/middleware"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/resolver"
)

// MembershipServiceInterface はメンバーシップハンドラーが必要とするサービスインターフェース。
type MembershipServiceInterface interface {
	Add(ctx context.Context, groupID, rawPhone string) model.Outcome
	Promote(ctx context.Context, groupID, rawPhone string) model.Outcome
	Demote(ctx context.Context, groupID, rawPhone string) model.Outcome
	Rename(ctx context.Context, groupID, name string) model.Outcome
	Admins(ctx context.Context, groupID string) ([]membership.AdminView, error)
	DescribeIdentifier(ctx context.Context, id model.Identifier, scope model.Scope) resolver.Display
}

// MembershipHandler は単発のメンバーシップ変更のHTTPハンドラー。
type MembershipHandler struct {
	service MembershipServiceInterface
}

// NewMembershipHandler はMembershipHandlerを生成する。
func NewMembershipHandler(service MembershipServiceInterface) *MembershipHandler {
	return &MembershipHandler{service: service}
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type subjectRequest struct {
	Name string `json:"name"`
}

type displayResponse struct {
	Identifier string `json:"identifier"`
	Display    string `json:"display"`
	Phone      string `json:"phone,omitempty"`
	Confidence string `json:"confidence"`
	Source     string `json:"source,omitempty"`
}

type adminResponse struct {
	Identifier string          `json:"identifier"`
	Role       string          `json:"role"`
	IsSelf     bool            `json:"is_self"`
	Display    displayResponse `json:"display"`
}

func toDisplayResponse(id model.Identifier, d resolver.Display) displayResponse {
	return displayResponse{
		Identifier: string(id),
		Display:    d.Text,
		Phone:      string(d.Phone),
		Confidence: d.Confidence.String(),
		Source:     string(d.Source),
	}
}

// AddParticipant は参加者を追加する。
// POST /api/groups/{groupID}/participants
func (h *MembershipHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, h.service.Add(r.Context(), chi.URLParam(r, "groupID"), req.Phone))
}

// PromoteAdmin は参加者を管理者に昇格する。
// POST /api/groups/{groupID}/admins
func (h *MembershipHandler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, h.service.Promote(r.Context(), chi.URLParam(r, "groupID"), req.Phone))
}

// DemoteAdmin は管理者を一般参加者に降格する。
// DELETE /api/groups/{groupID}/admins/{phone}
func (h *MembershipHandler) DemoteAdmin(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, h.service.Demote(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "phone")))
}

// RenameGroup はグループ名を変更する。
// PUT /api/groups/{groupID}/subject
func (h *MembershipHandler) RenameGroup(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeOutcome(w, h.service.Rename(r.Context(), chi.URLParam(r, "groupID"), req.Name))
}

// ListAdmins は管理者一覧を表示用の電話番号付きで返す。
// GET /api/groups/{groupID}/admins
func (h *MembershipHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.service.Admins(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		writeOutcome(w, model.Failed(err))
		return
	}

	resp := make([]adminResponse, 0, len(admins))
	for _, a := range admins {
		resp = append(resp, adminResponse{
			Identifier: string(a.ID),
			Role:       string(a.Role),
			IsSelf:     a.IsSelf,
			Display:    toDisplayResponse(a.ID, a.Display),
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// DescribeIdentifier は識別子を表示用の電話番号に変換する。
// GET /api/identifiers/{identifier}/display?group=
func (h *MembershipHandler) DescribeIdentifier(w http.ResponseWriter, r *http.Request) {
	id := model.Identifier(chi.URLParam(r, "identifier"))
	if id == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("識別子が空です"))
		return
	}
	scope := model.GlobalScope
	if g := r.URL.Query().Get("group"); g != "" {
		scope = model.GroupScope(g)
	}
	middleware.WriteJSON(w, http.StatusOK, toDisplayResponse(id, h.service.DescribeIdentifier(r.Context(), id, scope)))
}
