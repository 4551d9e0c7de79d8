// Package gateway はメッセージングネットワークのゲートウェイHTTP APIを
// directory.Clientとして利用するクライアントを提供する。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/model"
)

// maxResponseSize はレスポンスボディの読み取り上限。
const maxResponseSize = 4 << 20

// StatusRecorder はゲートウェイが返したHTTPステータスを記録する。
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

type nopRecorder struct{}

func (nopRecorder) RecordHTTPStatus(int) {}

// Client はゲートウェイのHTTPクライアント。
// 501を返した任意機能は以降利用不可として扱う。
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	token      string
	recorder   StatusRecorder
	logger     *slog.Logger

	mu   sync.RWMutex
	caps directory.Capabilities
}

var _ directory.Client = (*Client)(nil)

// NewClient はClientの新しいインスタンスを生成する。recorderがnilの場合は記録しない。
func NewClient(httpClient *http.Client, baseURL, token string, recorder StatusRecorder, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ゲートウェイURLのパースに失敗しました: %w", err)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    u,
		token:      token,
		recorder:   recorder,
		logger:     logger,
		caps: directory.Capabilities{
			ExistenceLookup:   true,
			IdentifierProbe:   true,
			PendingListing:    true,
			PendingInMetadata: true,
		},
	}, nil
}

type selfResponse struct {
	ID  string `json:"id"`
	LID string `json:"lid"`
}

type participantPayload struct {
	ID    string `json:"id"`
	Admin string `json:"admin"`
}

type groupPayload struct {
	ID                  string               `json:"id"`
	Subject             string               `json:"subject"`
	Participants        []participantPayload `json:"participants"`
	PendingParticipants []string             `json:"pending_participants"`
}

type mutateRequest struct {
	Action       string   `json:"action"`
	Participants []string `json:"participants"`
}

type resultPayload struct {
	JID    string `json:"jid"`
	Status int    `json:"status"`
}

type contactResponse struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid"`
}

type requestPayload struct {
	JID string `json:"jid"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Capabilities は現在利用可能な任意機能を返す。
func (c *Client) Capabilities() directory.Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caps
}

func (c *Client) disable(fn func(*directory.Capabilities)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.caps)
}

// Self はbot自身の識別子を返す。
func (c *Client) Self(ctx context.Context) (model.Self, error) {
	var resp selfResponse
	if err := c.do(ctx, "self", http.MethodGet, "/v1/me", nil, &resp); err != nil {
		return model.Self{}, err
	}
	return model.Self{ID: model.Identifier(resp.ID), LID: model.Identifier(resp.LID)}, nil
}

// FetchGroupSnapshot はグループの参加者一覧を取得する。
func (c *Client) FetchGroupSnapshot(ctx context.Context, groupID string) (*model.GroupSnapshot, error) {
	var resp groupPayload
	if err := c.do(ctx, "fetch_group", http.MethodGet, "/v1/groups/"+url.PathEscape(groupID), nil, &resp); err != nil {
		return nil, err
	}
	return c.toSnapshot(resp), nil
}

// FetchParticipatingGroups はbotが参加している全グループを取得する。
func (c *Client) FetchParticipatingGroups(ctx context.Context) ([]*model.GroupSnapshot, error) {
	var resp []groupPayload
	if err := c.do(ctx, "fetch_groups", http.MethodGet, "/v1/groups", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*model.GroupSnapshot, 0, len(resp))
	for _, g := range resp {
		out = append(out, c.toSnapshot(g))
	}
	return out, nil
}

// MutateParticipants は参加者の追加・昇格・降格を行う。
func (c *Client) MutateParticipants(ctx context.Context, groupID string, ids []model.Identifier, action directory.Action) ([]directory.ParticipantResult, error) {
	body := mutateRequest{Action: string(action), Participants: identifiers(ids)}
	var resp []resultPayload
	if err := c.do(ctx, string(action), http.MethodPost, "/v1/groups/"+url.PathEscape(groupID)+"/participants", body, &resp); err != nil {
		return nil, err
	}
	return toResults(resp), nil
}

// UpdateGroupSubject はグループ名を変更する。
func (c *Client) UpdateGroupSubject(ctx context.Context, groupID, subject string) error {
	body := map[string]string{"subject": subject}
	return c.do(ctx, "subject", http.MethodPut, "/v1/groups/"+url.PathEscape(groupID)+"/subject", body, nil)
}

// ExistsOnNetwork は電話番号がネットワークに登録されているかを確認する。
func (c *Client) ExistsOnNetwork(ctx context.Context, phone model.PhoneNumber) (directory.Existence, error) {
	if !c.Capabilities().ExistenceLookup {
		return directory.Existence{}, directory.ErrNotSupported
	}
	var resp contactResponse
	err := c.do(ctx, "exists", http.MethodGet, "/v1/contacts/"+url.PathEscape(string(phone)), nil, &resp)
	if c.unsupported(err, func(caps *directory.Capabilities) { caps.ExistenceLookup = false }) {
		return directory.Existence{}, directory.ErrNotSupported
	}
	if err != nil {
		return directory.Existence{}, err
	}
	return directory.Existence{Exists: resp.Exists, ID: model.Identifier(resp.JID)}, nil
}

// ProbeIdentifier は識別子がネットワーク上に存在するかを確認する。404は存在しないことを表す。
func (c *Client) ProbeIdentifier(ctx context.Context, id model.Identifier) (bool, error) {
	if !c.Capabilities().IdentifierProbe {
		return false, directory.ErrNotSupported
	}
	err := c.do(ctx, "probe", http.MethodGet, "/v1/identifiers/"+url.PathEscape(string(id))+"/probe", nil, nil)
	if c.unsupported(err, func(caps *directory.Capabilities) { caps.IdentifierProbe = false }) {
		return false, directory.ErrNotSupported
	}
	if status, ok := directory.StatusOf(err); ok && status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListPendingJoinRequests は参加リクエストの一覧を取得する。
func (c *Client) ListPendingJoinRequests(ctx context.Context, groupID string) ([]model.Identifier, error) {
	if !c.Capabilities().PendingListing {
		return nil, directory.ErrNotSupported
	}
	var resp []requestPayload
	err := c.do(ctx, "list_requests", http.MethodGet, "/v1/groups/"+url.PathEscape(groupID)+"/requests", nil, &resp)
	if c.unsupported(err, func(caps *directory.Capabilities) { caps.PendingListing = false }) {
		return nil, directory.ErrNotSupported
	}
	if err != nil {
		return nil, err
	}
	ids := make([]model.Identifier, 0, len(resp))
	for _, r := range resp {
		if r.JID != "" {
			ids = append(ids, model.Identifier(r.JID))
		}
	}
	return ids, nil
}

// ApproveJoinRequests は参加リクエストを承認する。
func (c *Client) ApproveJoinRequests(ctx context.Context, groupID string, ids []model.Identifier) ([]directory.ParticipantResult, error) {
	body := mutateRequest{Action: "approve", Participants: identifiers(ids)}
	var resp []resultPayload
	if err := c.do(ctx, "approve", http.MethodPost, "/v1/groups/"+url.PathEscape(groupID)+"/requests", body, &resp); err != nil {
		return nil, err
	}
	return toResults(resp), nil
}

// unsupported はerrが501の場合に機能を無効化してtrueを返す。
func (c *Client) unsupported(err error, disable func(*directory.Capabilities)) bool {
	if status, ok := directory.StatusOf(err); ok && status == http.StatusNotImplemented {
		c.disable(disable)
		c.logger.Info("gateway capability not available, disabling")
		return true
	}
	return false
}

func (c *Client) toSnapshot(g groupPayload) *model.GroupSnapshot {
	snap := &model.GroupSnapshot{ID: g.ID, Subject: g.Subject}
	for _, p := range g.Participants {
		snap.Participants = append(snap.Participants, model.Participant{ID: model.Identifier(p.ID), Role: toRole(p.Admin)})
	}
	for _, id := range g.PendingParticipants {
		snap.Pending = append(snap.Pending, model.Identifier(id))
	}
	return snap
}

// toRole はゲートウェイのadmin欄（"admin"、"superadmin"、空）をRoleに変換する。
func toRole(admin string) model.Role {
	switch admin {
	case "superadmin":
		return model.RoleSuperAdmin
	case "admin":
		return model.RoleAdmin
	default:
		return model.RoleMember
	}
}

func identifiers(ids []model.Identifier) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toResults(resp []resultPayload) []directory.ParticipantResult {
	out := make([]directory.ParticipantResult, 0, len(resp))
	for _, r := range resp {
		status := r.Status
		if status == 0 {
			status = http.StatusOK
		}
		out = append(out, directory.ParticipantResult{ID: model.Identifier(r.JID), Status: status})
	}
	return out
}

// do はJSONリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// 2xx以外はdirectory.StatusErrorに変換する。
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "groupman/1.0")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &directory.StatusError{Op: op, Status: http.StatusBadGateway, Err: err}
	}
	defer resp.Body.Close()
	c.recorder.RecordHTTPStatus(resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &directory.StatusError{Op: op, Status: http.StatusBadGateway, Err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("gateway returned error status",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return &directory.StatusError{Op: op, Status: resp.StatusCode, Err: errorMessage(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &directory.StatusError{Op: op, Status: http.StatusBadGateway, Err: fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)}
	}
	return nil
}

// errorMessage はエラーレスポンスの本文をエラーに変換する。
// レート制限の判定で本文の文言を参照するため、JSONでなくても本文を残す。
func errorMessage(raw []byte) error {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		return errors.New(er.Error)
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		if len(text) > 200 {
			text = text[:200]
		}
		return errors.New(text)
	}
	return nil
}
