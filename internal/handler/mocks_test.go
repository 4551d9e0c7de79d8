package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/groupman/internal/membership"
	"github.com/hitoshi/groupman/internal/middleware"
	"github.com/hitoshi/groupman/internal/model"
	"github.com/hitoshi/groupman/internal/resolver"
	"github.com/hitoshi/groupman/internal/worker/approve"
)

// --- モック定義 ---

type mockMembershipService struct {
	addFn      func(ctx context.Context, groupID, rawPhone string) model.Outcome
	promoteFn  func(ctx context.Context, groupID, rawPhone string) model.Outcome
	demoteFn   func(ctx context.Context, groupID, rawPhone string) model.Outcome
	renameFn   func(ctx context.Context, groupID, name string) model.Outcome
	adminsFn   func(ctx context.Context, groupID string) ([]membership.AdminView, error)
	describeFn func(ctx context.Context, id model.Identifier, scope model.Scope) resolver.Display
}

func (m *mockMembershipService) Add(ctx context.Context, groupID, rawPhone string) model.Outcome {
	return m.addFn(ctx, groupID, rawPhone)
}

func (m *mockMembershipService) Promote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	return m.promoteFn(ctx, groupID, rawPhone)
}

func (m *mockMembershipService) Demote(ctx context.Context, groupID, rawPhone string) model.Outcome {
	return m.demoteFn(ctx, groupID, rawPhone)
}

func (m *mockMembershipService) Rename(ctx context.Context, groupID, name string) model.Outcome {
	return m.renameFn(ctx, groupID, name)
}

func (m *mockMembershipService) Admins(ctx context.Context, groupID string) ([]membership.AdminView, error) {
	return m.adminsFn(ctx, groupID)
}

func (m *mockMembershipService) DescribeIdentifier(ctx context.Context, id model.Identifier, scope model.Scope) resolver.Display {
	return m.describeFn(ctx, id, scope)
}

type mockBatchService struct {
	submitFn func(ctx context.Context, req membership.BatchRequest) (string, error)
	getFn    func(id string) (membership.BatchReport, bool)
	cancelFn func(id string) bool
}

func (m *mockBatchService) Submit(ctx context.Context, req membership.BatchRequest) (string, error) {
	return m.submitFn(ctx, req)
}

func (m *mockBatchService) Get(id string) (membership.BatchReport, bool) {
	return m.getFn(id)
}

func (m *mockBatchService) Cancel(id string) bool {
	return m.cancelFn(id)
}

type mockBatchLogReader struct {
	listByBatchFn func(ctx context.Context, batchID string) ([]*model.MutationLogEntry, error)
}

func (m *mockBatchLogReader) ListByBatch(ctx context.Context, batchID string) ([]*model.MutationLogEntry, error) {
	return m.listByBatchFn(ctx, batchID)
}

type mockSweeper struct {
	runOnceFn func(ctx context.Context) (approve.SweepReport, error)
}

func (m *mockSweeper) RunOnce(ctx context.Context) (approve.SweepReport, error) {
	return m.runOnceFn(ctx)
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

// --- テストヘルパー ---

const testToken = "operator-token"

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// newTestRouter は未設定の依存をパニックするモックで埋めたルーターを返す。
func newTestRouter(t *testing.T, deps RouterDeps) http.Handler {
	t.Helper()
	var buf bytes.Buffer
	if deps.Logger == nil {
		deps.Logger = newTestLogger(&buf)
	}
	if deps.OperatorTokens == nil {
		deps.OperatorTokens = []string{testToken}
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = middleware.NewRateLimiter(middleware.NewRateLimiterConfig(600))
		t.Cleanup(deps.RateLimiter.Stop)
	}
	if deps.Membership == nil {
		deps.Membership = &mockMembershipService{}
	}
	if deps.Batches == nil {
		deps.Batches = &mockBatchService{}
	}
	if deps.BatchLogs == nil {
		deps.BatchLogs = &mockBatchLogReader{}
	}
	if deps.Sweeper == nil {
		deps.Sweeper = &mockSweeper{}
	}
	return NewRouter(&deps)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
