package membership

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/groupman/internal/model"
)

type stubExecutor struct {
	mu      sync.Mutex
	intents []model.MutationIntent
	fn      func(ctx context.Context, intent model.MutationIntent) model.Outcome
}

func (s *stubExecutor) Execute(ctx context.Context, intent model.MutationIntent) model.Outcome {
	s.mu.Lock()
	s.intents = append(s.intents, intent)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, intent)
	}
	return model.Succeeded(model.ReasonDone, model.PhoneDerivedID(intent.Phone))
}

func (s *stubExecutor) executed() []model.MutationIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MutationIntent(nil), s.intents...)
}

type memoryLog struct {
	mu      sync.Mutex
	entries []*model.MutationLogEntry
	err     error
}

func (l *memoryLog) Append(_ context.Context, e *model.MutationLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return l.err
}

func newBatchRunner(exec Executor, log MutationLogger, cfg BatchConfig) *BatchRunner {
	var buf bytes.Buffer
	return NewBatchRunner(exec, log, cfg, slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func TestBatchRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     BatchRequest
		wantErr bool
	}{
		{"有効な追加", BatchRequest{Operation: model.OperationAdd, GroupIDs: []string{"g1"}, Phones: []model.PhoneNumber{"6281234567890"}}, false},
		{"有効な名前変更", BatchRequest{Operation: model.OperationRename, GroupIDs: []string{"g1"}, Name: "Team"}, false},
		{"不明な操作", BatchRequest{Operation: "kick", GroupIDs: []string{"g1"}}, true},
		{"グループなし", BatchRequest{Operation: model.OperationAdd, Phones: []model.PhoneNumber{"6281234567890"}}, true},
		{"番号なし", BatchRequest{Operation: model.OperationPromote, GroupIDs: []string{"g1"}}, true},
		{"名前なし", BatchRequest{Operation: model.OperationRename, GroupIDs: []string{"g1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBatchRequest_IntentsNestedOrder(t *testing.T) {
	req := BatchRequest{
		Operation: model.OperationAdd,
		GroupIDs:  []string{"g1", "g2"},
		Phones:    []model.PhoneNumber{"6281111111111", "6282222222222"},
	}

	got := req.Intents()

	want := []struct {
		group string
		phone model.PhoneNumber
	}{
		{"g1", "6281111111111"}, {"g1", "6282222222222"},
		{"g2", "6281111111111"}, {"g2", "6282222222222"},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].GroupID != w.group || got[i].Phone != w.phone {
			t.Errorf("intent[%d] = %+v, want %s/%s", i, got[i], w.group, w.phone)
		}
	}
}

func TestBatchRunner_Run_CountsAndContinuesAfterFailure(t *testing.T) {
	exec := &stubExecutor{fn: func(_ context.Context, intent model.MutationIntent) model.Outcome {
		if intent.Phone == "6282222222222" {
			return model.Failed(model.NewNotFoundError(string(intent.Phone), nil))
		}
		return model.Succeeded(model.ReasonDone, model.PhoneDerivedID(intent.Phone))
	}}
	log := &memoryLog{}
	runner := newBatchRunner(exec, log, BatchConfig{})

	report, err := runner.Run(context.Background(), BatchRequest{
		Operation: model.OperationAdd,
		GroupIDs:  []string{"g1"},
		Phones:    []model.PhoneNumber{"6281111111111", "6282222222222", "6283333333333"},
		Operator:  "ops",
	})
	if err != nil {
		t.Fatal(err)
	}

	if report.Status != BatchCompleted || report.Total != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(exec.executed()) != 3 {
		t.Errorf("executed = %d, want 3", len(exec.executed()))
	}
	if len(log.entries) != 3 {
		t.Fatalf("log entries = %d, want 3", len(log.entries))
	}
	if e := log.entries[1]; e.OK || e.Result != string(model.FailureNotFound) || e.BatchID != report.ID {
		t.Errorf("entry = %+v", e)
	}
}

func TestBatchRunner_LogErrorDoesNotStopBatch(t *testing.T) {
	exec := &stubExecutor{}
	runner := newBatchRunner(exec, &memoryLog{err: errors.New("db down")}, BatchConfig{})

	report, _ := runner.Run(context.Background(), BatchRequest{
		Operation: model.OperationRename,
		GroupIDs:  []string{"g1", "g2"},
		Name:      "Team",
	})

	if report.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Succeeded)
	}
}

func TestBatchRunner_PacesBetweenItemsOnly(t *testing.T) {
	exec := &stubExecutor{}
	runner := newBatchRunner(exec, nil, BatchConfig{ItemPacing: 30 * time.Millisecond})

	start := time.Now()
	_, _ = runner.Run(context.Background(), BatchRequest{
		Operation: model.OperationPromote,
		GroupIDs:  []string{"g1"},
		Phones:    []model.PhoneNumber{"6281111111111", "6282222222222", "6283333333333"},
	})
	elapsed := time.Since(start)

	if elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want at least two pacing intervals", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, pacing should not follow the last item", elapsed)
	}
}

func TestBatchRunner_RateLimitUsesCooldown(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, model.MutationIntent) model.Outcome {
		return model.Failed(model.NewRateLimitedError(errors.New("rate-overlimit")))
	}}
	runner := newBatchRunner(exec, nil, BatchConfig{ItemPacing: time.Millisecond, RateLimitCooldown: 80 * time.Millisecond})

	start := time.Now()
	report, _ := runner.Run(context.Background(), BatchRequest{
		Operation: model.OperationAdd,
		GroupIDs:  []string{"g1"},
		Phones:    []model.PhoneNumber{"6281111111111", "6282222222222"},
	})

	if time.Since(start) < 80*time.Millisecond {
		t.Errorf("cooldown not applied")
	}
	if report.RateLimited != 2 || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestBatchRunner_CancelStopsBeforeNextItem(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var inFlightErr error
	exec := &stubExecutor{fn: func(ctx context.Context, intent model.MutationIntent) model.Outcome {
		if intent.Phone == "6281111111111" {
			close(started)
			<-release
			inFlightErr = ctx.Err()
		}
		return model.Succeeded(model.ReasonDone, "")
	}}
	runner := newBatchRunner(exec, nil, BatchConfig{ItemPacing: time.Millisecond})

	id, err := runner.Submit(context.Background(), BatchRequest{
		Operation: model.OperationAdd,
		GroupIDs:  []string{"g1"},
		Phones:    []model.PhoneNumber{"6281111111111", "6282222222222", "6283333333333"},
	})
	if err != nil {
		t.Fatal(err)
	}

	<-started
	if !runner.Cancel(id) {
		t.Fatal("Cancel() = false")
	}
	close(release)
	runner.Shutdown()

	report, ok := runner.Get(id)
	if !ok {
		t.Fatal("batch not found")
	}
	if report.Status != BatchCanceled {
		t.Errorf("Status = %q, want canceled", report.Status)
	}
	if len(exec.executed()) != 1 || report.Succeeded != 1 {
		t.Errorf("executed = %d, succeeded = %d, want 1", len(exec.executed()), report.Succeeded)
	}
	if inFlightErr != nil {
		t.Errorf("in-flight item saw ctx error %v", inFlightErr)
	}
}

func TestBatchRunner_SubmitDetachedFromRequestContext(t *testing.T) {
	exec := &stubExecutor{}
	runner := newBatchRunner(exec, nil, BatchConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := runner.Submit(ctx, BatchRequest{
		Operation: model.OperationDemote,
		GroupIDs:  []string{"g1"},
		Phones:    []model.PhoneNumber{"6281111111111", "6282222222222"},
	})
	cancel()
	if err != nil {
		t.Fatal(err)
	}

	report := waitFinished(t, runner, id)
	if report.Status != BatchCompleted || report.Succeeded != 2 {
		t.Errorf("report = %+v", report)
	}
}

func waitFinished(t *testing.T, runner *BatchRunner, id string) BatchReport {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := runner.Get(id); ok && r.Status != BatchRunning {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", id)
	return BatchReport{}
}

func TestBatchRunner_UnknownBatch(t *testing.T) {
	runner := newBatchRunner(&stubExecutor{}, nil, BatchConfig{})

	if _, ok := runner.Get("missing"); ok {
		t.Error("Get() should report missing batch")
	}
	if runner.Cancel("missing") {
		t.Error("Cancel() should report missing batch")
	}
}

func TestBatchRunner_SubmitRejectsInvalidRequest(t *testing.T) {
	runner := newBatchRunner(&stubExecutor{}, nil, BatchConfig{})

	if _, err := runner.Submit(context.Background(), BatchRequest{Operation: model.OperationAdd}); err == nil {
		t.Error("expected validation error")
	}
}
