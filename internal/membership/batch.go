package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/groupman/internal/model"
)

// Executor はMutationIntentを1件実行する。
type Executor interface {
	Execute(ctx context.Context, intent model.MutationIntent) model.Outcome
}

// MutationLogger はバッチの各項目の結果を記録する。
type MutationLogger interface {
	Append(ctx context.Context, entry *model.MutationLogEntry) error
}

// BatchConfig はバッチ実行の待機時間を保持する。
type BatchConfig struct {
	// ItemPacing は項目間の待機時間（デフォルト: 5秒）。
	ItemPacing time.Duration
	// RateLimitCooldown はレート制限を検知した後の待機時間（デフォルト: 30秒）。
	RateLimitCooldown time.Duration
}

// DefaultBatchConfig はデフォルトのバッチ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		ItemPacing:        5 * time.Second,
		RateLimitCooldown: 30 * time.Second,
	}
}

// BatchRequest は「M個のグループにN個の番号を○○する」というまとまった要求を表す。
type BatchRequest struct {
	Operation model.Operation
	GroupIDs  []string
	Phones    []model.PhoneNumber
	Name      string
	Operator  string
}

// Validate はリクエストが実行可能かを検証する。
func (r *BatchRequest) Validate() error {
	if _, ok := model.ParseOperation(string(r.Operation)); !ok {
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	if len(r.GroupIDs) == 0 {
		return errors.New("group_ids is required")
	}
	if r.Operation.NeedsPhone() && len(r.Phones) == 0 {
		return errors.New("phones is required")
	}
	if r.Operation == model.OperationRename && r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Intents は実行順に並べたMutationIntentを返す。グループ単位の入れ子ループになる。
func (r *BatchRequest) Intents() []model.MutationIntent {
	var intents []model.MutationIntent
	for _, gid := range r.GroupIDs {
		if !r.Operation.NeedsPhone() {
			intents = append(intents, model.MutationIntent{Operation: r.Operation, GroupID: gid, Name: r.Name})
			continue
		}
		for _, p := range r.Phones {
			intents = append(intents, model.MutationIntent{Operation: r.Operation, GroupID: gid, Phone: p})
		}
	}
	return intents
}

// BatchStatus はバッチの状態を表す。
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchCanceled  BatchStatus = "canceled"
)

// ItemResult はバッチ内の1件の結果を表す。
type ItemResult struct {
	Intent  model.MutationIntent
	Outcome model.Outcome
	At      time.Time
}

// BatchReport はバッチの集計結果を表す。
type BatchReport struct {
	ID          string
	Operation   model.Operation
	Operator    string
	Status      BatchStatus
	Total       int
	Succeeded   int
	Failed      int
	RateLimited int
	Items       []ItemResult
	StartedAt   time.Time
	FinishedAt  time.Time
}

// reportRetention は終了したバッチの結果を保持する期間。
const reportRetention = 24 * time.Hour

type batchState struct {
	mu     sync.Mutex
	report BatchReport
	cancel context.CancelFunc
}

func (s *batchState) snapshot() BatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report
	r.Items = append([]ItemResult(nil), s.report.Items...)
	return r
}

// BatchRunner はバッチを項目ごとに順番に実行する。
// 1件の失敗でバッチを中断せず、集計と項目ごとの結果を報告する。
type BatchRunner struct {
	exec   Executor
	log    MutationLogger
	config BatchConfig
	logger *slog.Logger

	mu      sync.Mutex
	batches map[string]*batchState
	wg      sync.WaitGroup
}

// NewBatchRunner は新しいBatchRunnerを生成する。logがnilの場合は記録しない。
func NewBatchRunner(exec Executor, log MutationLogger, config BatchConfig, logger *slog.Logger) *BatchRunner {
	return &BatchRunner{
		exec:    exec,
		log:     log,
		config:  config,
		logger:  logger,
		batches: make(map[string]*batchState),
	}
}

// Submit はバッチをバックグラウンドで開始し、バッチIDを返す。
// 実行はサーバーのライフサイクルに従い、リクエストのコンテキストとは切り離す。
func (r *BatchRunner) Submit(ctx context.Context, req BatchRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := r.newState(req, cancel)
	id := state.report.ID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(runCtx, state, req.Intents())
	}()
	return id, nil
}

// Run はバッチを同期的に実行して結果を返す。
func (r *BatchRunner) Run(ctx context.Context, req BatchRequest) (BatchReport, error) {
	if err := req.Validate(); err != nil {
		return BatchReport{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	state := r.newState(req, cancel)
	r.run(runCtx, state, req.Intents())
	return state.snapshot(), nil
}

// Get はバッチの現在の結果を返す。
func (r *BatchRunner) Get(id string) (BatchReport, bool) {
	r.mu.Lock()
	state, ok := r.batches[id]
	r.mu.Unlock()
	if !ok {
		return BatchReport{}, false
	}
	return state.snapshot(), true
}

// Cancel は実行中のバッチに中断を要求する。
// 実行中の項目は完了まで続け、次の項目から実行しない。
func (r *BatchRunner) Cancel(id string) bool {
	r.mu.Lock()
	state, ok := r.batches[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	state.cancel()
	return true
}

// Shutdown は全バッチに中断を要求し、終了を待つ。
func (r *BatchRunner) Shutdown() {
	r.mu.Lock()
	for _, s := range r.batches {
		s.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *BatchRunner) newState(req BatchRequest, cancel context.CancelFunc) *batchState {
	state := &batchState{
		report: BatchReport{
			ID:        uuid.NewString(),
			Operation: req.Operation,
			Operator:  req.Operator,
			Status:    BatchRunning,
			Total:     len(req.Intents()),
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	r.mu.Lock()
	r.pruneLocked(state.report.StartedAt)
	r.batches[state.report.ID] = state
	r.mu.Unlock()
	return state
}

// pruneLocked は終了から保持期間を過ぎたバッチを破棄する。
func (r *BatchRunner) pruneLocked(now time.Time) {
	for id, s := range r.batches {
		s.mu.Lock()
		expired := s.report.Status != BatchRunning && now.Sub(s.report.FinishedAt) > reportRetention
		s.mu.Unlock()
		if expired {
			delete(r.batches, id)
		}
	}
}

func (r *BatchRunner) run(ctx context.Context, state *batchState, intents []model.MutationIntent) {
	batchID := state.report.ID
	r.logger.Info("バッチを開始しました",
		slog.String("batch_id", batchID),
		slog.String("operation", string(state.report.Operation)),
		slog.Int("total", len(intents)),
	)

	status := BatchCompleted
	for i, intent := range intents {
		if ctx.Err() != nil {
			status = BatchCanceled
			break
		}

		// 実行中の項目は中断要求があっても最後まで実行する。
		out := r.exec.Execute(context.WithoutCancel(ctx), intent)
		r.record(ctx, state, intent, out)

		if i == len(intents)-1 {
			break
		}
		wait := r.config.ItemPacing
		if out.Kind == model.FailureRateLimited || out.RateLimited > 0 {
			wait = r.config.RateLimitCooldown
		}
		if err := sleep(ctx, wait); err != nil {
			status = BatchCanceled
			break
		}
	}

	state.mu.Lock()
	state.report.Status = status
	state.report.FinishedAt = time.Now()
	report := state.report
	state.mu.Unlock()

	r.logger.Info("バッチが終了しました",
		slog.String("batch_id", batchID),
		slog.String("status", string(status)),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("rate_limited", report.RateLimited),
	)
}

func (r *BatchRunner) record(ctx context.Context, state *batchState, intent model.MutationIntent, out model.Outcome) {
	now := time.Now()
	state.mu.Lock()
	state.report.Items = append(state.report.Items, ItemResult{Intent: intent, Outcome: out, At: now})
	if out.OK {
		state.report.Succeeded++
	} else {
		state.report.Failed++
	}
	if out.RateLimited > 0 || out.Kind == model.FailureRateLimited {
		state.report.RateLimited++
	}
	batchID := state.report.ID
	state.mu.Unlock()

	if r.log == nil {
		return
	}
	target := string(intent.Phone)
	if intent.Operation == model.OperationRename {
		target = intent.Name
	}
	result := string(out.Reason)
	if !out.OK {
		result = string(out.Kind)
	}
	entry := &model.MutationLogEntry{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Operation: intent.Operation,
		GroupID:   intent.GroupID,
		Target:    target,
		OK:        out.OK,
		Result:    result,
		Message:   out.Message,
		Attempts:  out.Attempts,
		CreatedAt: now,
	}
	if err := r.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("バッチ結果の記録に失敗しました",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
	}
}
