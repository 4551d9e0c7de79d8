package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/groupman/internal/config"
	"github.com/hitoshi/groupman/internal/database"
	"github.com/hitoshi/groupman/internal/directory"
	"github.com/hitoshi/groupman/internal/gateway"
	"github.com/hitoshi/groupman/internal/mapping"
	"github.com/hitoshi/groupman/internal/matcher"
	"github.com/hitoshi/groupman/internal/membership"
	"github.com/hitoshi/groupman/internal/metrics"
	"github.com/hitoshi/groupman/internal/repository"
	"github.com/hitoshi/groupman/internal/resolver"
	"github.com/hitoshi/groupman/internal/retry"
	"github.com/hitoshi/groupman/internal/security"
	"github.com/hitoshi/groupman/internal/worker/approve"
	"github.com/hitoshi/groupman/internal/worker/cleanup"
)

// dbPingTimeout は起動時の接続確認の上限時間。
const dbPingTimeout = 10 * time.Second

// components はserve/workerの両モードで共有する依存関係の集合。
type components struct {
	db         *sql.DB // DATABASE_URL未設定の場合はnil
	registry   *prometheus.Registry
	collector  *metrics.Collector
	store      *mapping.Store
	watcher    *mapping.Watcher // ファイル監視が無効の場合はnil
	dir        *directory.Guarded
	mutator    *membership.Mutator
	logs       repository.MutationLogRepository
	runner     *membership.BatchRunner
	reconciler *approve.Reconciler
	cleanup    *cleanup.CleanupJob // DBがない場合はnil
}

// close はDB接続を閉じる。
func (c *components) close() {
	if c.db != nil {
		_ = c.db.Close()
	}
}

// build は設定から全依存関係をワイヤリングする。
// 識別子マッピングの読み込みとシードの適用もここで行う。
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.collector = metrics.NewCollector(c.registry)

	// 1. DB接続（任意）
	if cfg.HasDatabase() {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
			_ = db.Close()
			return nil, err
		}
		c.db = db
		logger.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
	}

	// 2. 識別子マッピング
	var backend mapping.Backend
	watch := false
	switch cfg.MappingBackend {
	case "postgres":
		if c.db == nil {
			c.close()
			return nil, fmt.Errorf("mapping backend postgres requires DATABASE_URL")
		}
		backend = repository.NewPostgresMappingRepo(c.db)
	default:
		backend = mapping.NewFileBackend(cfg.MappingFile)
		watch = cfg.MappingWatch
	}
	c.store = mapping.NewStore(backend, logger)
	c.store.SetMetrics(c.collector)
	c.store.Load(ctx)
	if watch {
		c.watcher = mapping.NewWatcher(c.store, cfg.MappingFile, logger)
	}
	if err := applySeeds(ctx, c.store, cfg.MappingSeedFile, logger); err != nil {
		c.close()
		return nil, err
	}

	// 3. ゲートウェイとディレクトリ
	httpClient, err := security.NewGatewayHTTPClient(cfg.GatewayURL, cfg.DirectoryCallTimeout, cfg.GatewayAllowPrivate)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("invalid gateway: %w", err)
	}
	gw, err := gateway.NewClient(httpClient, cfg.GatewayURL, cfg.GatewayToken, c.collector, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("failed to create gateway client: %w", err)
	}
	c.dir = directory.NewGuarded(gw, directory.GuardConfig{
		CallTimeout:    cfg.DirectoryCallTimeout,
		MutationPacing: cfg.MutationPacing,
	}, c.collector, logger)

	// 4. 識別子の解決とメンバーシップ操作
	m, err := matcher.New(matcher.Config{
		CountryCode:     cfg.CountryCode,
		TrunkPrefix:     cfg.TrunkPrefix,
		LocalPrefix:     cfg.LocalPrefix,
		NationalLength:  cfg.NationalPhoneLength,
		CanonicalLength: cfg.CanonicalPhoneLength,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("invalid phone numbering: %w", err)
	}
	res := resolver.New(c.store, c.dir, m, logger)
	c.mutator = membership.NewMutator(c.dir, res, security.NewSubjectSanitizer(), mutatorConfig(cfg), c.collector, logger)

	// 5. バッチと記録
	if c.db != nil {
		c.logs = repository.NewPostgresMutationLogRepo(c.db)
		c.cleanup = cleanup.NewCleanupJob(c.db, logger, cfg.LogRetentionDays)
	} else {
		c.logs = repository.NewMemoryMutationLogRepo(0)
	}
	c.runner = membership.NewBatchRunner(c.mutator, c.logs, membership.BatchConfig{
		ItemPacing:        cfg.ItemPacing,
		RateLimitCooldown: cfg.RateLimitCooldown,
	}, logger)

	// 6. 参加リクエストの承認
	c.reconciler = approve.NewReconciler(c.dir, c.collector, logger, approve.Config{
		Interval: cfg.ApproveInterval,
		Pacing:   cfg.ApprovePacing,
	})

	return c, nil
}

// applySeeds は組み込みシードと任意のシードファイルを適用する。
func applySeeds(ctx context.Context, store *mapping.Store, seedFile string, logger *slog.Logger) error {
	seeds := append([]mapping.Seed(nil), mapping.DefaultSeeds...)
	if seedFile != "" {
		extra, err := mapping.LoadSeedFile(seedFile)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		seeds = append(seeds, extra...)
	}
	if _, err := store.ApplySeeds(ctx, seeds); err != nil {
		// 保存に失敗してもメモリ上のマッピングは有効なので起動は続ける
		logger.Warn("failed to persist seed mappings", slog.String("error", err.Error()))
	}
	return nil
}

// mutatorConfig は設定値からMutatorの待機時間とリトライ方針を組み立てる。
func mutatorConfig(cfg *config.Config) membership.Config {
	mc := membership.DefaultConfig()
	mc.PropagationWait = cfg.PropagationWait
	mc.AddVerifyDelay = cfg.AddVerifyDelay
	mc.DemoteVerifyDelay = cfg.DemoteVerifyDelay
	mc.AddPromoteSyncWait = cfg.AddPromoteSyncWait
	mc.Add = retry.Policy{
		MaxAttempts:       cfg.AddMaxAttempts,
		Backoff:           retry.Linear(cfg.FixedBackoff),
		RateLimitCooldown: cfg.RateLimitCooldown,
	}
	mc.Promote = retry.Policy{
		MaxAttempts:       cfg.PromoteMaxAttempts,
		Backoff:           retry.Linear(cfg.PromoteBackoffStep),
		RateLimitCooldown: cfg.RateLimitCooldown,
	}
	mc.Demote = retry.Policy{
		MaxAttempts:       cfg.DemoteMaxAttempts,
		Backoff:           retry.Fixed(cfg.FixedBackoff),
		RateLimitCooldown: cfg.RateLimitCooldown,
	}
	mc.Rename = retry.Policy{
		MaxAttempts:       cfg.RenameMaxAttempts,
		Backoff:           retry.Fixed(cfg.FixedBackoff),
		RateLimitCooldown: cfg.RateLimitCooldown,
	}
	return mc
}
