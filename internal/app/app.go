package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/groupman/internal/config"
	"github.com/hitoshi/groupman/internal/database"
	"github.com/hitoshi/groupman/internal/handler"
	"github.com/hitoshi/groupman/internal/logger"
	"github.com/hitoshi/groupman/internal/metrics"
	"github.com/hitoshi/groupman/internal/middleware"
)

const (
	// cleanupInterval は記録のクリーンアップ間隔。
	cleanupInterval = 24 * time.Hour
	// shutdownTimeout はグレースフルシャットダウンの上限時間。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("mapping_backend", cfg.MappingBackend),
		slog.Bool("auto_approve", cfg.AutoApprove),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd == CommandWorker {
		return runWorker(ctx, cfg, slog.Default())
	}
	return runServe(ctx, cfg, slog.Default())
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーとバックグラウンドジョブを起動する。
// ctxがキャンセルされると実行中のバッチを中断し、グレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitPerMinute))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:         log,
		OperatorTokens: cfg.OperatorTokens,
		RateLimiter:    rateLimiter,
		Metrics:        metrics.Handler(c.registry),
		Membership:     c.mutator,
		Batches:        c.runner,
		BatchLogs:      c.logs,
		Sweeper:        c.reconciler,
	}
	// nilの*sql.DBをインターフェースに入れない
	if c.db != nil {
		deps.HealthChecker = c.db
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		// 新規受付を止めてから実行中のバッチを中断する
		c.runner.Shutdown()
		c.mutator.Wait()
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	startBackground(gctx, g, c, cfg.AutoApprove)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 参加リクエストの承認ループとクリーンアップジョブのみを実行する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	log.Info("worker starting",
		slog.Duration("approve_interval", cfg.ApproveInterval),
		slog.Duration("approve_pacing", cfg.ApprovePacing),
	)

	g, gctx := errgroup.WithContext(ctx)
	startBackground(gctx, g, c, true)
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("worker stopped gracefully")
	return nil
}

// startBackground はマッピングの監視、承認ループ、クリーンアップを起動する。
func startBackground(ctx context.Context, g *errgroup.Group, c *components, approve bool) {
	if c.watcher != nil {
		g.Go(func() error {
			// 監視できなくても起動時に読み込んだマッピングで動作は続けられる
			if err := c.watcher.Run(ctx); err != nil {
				slog.Warn("mapping watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if approve {
		g.Go(func() error {
			c.reconciler.Start(ctx)
			return nil
		})
	}
	if c.cleanup != nil {
		g.Go(func() error {
			c.cleanup.Start(ctx, cleanupInterval)
			return nil
		})
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if !cfg.HasDatabase() {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
