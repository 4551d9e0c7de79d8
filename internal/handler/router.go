package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/groupman/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger         *slog.Logger
	OperatorTokens []string
	RateLimiter    *middleware.RateLimiter
	HealthChecker  HealthChecker
	Metrics        http.Handler

	Membership MembershipServiceInterface
	Batches    BatchServiceInterface
	BatchLogs  BatchLogReader
	Sweeper    SweeperInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → (/api) OperatorAuth → RateLimit
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	membershipHandler := NewMembershipHandler(deps.Membership)
	batchHandler := NewBatchHandler(deps.Batches, deps.BatchLogs, deps.Logger)
	sweepHandler := NewSweepHandler(deps.Sweeper, deps.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewOperatorAuthMiddleware(deps.OperatorTokens))
		r.Use(deps.RateLimiter.Middleware())

		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Post("/participants", membershipHandler.AddParticipant)
			r.Get("/admins", membershipHandler.ListAdmins)
			r.Post("/admins", membershipHandler.PromoteAdmin)
			r.Delete("/admins/{phone}", membershipHandler.DemoteAdmin)
			r.Put("/subject", membershipHandler.RenameGroup)
		})

		r.Get("/identifiers/{identifier}/display", membershipHandler.DescribeIdentifier)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batchHandler.SubmitBatch)
			r.Route("/{batchID}", func(r chi.Router) {
				r.Get("/", batchHandler.GetBatch)
				r.Delete("/", batchHandler.CancelBatch)
				r.Get("/log", batchHandler.GetBatchLog)
			})
		})

		r.Post("/sweeps", sweepHandler.RunSweep)
	})

	return r
}
