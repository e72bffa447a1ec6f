package api

import (
	"github.com/arkfin/mt5-settlement/internal/api/handler"
	"github.com/arkfin/mt5-settlement/internal/api/middleware"
	"github.com/arkfin/mt5-settlement/internal/api/spec"
	"github.com/arkfin/mt5-settlement/internal/config"
	"github.com/arkfin/mt5-settlement/internal/idempotency"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *pgxpool.Pool
	redis  redis.Cmdable
	idem   *idempotency.Store
	orch   *service.SettlementOrchestrator
	recon  *service.ReconciliationService
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	db *pgxpool.Pool,
	redisClient redis.Cmdable,
	idemStore *idempotency.Store,
	orch *service.SettlementOrchestrator,
	recon *service.ReconciliationService,
) *Router {
	return &Router{
		cfg:    cfg,
		logger: logger,
		db:     db,
		redis:  redisClient,
		idem:   idemStore,
		orch:   orch,
		recon:  recon,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware(api.logger))

	// Handlers
	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	withdrawalHandler := handler.NewWithdrawalHandler(api.orch)
	reconHandler := handler.NewReconciliationHandler(api.recon, api.orch)
	webhookHandler := handler.NewWebhookHandler(api.recon)

	// Operational endpoints
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Gateway callbacks authenticate with vendor signatures, not JWTs.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/{gateway}", webhookHandler.HandleGatewayWebhook)
	})

	// Protected Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.With(middleware.IdempotencyMiddleware(api.idem, api.logger)).Post("/v1/withdrawals", withdrawalHandler.Create)
		r.Get("/v1/withdrawals/{id}", withdrawalHandler.Get)

		// Back-office
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole("admin"))

			r.Get("/v1/withdrawals", withdrawalHandler.List)
			r.Get("/v1/withdrawals/{id}/attempts", withdrawalHandler.Attempts)
			r.Get("/v1/withdrawals/{id}/events", withdrawalHandler.Events)
			r.Post("/v1/withdrawals/{id}/retry", withdrawalHandler.Retry)
			r.Post("/v1/withdrawals/{id}/refund", withdrawalHandler.Refund)
			r.Post("/v1/withdrawals/{id}/resolve", withdrawalHandler.Resolve)

			r.Post("/v1/reconciliation/payout-status", reconHandler.ApplyUpdate)
			r.Post("/v1/reconciliation/payout-status/batch", reconHandler.ApplyBatch)
			r.Post("/v1/attempts/{pgOrderID}/correct", reconHandler.CorrectAttempt)
		})
	})

	return r
}
