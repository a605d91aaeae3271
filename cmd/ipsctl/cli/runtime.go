// Package cli implements the back-office command surface: invoicing runs,
// enforcement sweeps and reminder batches, executed inline against the same
// services the worker schedules.
package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/app"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/billing"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/customers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/notify"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/observability"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/plans"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/platform/cache"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/platform/db"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/reconcile"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routeros"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runtime bundles everything a command needs: configuration, storage and the
// wired services.
type Runtime struct {
	Cfg    *app.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Customers  *customers.Repository
	Routers    *routers.Repository
	Billing    *billing.Service
	Plans      *plans.Service
	Reconciler *reconcile.Reconciler
	Enforcer   *reconcile.Enforcer
	Dispatcher *notify.Dispatcher

	routerPool *routeros.Pool
}

// NewRuntime connects and wires the full service graph.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	metrics := observability.NewMetrics()

	routerPool := routeros.NewPool(routeros.PoolConfig{
		Dialer:       routeros.APIDialer{Timeout: cfg.RouterDialTimeout},
		BreakerTrips: cfg.RouterBreakerTrips,
		BreakerReset: cfg.RouterBreakerResetAfter,
	})
	gateway := routeros.NewGateway(routerPool, logger, metrics)

	customerRepo := customers.NewRepository(pool)
	routerRepo := routers.NewRepository(pool)
	planRepo := plans.NewRepository(pool)
	billingRepo := billing.NewRepository(pool)

	planSvc := plans.NewService(planRepo, shared.SystemClock{}, logger)
	reconciler := reconcile.NewReconciler(customerRepo, routerRepo, planSvc, gateway, metrics, logger)

	policy := billing.CyclePolicy{
		BillingDay:   cfg.BillingDay,
		CutoffDay:    cfg.CutoffDay,
		DueGraceDays: cfg.DueGraceDays,
	}
	locker := cache.NewLocker(redisClient, 30*time.Second)
	billingSvc, err := billing.NewService(billingRepo, policy, shared.SystemClock{}, locker, reconciler, logger)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}

	enforcer := reconcile.NewEnforcer(billingSvc, routerRepo, reconciler, cfg.EnforcerConcurrency, metrics, logger)

	sender := notify.NewHTTPGateway(cfg.MessageGatewayURL, nil)
	cooldown := cache.NewCooldown(redisClient)
	messageLogs := notify.NewRepository(pool)
	dispatcher := notify.NewDispatcher(sender, cooldown, messageLogs, cfg.MessageSendDelay, metrics, logger)

	return &Runtime{
		Cfg:        cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Customers:  customerRepo,
		Routers:    routerRepo,
		Billing:    billingSvc,
		Plans:      planSvc,
		Reconciler: reconciler,
		Enforcer:   enforcer,
		Dispatcher: dispatcher,
		routerPool: routerPool,
	}, nil
}

// Close releases connections.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.routerPool != nil {
		r.routerPool.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
}
