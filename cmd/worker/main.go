package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/app"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/billing"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/customers"
	jobmetrics "github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/jobs"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/notify"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/observability"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/plans"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/platform/cache"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/platform/db"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/reconcile"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routeros"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routers"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	metrics := observability.NewMetrics()

	routerPool := routeros.NewPool(routeros.PoolConfig{
		Dialer:       routeros.APIDialer{Timeout: cfg.RouterDialTimeout},
		BreakerTrips: cfg.RouterBreakerTrips,
		BreakerReset: cfg.RouterBreakerResetAfter,
	})
	defer routerPool.Close()
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
		logger.Error("init billing", slog.Any("error", err))
		os.Exit(1)
	}

	enforcer := reconcile.NewEnforcer(billingSvc, routerRepo, reconciler, cfg.EnforcerConcurrency, metrics, logger)

	sender := notify.NewHTTPGateway(cfg.MessageGatewayURL, nil)
	cooldown := cache.NewCooldown(redisClient)
	messageLogs := notify.NewRepository(pool)
	dispatcher := notify.NewDispatcher(sender, cooldown, messageLogs, cfg.MessageSendDelay, metrics, logger)

	jm := jobmetrics.NewMetrics(nil)
	invoiceJob := jobs.NewInvoiceGenerateJob(billingSvc, logger, jm)
	sweepJob := jobs.NewOverdueSweepJob(billingSvc, enforcer, logger, jm)
	remindersJob := jobs.NewRemindersJob(billingSvc, customerRepo, dispatcher, logger, jm)

	invoiceTask, err := jobs.NewInvoiceGenerateTask(jobs.InvoiceGeneratePayload{})
	if err != nil {
		logger.Error("build invoice task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewOverdueSweepTask(jobs.OverdueSweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	remindersTask, err := jobs.NewSendRemindersTask(jobs.SendRemindersPayload{})
	if err != nil {
		logger.Error("build reminders task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceGenerate, Handler: invoiceJob.Handle},
			{Type: jobs.TaskOverdueSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskSendReminders, Handler: remindersJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			// Invoices on the billing day, early morning.
			{Spec: "0 6 25 * *", Task: invoiceTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			// Enforcement every day at 09:00.
			{Spec: "0 9 * * *", Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(2)}},
			// Reminders at 10:00, after the sweep selection is fresh.
			{Spec: "0 10 * * *", Task: remindersTask, Options: []asynq.Option{asynq.MaxRetry(2)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	opsServer := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           metrics.OpsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops listener", slog.String("addr", cfg.OpsAddr))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops listener", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
