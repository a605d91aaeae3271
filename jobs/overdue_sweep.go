package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/billing"
	jobmetrics "github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/jobs"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/reconcile"
)

// OverdueSweepJob promotes past-due invoices and cuts every overdue customer.
type OverdueSweepJob struct {
	Billing  *billing.Service
	Enforcer *reconcile.Enforcer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewOverdueSweepJob initialises the sweep handler.
func NewOverdueSweepJob(svc *billing.Service, enforcer *reconcile.Enforcer, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{Billing: svc, Enforcer: enforcer, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep. Promotion always runs first so invoices that
// crossed their due date since the last run enter the selection.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil || j.Enforcer == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskOverdueSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	promoted, err := j.Billing.MarkOverdueInvoices(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("overdue promotion failed", slog.Any("error", err))
		return resultErr
	}

	if payload.DryRun {
		selected, err := j.Billing.OverdueAccounts(ctx)
		if err != nil {
			resultErr = err
			return resultErr
		}
		j.logger().Info("overdue sweep (dry run)",
			slog.Int64("promoted", promoted),
			slog.Int("selected", len(selected)))
		return nil
	}

	report, err := j.Enforcer.CutAllOverdue(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("sweep aborted", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddItems(TaskOverdueSweep, "cut", report.Cut)
	j.metrics().AddItems(TaskOverdueSweep, "failed", report.Failed)
	j.logger().Info("overdue sweep completed",
		slog.Int64("promoted", promoted),
		slog.Int("total", report.Total),
		slog.Int("cut", report.Cut),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *OverdueSweepJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *OverdueSweepJob) logger() *slog.Logger {
	if j == nil || j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
