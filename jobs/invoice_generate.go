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
)

// InvoiceGenerateJob runs the monthly invoicing pass.
type InvoiceGenerateJob struct {
	Billing *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvoiceGenerateJob initialises the invoicing handler.
func NewInvoiceGenerateJob(svc *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceGenerateJob {
	return &InvoiceGenerateJob{Billing: svc, Logger: logger, Metrics: metrics}
}

// Handle executes the invoicing run.
func (j *InvoiceGenerateJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil {
		return errors.New("invoice generate: handler not configured")
	}
	var payload InvoiceGeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInvoiceGenerate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	report, err := j.Billing.GenerateMonthlyInvoices(ctx, payload.AsOf)
	if err != nil {
		resultErr = err
		j.logger().Error("invoicing run failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddItems(TaskInvoiceGenerate, "created", report.Created)
	j.metrics().AddItems(TaskInvoiceGenerate, "advance_applied", report.AdvanceApplied)
	j.metrics().AddItems(TaskInvoiceGenerate, "error", len(report.Errors))
	for _, msg := range report.Errors {
		j.logger().Warn("invoicing error", slog.String("detail", msg))
	}
	j.logger().Info("invoicing run completed",
		slog.Int("year", report.Period.Year),
		slog.Int("month", int(report.Period.Month)),
		slog.Int("created", report.Created),
		slog.Int("advance_applied", report.AdvanceApplied),
		slog.Int("skipped", report.SkippedExisting),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *InvoiceGenerateJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *InvoiceGenerateJob) logger() *slog.Logger {
	if j == nil || j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
