package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/billing"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/customers"
	jobmetrics "github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/jobs"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/notify"
)

// CustomerDirectory resolves customer identity for message rendering.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id int64) (*customers.Customer, error)
}

// RemindersJob sends payment reminders to every overdue customer.
type RemindersJob struct {
	Billing    *billing.Service
	Customers  CustomerDirectory
	Dispatcher *notify.Dispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewRemindersJob initialises the reminders handler.
func NewRemindersJob(svc *billing.Service, dir CustomerDirectory, dispatcher *notify.Dispatcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *RemindersJob {
	return &RemindersJob{Billing: svc, Customers: dir, Dispatcher: dispatcher, Logger: logger, Metrics: metrics}
}

// Handle builds the target list from the overdue selection and walks it.
func (j *RemindersJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Billing == nil || j.Dispatcher == nil {
		return errors.New("reminders: handler not configured")
	}
	var payload SendRemindersPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSendReminders)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	targets, err := ReminderTargets(ctx, j.Billing, j.Customers, j.logger())
	if err != nil {
		resultErr = err
		j.logger().Error("reminder selection failed", slog.Any("error", err))
		return resultErr
	}

	report, err := j.Dispatcher.SendBatch(ctx, targets, notify.BatchOptions{
		DryRun:    payload.DryRun,
		Limit:     payload.Limit,
		StartFrom: payload.StartFrom,
	})
	if err != nil {
		resultErr = err
	}

	j.metrics().AddItems(TaskSendReminders, "sent", report.Sent)
	j.metrics().AddItems(TaskSendReminders, "skipped", report.Skipped)
	j.metrics().AddItems(TaskSendReminders, "failed", report.Failed)
	j.logger().Info("reminder run completed",
		slog.Int("total", report.Total),
		slog.Int("sent", report.Sent),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// ReminderTargets turns the overdue selection into renderable targets. A
// customer whose identity or invoice cannot be loaded is skipped with a
// warning, never aborting the rest of the batch.
func ReminderTargets(ctx context.Context, svc *billing.Service, dir CustomerDirectory, logger *slog.Logger) ([]notify.Target, error) {
	if logger == nil {
		logger = slog.Default()
	}
	selected, err := svc.OverdueAccounts(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]notify.Target, 0, len(selected))
	for _, oc := range selected {
		customer, err := dir.GetCustomer(ctx, oc.CustomerID)
		if err != nil {
			logger.Warn("reminder target skipped",
				slog.Int64("customer", oc.CustomerID),
				slog.Any("error", err))
			continue
		}
		invoice, err := svc.Invoice(ctx, oc.InvoiceID)
		if err != nil {
			logger.Warn("reminder target skipped",
				slog.Int64("customer", oc.CustomerID),
				slog.Any("error", err))
			continue
		}
		invoiceID := oc.InvoiceID
		targets = append(targets, notify.Target{
			CustomerID:    oc.CustomerID,
			InvoiceID:     &invoiceID,
			Name:          customer.FullName,
			Phone:         customer.Phone,
			InvoiceNumber: invoice.Number,
			Amount:        oc.Balance,
			DueDate:       invoice.DueDate,
		})
	}
	return targets, nil
}

func (j *RemindersJob) metrics() *jobmetrics.Metrics {
	if j == nil {
		return nil
	}
	return j.Metrics
}

func (j *RemindersJob) logger() *slog.Logger {
	if j == nil || j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
