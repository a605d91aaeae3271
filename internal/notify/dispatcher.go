// Package notify renders and delivers customer messages through the
// WhatsApp bridge, with a cooldown so one customer is never reminded twice
// in a day and an audit row for every attempt.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/observability"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// ReminderCooldown is how long a sent reminder suppresses the next one.
const ReminderCooldown = 24 * time.Hour

// Cooldown acquires a suppression key. Acquire returns false when the key is
// already held, meaning the message was sent recently.
type Cooldown interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// LogStore appends delivery audit rows.
type LogStore interface {
	Append(ctx context.Context, entry MessageLog) error
}

// Target is one customer due a reminder.
type Target struct {
	CustomerID    int64
	InvoiceID     *int64
	Name          string
	Phone         string
	InvoiceNumber string
	Amount        float64
	DueDate       time.Time
}

// SendOutcome classifies one reminder attempt.
type SendOutcome string

const (
	OutcomeSent    SendOutcome = "sent"
	OutcomeSkipped SendOutcome = "skipped"
	OutcomeFailed  SendOutcome = "failed"
)

// BatchOptions tunes one reminder run.
type BatchOptions struct {
	// DryRun renders and counts but never sends or logs.
	DryRun bool
	// Limit caps how many messages actually go out; zero means no cap.
	Limit int
	// StartFrom skips customers with a lower ID, for resuming an
	// interrupted run.
	StartFrom int64
	// Delay is the pause between consecutive sends. Zero falls back to
	// the dispatcher default.
	Delay time.Duration
}

// BatchReport summarises one reminder run.
type BatchReport struct {
	Total   int
	Sent    int
	Skipped int
	Failed  int
}

// Dispatcher sends reminders one at a time with a fixed pause so the bridge
// account does not get flagged for bursting.
type Dispatcher struct {
	sender   MessageSender
	cooldown Cooldown
	logs     LogStore
	delay    time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewDispatcher constructs a dispatcher. Cooldown, logs, metrics and logger
// may be nil; delay below zero becomes twenty seconds.
func NewDispatcher(sender MessageSender, cooldown Cooldown, logs LogStore, delay time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if delay <= 0 {
		delay = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:   sender,
		cooldown: cooldown,
		logs:     logs,
		delay:    delay,
		metrics:  metrics,
		logger:   logger,
	}
}

// SendReminder delivers one overdue reminder. A held cooldown skips without
// error; a delivery failure is logged and returned but leaves the cooldown
// unheld so the next run retries.
func (d *Dispatcher) SendReminder(ctx context.Context, t Target) (SendOutcome, error) {
	phone, err := NormalizePhone(t.Phone)
	if err != nil {
		d.observe(OutcomeFailed)
		d.record(ctx, t, t.Phone, "", MessageFailed, err)
		return OutcomeFailed, err
	}

	if d.cooldown != nil {
		ok, err := d.cooldown.Acquire(ctx, shared.ReminderCooldownKey(t.CustomerID), ReminderCooldown)
		if err != nil {
			d.observe(OutcomeFailed)
			return OutcomeFailed, err
		}
		if !ok {
			d.observe(OutcomeSkipped)
			return OutcomeSkipped, nil
		}
	}

	body := ReminderMessage(ReminderInput{
		Name:          t.Name,
		InvoiceNumber: t.InvoiceNumber,
		Amount:        t.Amount,
		DueDate:       t.DueDate,
	})
	if err := d.sender.Send(ctx, phone, body); err != nil {
		if d.cooldown != nil {
			if relErr := d.cooldown.Release(ctx, shared.ReminderCooldownKey(t.CustomerID)); relErr != nil {
				d.logger.Warn("cooldown release failed",
					slog.Int64("customer", t.CustomerID),
					slog.Any("error", relErr))
			}
		}
		d.observe(OutcomeFailed)
		d.record(ctx, t, phone, body, MessageFailed, err)
		return OutcomeFailed, err
	}
	d.observe(OutcomeSent)
	d.record(ctx, t, phone, body, MessageSent, nil)
	return OutcomeSent, nil
}

// SendBatch walks the targets in order with the configured pause between
// sends. Cancellation stops the walk and returns the partial report.
func (d *Dispatcher) SendBatch(ctx context.Context, targets []Target, opts BatchOptions) (BatchReport, error) {
	delay := opts.Delay
	if delay <= 0 {
		delay = d.delay
	}

	var report BatchReport
	for _, t := range targets {
		if t.CustomerID < opts.StartFrom {
			continue
		}
		if opts.Limit > 0 && report.Sent >= opts.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Total++

		if opts.DryRun {
			d.logger.Info("reminder (dry run)",
				slog.Int64("customer", t.CustomerID),
				slog.String("invoice", t.InvoiceNumber))
			continue
		}

		outcome, err := d.SendReminder(ctx, t)
		switch outcome {
		case OutcomeSent:
			report.Sent++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeFailed:
			report.Failed++
			d.logger.Warn("reminder failed",
				slog.Int64("customer", t.CustomerID),
				slog.Any("error", err))
		}

		if outcome == OutcomeSent {
			if err := d.pause(ctx, delay); err != nil {
				return report, err
			}
		}
	}
	d.logger.Info("reminder batch done",
		slog.Int("total", report.Total),
		slog.Int("sent", report.Sent),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return report, nil
}

func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) observe(outcome SendOutcome) {
	if d.metrics != nil {
		d.metrics.ObserveNotification(string(outcome))
	}
}

func (d *Dispatcher) record(ctx context.Context, t Target, phone, body string, status MessageStatus, sendErr error) {
	if d.logs == nil {
		return
	}
	entry := MessageLog{
		CustomerID: t.CustomerID,
		InvoiceID:  t.InvoiceID,
		Phone:      phone,
		Kind:       "payment_reminder",
		Body:       body,
		Status:     status,
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := d.logs.Append(ctx, entry); err != nil {
		d.logger.Warn("message log append failed",
			slog.Int64("customer", t.CustomerID),
			slog.Any("error", err))
	}
}
