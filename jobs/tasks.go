package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceGenerate creates the monthly invoices.
	TaskInvoiceGenerate = "billing:invoices:generate"
	// TaskOverdueSweep promotes past-due invoices and cuts overdue customers.
	TaskOverdueSweep = "enforce:overdue:sweep"
	// TaskSendReminders delivers payment reminders to overdue customers.
	TaskSendReminders = "notify:reminders:send"
)

// InvoiceGeneratePayload parameterises one invoicing run.
type InvoiceGeneratePayload struct {
	// AsOf overrides the run instant; zero means now.
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewInvoiceGenerateTask constructs the invoicing task.
func NewInvoiceGenerateTask(payload InvoiceGeneratePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceGenerate, body, asynq.Queue(QueueDefault)), nil
}

// OverdueSweepPayload parameterises one enforcement sweep.
type OverdueSweepPayload struct {
	// DryRun promotes and selects but never touches a router.
	DryRun bool `json:"dry_run,omitempty"`
}

// NewOverdueSweepTask constructs the sweep task.
func NewOverdueSweepTask(payload OverdueSweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, body, asynq.Queue(QueueDefault)), nil
}

// SendRemindersPayload parameterises one reminder batch.
type SendRemindersPayload struct {
	DryRun    bool  `json:"dry_run,omitempty"`
	Limit     int   `json:"limit,omitempty"`
	StartFrom int64 `json:"start_from,omitempty"`
}

// NewSendRemindersTask constructs the reminders task.
func NewSendRemindersTask(payload SendRemindersPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendReminders, body, asynq.Queue(QueueDefault)), nil
}
