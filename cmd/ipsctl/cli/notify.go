package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/notify"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/jobs"
)

// NotifyOptions configures one reminder command run.
type NotifyOptions struct {
	DryRun bool
	// Limit caps how many messages go out; zero means all.
	Limit int
	// StartFrom skips customers with a lower ID, to resume a run.
	StartFrom int64
	Stdout    io.Writer
}

// RunNotify sends payment reminders to the current overdue selection.
func RunNotify(ctx context.Context, rt *Runtime, opts NotifyOptions) error {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	targets, err := jobs.ReminderTargets(ctx, rt.Billing, rt.Customers, rt.Logger)
	if err != nil {
		return err
	}
	if opts.DryRun {
		fmt.Fprintf(out, "%d reminders would go out (dry run)\n", len(targets))
		for _, t := range targets {
			fmt.Fprintf(out, "  customer=%d phone=%s invoice=%s amount=%.2f\n",
				t.CustomerID, t.Phone, t.InvoiceNumber, t.Amount)
		}
		return nil
	}

	report, err := rt.Dispatcher.SendBatch(ctx, targets, notify.BatchOptions{
		Limit:     opts.Limit,
		StartFrom: opts.StartFrom,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "reminders: %d total, %d sent, %d skipped, %d failed\n",
		report.Total, report.Sent, report.Skipped, report.Failed)
	return nil
}
