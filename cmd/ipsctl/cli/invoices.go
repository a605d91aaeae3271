package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// InvoicesOptions configures one invoicing command run.
type InvoicesOptions struct {
	// AsOf overrides the run instant, format 2006-01-02. Empty means now.
	AsOf string
	// FixDates switches from invoicing to the due-date correction pass.
	FixDates bool
	// Apply commits the due-date corrections; without it the pass is a
	// dry run that only reports drift.
	Apply  bool
	Stdout io.Writer
}

// RunInvoices executes the invoicing (or due-date fix) command.
func RunInvoices(ctx context.Context, rt *Runtime, opts InvoicesOptions) error {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	if opts.FixDates {
		report, err := rt.Billing.FixInvoiceDueDates(ctx, opts.Apply)
		if err != nil {
			return err
		}
		if opts.Apply {
			fmt.Fprintf(out, "due dates: %d drifted, %d fixed\n", report.Drifted, report.Fixed)
		} else {
			fmt.Fprintf(out, "due dates: %d drifted (dry run, use --apply to fix)\n", report.Drifted)
		}
		return nil
	}

	var asOf time.Time
	if opts.AsOf != "" {
		parsed, err := time.Parse("2006-01-02", opts.AsOf)
		if err != nil {
			return fmt.Errorf("invoices: bad --as-of %q: %w", opts.AsOf, err)
		}
		asOf = parsed
	}

	report, err := rt.Billing.GenerateMonthlyInvoices(ctx, asOf)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "period %d-%02d: %d created, %d advance applied, %d skipped, %d errors\n",
		report.Period.Year, int(report.Period.Month),
		report.Created, report.AdvanceApplied, report.SkippedExisting, len(report.Errors))
	for _, msg := range report.Errors {
		fmt.Fprintf(out, "  error: %s\n", msg)
	}
	return nil
}
