package cli

import (
	"context"
	"fmt"
	"io"
	"os"
)

// EnforceOptions configures one enforcement command run.
type EnforceOptions struct {
	// DryRun promotes and prints the selection without touching routers.
	DryRun bool
	Stdout io.Writer
}

// RunEnforce promotes past-due invoices and cuts every overdue customer.
func RunEnforce(ctx context.Context, rt *Runtime, opts EnforceOptions) error {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	promoted, err := rt.Billing.MarkOverdueInvoices(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "promoted %d invoices to OVERDUE\n", promoted)

	if opts.DryRun {
		selected, err := rt.Billing.OverdueAccounts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d customers selected (dry run)\n", len(selected))
		for _, oc := range selected {
			fmt.Fprintf(out, "  customer=%d username=%s router=%d balance=%.2f invoice=%s\n",
				oc.CustomerID, oc.PPPoEUsername, oc.RouterID, oc.Balance, oc.InvoiceNumber)
		}
		return nil
	}

	report, err := rt.Enforcer.CutAllOverdue(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sweep: %d total, %d cut, %d failed\n", report.Total, report.Cut, report.Failed)
	for _, o := range report.Outcomes {
		if o.Error != "" {
			fmt.Fprintf(out, "  failed customer=%d username=%s router=%s: %s\n",
				o.CustomerID, o.Username, o.Router, o.Error)
		}
	}
	return nil
}
