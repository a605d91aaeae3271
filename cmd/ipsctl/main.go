package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/cmd/ipsctl/cli"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/app"
)

const usage = `ipsctl <command> [flags]

Commands:
  invoices   run the monthly invoicing pass
  enforce    promote overdue invoices and cut overdue customers
  notify     send payment reminders to overdue customers
  jobs       enqueue or inspect background jobs
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "invoices":
		err = runInvoices(ctx, os.Args[2:])
	case "enforce":
		err = runEnforce(ctx, os.Args[2:])
	case "notify":
		err = runNotify(ctx, os.Args[2:])
	case "jobs":
		err = runJobs(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runInvoices(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invoices", flag.ExitOnError)
	asOf := fs.String("as-of", "", "run as of this date (2006-01-02), default now")
	fixDates := fs.Bool("fix-dates", false, "correct drifted due dates instead of invoicing")
	apply := fs.Bool("apply", false, "commit due-date corrections (with --fix-dates)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := cli.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	return cli.RunInvoices(ctx, rt, cli.InvoicesOptions{
		AsOf:     *asOf,
		FixDates: *fixDates,
		Apply:    *apply,
	})
}

func runEnforce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("enforce", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "print the selection without touching routers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := cli.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	return cli.RunEnforce(ctx, rt, cli.EnforceOptions{DryRun: *dryRun})
}

func runNotify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notify", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "print the targets without sending")
	limit := fs.Int("limit", 0, "cap how many messages go out (0 = all)")
	startFrom := fs.Int64("start-from", 0, "skip customers with a lower ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := cli.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	return cli.RunNotify(ctx, rt, cli.NotifyOptions{
		DryRun:    *dryRun,
		Limit:     *limit,
		StartFrom: *startFrom,
	})
}

func runJobs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	trigger := fs.String("trigger", "", "enqueue a job by task type")
	inspect := fs.Bool("inspect", false, "print default queue statistics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	jc, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = jc.Close() }()

	if *trigger != "" {
		info, err := jc.Trigger(ctx, *trigger)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	}
	if *inspect {
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	}
	fs.Usage()
	return nil
}
