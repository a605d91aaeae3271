package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/billing"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/observability"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/routers"
)

// OverdueSource selects the customers due for enforcement.
type OverdueSource interface {
	OverdueAccounts(ctx context.Context) ([]billing.OverdueCustomer, error)
}

// Outcome is the per-customer result of one sweep.
type Outcome struct {
	CustomerID int64
	Username   string
	Router     string
	Balance    float64
	Cut        bool
	Error      string
}

// Report summarises one enforcement sweep.
type Report struct {
	Total    int
	Cut      int
	Failed   int
	Outcomes []Outcome
}

// Enforcer walks every overdue account and pushes the owning router's cut
// profile onto it. Customers are grouped by router; groups run in parallel
// up to the concurrency limit, members of a group strictly in sequence so
// one unreachable device delays only its own customers.
type Enforcer struct {
	overdue     OverdueSource
	routers     RouterInventory
	reconciler  *Reconciler
	concurrency int
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewEnforcer constructs an enforcer. Concurrency below one falls back to
// eight routers in flight.
func NewEnforcer(overdue OverdueSource, inv RouterInventory, rec *Reconciler, concurrency int, metrics *observability.Metrics, logger *slog.Logger) *Enforcer {
	if concurrency < 1 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		overdue:     overdue,
		routers:     inv,
		reconciler:  rec,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger,
	}
}

// CutAllOverdue runs one sweep. A cancelled context stops dispatching new
// routers; the report covers whatever completed. The returned error is only
// the context's, individual failures live in the report.
func (e *Enforcer) CutAllOverdue(ctx context.Context) (Report, error) {
	selected, err := e.overdue.OverdueAccounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: select overdue: %w", err)
	}

	report := Report{Total: len(selected)}
	if len(selected) == 0 {
		e.logger.Info("enforcement sweep: nothing overdue")
		return report, nil
	}

	byRouter := make(map[int64][]billing.OverdueCustomer)
	for _, oc := range selected {
		byRouter[oc.RouterID] = append(byRouter[oc.RouterID], oc)
	}
	routerIDs := make([]int64, 0, len(byRouter))
	for id := range byRouter {
		routerIDs = append(routerIDs, id)
	}
	sort.Slice(routerIDs, func(i, j int) bool { return routerIDs[i] < routerIDs[j] })

	var mu sync.Mutex
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(e.concurrency)

	for _, routerID := range routerIDs {
		group := byRouter[routerID]
		grp.Go(func() error {
			outcomes := e.cutRouterGroup(grpCtx, routerID, group)
			mu.Lock()
			report.Outcomes = append(report.Outcomes, outcomes...)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return report, err
	}

	for _, o := range report.Outcomes {
		if o.Cut {
			report.Cut++
		} else if o.Error != "" {
			report.Failed++
		}
	}
	e.logger.Info("enforcement sweep done",
		slog.Int("total", report.Total),
		slog.Int("cut", report.Cut),
		slog.Int("failed", report.Failed))
	return report, ctx.Err()
}

func (e *Enforcer) cutRouterGroup(ctx context.Context, routerID int64, group []billing.OverdueCustomer) []Outcome {
	router, err := e.routers.GetRouter(ctx, routerID)
	if err != nil {
		return e.failGroup(group, "", fmt.Sprintf("load router %d: %v", routerID, err))
	}
	if router.Status != routers.StatusActive {
		return e.failGroup(group, router.Name,
			fmt.Sprintf("router %s is %s", router.Name, router.Status))
	}

	outcomes := make([]Outcome, 0, len(group))
	for _, oc := range group {
		if ctx.Err() != nil {
			break
		}
		outcome := Outcome{
			CustomerID: oc.CustomerID,
			Username:   oc.PPPoEUsername,
			Router:     router.Name,
			Balance:    oc.Balance,
		}
		_, err := e.reconciler.Apply(ctx, router, oc.PPPoEUsername, router.CutProfile)
		if err != nil {
			outcome.Error = err.Error()
			e.observe("failed")
		} else {
			outcome.Cut = true
			e.observe("cut")
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (e *Enforcer) failGroup(group []billing.OverdueCustomer, router, reason string) []Outcome {
	outcomes := make([]Outcome, 0, len(group))
	for _, oc := range group {
		outcomes = append(outcomes, Outcome{
			CustomerID: oc.CustomerID,
			Username:   oc.PPPoEUsername,
			Router:     router,
			Balance:    oc.Balance,
			Error:      reason,
		})
		e.observe("failed")
	}
	return outcomes
}

func (e *Enforcer) observe(result string) {
	if e.metrics != nil {
		e.metrics.ObserveEnforcement(result)
	}
}
