package billing

import (
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// CyclePolicy is the calendar rule that decides which period an invoice or
// advance credit belongs to. One value object instead of day-of-month
// arithmetic scattered through call sites, so the rule can be audited and
// adjusted per market.
type CyclePolicy struct {
	// BillingDay is the day of month from which invoicing targets the
	// current month; before it, the relevant period is the previous month.
	BillingDay int
	// CutoffDay is the first day of a period.
	CutoffDay int
	// DueGraceDays is added to the period end to produce the due date.
	DueGraceDays int
}

// DefaultCyclePolicy is the observed convention: billing day 25, cutoff day
// 1, due seven days after period end.
var DefaultCyclePolicy = CyclePolicy{BillingDay: 25, CutoffDay: 1, DueGraceDays: 7}

// Period is one calendar billing month.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodFor resolves the billing period relevant at the given instant.
func (p CyclePolicy) PeriodFor(asOf time.Time) Period {
	y, m, d := asOf.Date()
	if d < p.BillingDay {
		prev := time.Date(y, m, 1, 0, 0, 0, 0, asOf.Location()).AddDate(0, -1, 0)
		return Period{Year: prev.Year(), Month: prev.Month()}
	}
	return Period{Year: y, Month: m}
}

// Start returns the first instant of the period.
func (p CyclePolicy) Start(period Period) time.Time {
	return time.Date(period.Year, period.Month, p.CutoffDay, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period: start plus one month minus one day.
func (p CyclePolicy) End(period Period) time.Time {
	return p.Start(period).AddDate(0, 1, 0).AddDate(0, 0, -1)
}

// DueDate returns the payment deadline for the period.
func (p CyclePolicy) DueDate(period Period) time.Time {
	return p.End(period).AddDate(0, 0, p.DueGraceDays)
}

// Next returns the following period.
func (p Period) Next() Period {
	if p.Month == time.December {
		return Period{Year: p.Year + 1, Month: time.January}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Validate rejects nonsensical policies before they reach period math.
func (p CyclePolicy) Validate() error {
	if p.BillingDay < 1 || p.BillingDay > 28 {
		return shared.Validationf("billingDay", "must be within 1..28, got %d", p.BillingDay)
	}
	if p.CutoffDay < 1 || p.CutoffDay > 28 {
		return shared.Validationf("cutoffDay", "must be within 1..28, got %d", p.CutoffDay)
	}
	if p.DueGraceDays < 0 {
		return shared.Validationf("dueGraceDays", "must not be negative")
	}
	return nil
}
