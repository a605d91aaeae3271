package plans

import "time"

// PlanCategory groups plans for reporting.
type PlanCategory string

const (
	CategoryResidential PlanCategory = "RESIDENTIAL"
	CategoryBusiness    PlanCategory = "BUSINESS"
)

// Plan is a sellable service tier. MikrotikProfile names the router profile
// that represents normal access for this plan.
type Plan struct {
	ID              int64
	Name            string
	Category        PlanCategory
	MonthlyPrice    float64
	MikrotikProfile string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CustomerPlanStatus enumerates assignment states.
type CustomerPlanStatus string

const (
	StatusActive    CustomerPlanStatus = "ACTIVE"
	StatusSuspended CustomerPlanStatus = "SUSPENDED"
	StatusInactive  CustomerPlanStatus = "INACTIVE"
	StatusCancelled CustomerPlanStatus = "CANCELLED"
)

// ChangeType classifies a plan transition. It is derived from the price
// comparison, never taken on faith from the caller.
type ChangeType string

const (
	ChangeNew          ChangeType = "NEW"
	ChangeUpgrade      ChangeType = "UPGRADE"
	ChangeDowngrade    ChangeType = "DOWNGRADE"
	ChangeLateral      ChangeType = "LATERAL"
	ChangeSuspension   ChangeType = "SUSPENSION"
	ChangeReactivation ChangeType = "REACTIVATION"
)

// CustomerPlan is one append-only assignment row. Exactly one row per
// customer is ACTIVE or SUSPENDED at any time; superseded rows only ever get
// their EndDate set.
type CustomerPlan struct {
	ID             int64
	CustomerID     int64
	PlanID         int64
	PreviousPlanID *int64
	Status         CustomerPlanStatus
	ChangeType     ChangeType
	StartDate      time.Time
	EndDate        *time.Time
	ChangeReason   string
	Notes          string
	CreatedAt      time.Time
}
