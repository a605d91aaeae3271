package billing

import "time"

// InvoiceStatus enumerates invoice states.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePartial   InvoiceStatus = "PARTIAL"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceOverdue   InvoiceStatus = "OVERDUE"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// PaymentStatus enumerates payment states. VOID is terminal and auditable:
// the row persists, only its effect on balance is reversed.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentVoid      PaymentStatus = "VOID"
)

// AccountStatus derives from balance sign: positive owes, negative credits.
type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountUpToDate AccountStatus = "up-to-date"
	AccountCredit   AccountStatus = "credit"
)

// AccountStatusFor maps a balance to its status.
func AccountStatusFor(balance float64) AccountStatus {
	switch {
	case balance > 0:
		return AccountPending
	case balance < 0:
		return AccountCredit
	default:
		return AccountUpToDate
	}
}

// Invoice model. One per customer per calendar period.
type Invoice struct {
	ID          int64
	Number      string
	CustomerID  int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	DueDate     time.Time
	Total       float64
	BalanceDue  float64
	Status      InvoiceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Payment model.
type Payment struct {
	ID             int64
	CustomerID     int64
	InvoiceID      *int64
	Amount         float64
	Method         string
	WalletProvider string
	Reference      string
	PaidAt         time.Time
	Status         PaymentStatus
	CreatedBy      string
	VoidReason     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Allocation records how much of a payment settled which invoice. Kept for
// audit even after a void; balance math only counts non-void payments.
type Allocation struct {
	PaymentID int64
	InvoiceID int64
	Amount    float64
}

// BillingAccount is the per-customer money summary. Balance is always the
// derived invariant: non-cancelled invoice totals minus non-void payments
// minus applied advance months.
type BillingAccount struct {
	CustomerID             int64
	Balance                float64
	Status                 AccountStatus
	AutoSuspend            bool
	SuspendedAt            *time.Time
	LastPaymentDate        *time.Time
	PaymentCommitmentDate  *time.Time
	PaymentCommitmentNotes string
	UpdatedAt              time.Time
}

// AdvanceStatus enumerates advance payment parent states.
type AdvanceStatus string

const (
	AdvanceActive    AdvanceStatus = "ACTIVE"
	AdvanceCancelled AdvanceStatus = "CANCELLED"
	AdvanceCompleted AdvanceStatus = "COMPLETED"
)

// AdvanceMonthStatus enumerates per-month child states.
type AdvanceMonthStatus string

const (
	AdvanceMonthPending   AdvanceMonthStatus = "PENDING"
	AdvanceMonthApplied   AdvanceMonthStatus = "APPLIED"
	AdvanceMonthCancelled AdvanceMonthStatus = "CANCELLED"
)

// AdvancePayment is a pre-payment covering specific future billing periods.
type AdvancePayment struct {
	ID             int64
	CustomerID     int64
	MonthsCount    int
	TotalAmount    float64
	AmountPerMonth float64
	Method         string
	Reference      string
	Notes          string
	Status         AdvanceStatus
	Months         []AdvanceMonthlyPayment
	CreatedAt      time.Time
}

// AdvanceMonthlyPayment is one pre-paid future month. At most one PENDING or
// APPLIED row per (customer, month, year).
type AdvanceMonthlyPayment struct {
	ID               int64
	AdvancePaymentID int64
	Month            time.Month
	Year             int
	Amount           float64
	Status           AdvanceMonthStatus
}

// BillableCustomer is the invoicing view: an active customer with an active
// plan and its monthly price.
type BillableCustomer struct {
	CustomerID int64
	PlanID     int64
	PlanName   string
	PlanPrice  float64
}

// OverdueCustomer is the enforcement view: positive balance, latest relevant
// invoice overdue, no live payment commitment.
type OverdueCustomer struct {
	CustomerID    int64
	PPPoEUsername string
	Phone         string
	RouterID      int64
	Balance       float64
	InvoiceID     int64
	InvoiceNumber string
}
