package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// RepositoryPort defines data access methods for the ledger.
type RepositoryPort interface {
	// Invoicing
	ListBillableCustomers(ctx context.Context) ([]BillableCustomer, error)
	InvoiceExists(ctx context.Context, customerID int64, period Period) (bool, error)
	CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListOutstanding(ctx context.Context, customerID int64) ([]Invoice, error)
	SetInvoiceBalance(ctx context.Context, id int64, balanceDue float64, status InvoiceStatus) error
	PromoteOverdue(ctx context.Context, asOf time.Time) (int64, error)
	ListDueDateDrift(ctx context.Context, graceDays int) ([]Invoice, error)
	SetInvoiceDueDate(ctx context.Context, id int64, due time.Time) error

	// Payments
	CreatePayment(ctx context.Context, p Payment) (*Payment, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	MarkPaymentVoid(ctx context.Context, id int64, reason string) error
	DeletePayment(ctx context.Context, id int64) error
	CreateAllocation(ctx context.Context, a Allocation) error
	ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error)

	// Accounts
	GetAccount(ctx context.Context, customerID int64) (*BillingAccount, error)
	RecomputeBalance(ctx context.Context, customerID int64) (float64, error)
	SetLastPayment(ctx context.Context, customerID int64, at time.Time) error
	SetPaymentCommitment(ctx context.Context, customerID int64, date *time.Time, notes string) error

	// Advance payments
	CreateAdvance(ctx context.Context, adv AdvancePayment) (*AdvancePayment, error)
	GetAdvance(ctx context.Context, id int64) (*AdvancePayment, error)
	FindPendingAdvanceMonth(ctx context.Context, customerID int64, period Period) (*AdvanceMonthlyPayment, error)
	HasAdvanceMonth(ctx context.Context, customerID int64, month time.Month, year int) (bool, error)
	MarkAdvanceMonthApplied(ctx context.Context, id int64) error
	CompleteAdvanceIfDone(ctx context.Context, advanceID int64) error
	CancelAdvance(ctx context.Context, id int64) error

	// Enforcement view
	ListOverdue(ctx context.Context, asOf time.Time) ([]OverdueCustomer, error)
}

// AccessRestorer re-applies normal network access once an account leaves the
// pending state. The reconciler implements it; the ledger only knows the
// capability.
type AccessRestorer interface {
	RestoreAccess(ctx context.Context, customerID int64) error
}

// Locker serializes balance mutations per customer. A nil locker means the
// caller relies on the repository's transaction isolation alone.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Service owns the money: invoices, payments, advance credits, balances.
type Service struct {
	repo     RepositoryPort
	policy   CyclePolicy
	clock    shared.Clock
	locker   Locker
	restorer AccessRestorer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds a ledger service. Locker and restorer may be nil.
func NewService(repo RepositoryPort, policy CyclePolicy, clock shared.Clock, locker Locker, restorer AccessRestorer, logger *slog.Logger) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		policy:   policy,
		clock:    clock,
		locker:   locker,
		restorer: restorer,
		validate: validator.New(),
		logger:   logger,
	}, nil
}

// Policy exposes the configured cycle policy.
func (s *Service) Policy() CyclePolicy { return s.policy }

func (s *Service) withCustomerLock(ctx context.Context, customerID int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, shared.BillingLockKey(customerID), fn)
}

// GenerateReport summarises one invoicing run.
type GenerateReport struct {
	Period          Period
	Created         int
	SkippedExisting int
	AdvanceApplied  int
	Errors          []string
}

// GenerateMonthlyInvoices creates one invoice per billable customer for the
// period relevant at asOf, unless the period is already invoiced or covered
// by a pending advance month (which is applied instead). Per-customer
// failures are collected, never abort the run.
func (s *Service) GenerateMonthlyInvoices(ctx context.Context, asOf time.Time) (GenerateReport, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	period := s.policy.PeriodFor(asOf)
	report := GenerateReport{Period: period}

	billable, err := s.repo.ListBillableCustomers(ctx)
	if err != nil {
		return report, fmt.Errorf("billing: list billable: %w", err)
	}

	for _, bc := range billable {
		if err := s.invoiceCustomer(ctx, bc, period, &report); err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("customer %d: %v", bc.CustomerID, err))
		}
	}

	s.logger.Info("monthly invoicing done",
		slog.Int("year", period.Year),
		slog.Int("month", int(period.Month)),
		slog.Int("created", report.Created),
		slog.Int("advance_applied", report.AdvanceApplied),
		slog.Int("skipped", report.SkippedExisting),
		slog.Int("errors", len(report.Errors)))
	return report, nil
}

func (s *Service) invoiceCustomer(ctx context.Context, bc BillableCustomer, period Period, report *GenerateReport) error {
	return s.withCustomerLock(ctx, bc.CustomerID, func(ctx context.Context) error {
		exists, err := s.repo.InvoiceExists(ctx, bc.CustomerID, period)
		if err != nil {
			return err
		}
		if exists {
			report.SkippedExisting++
			return nil
		}

		// A pending advance month settles the period instead of a new invoice.
		advMonth, err := s.repo.FindPendingAdvanceMonth(ctx, bc.CustomerID, period)
		if err != nil {
			return err
		}
		if advMonth != nil {
			if err := s.repo.MarkAdvanceMonthApplied(ctx, advMonth.ID); err != nil {
				return err
			}
			if err := s.repo.CompleteAdvanceIfDone(ctx, advMonth.AdvancePaymentID); err != nil {
				return err
			}
			if _, err := s.repo.RecomputeBalance(ctx, bc.CustomerID); err != nil {
				return err
			}
			report.AdvanceApplied++
			return nil
		}

		inv := Invoice{
			CustomerID:  bc.CustomerID,
			PeriodStart: s.policy.Start(period),
			PeriodEnd:   s.policy.End(period),
			DueDate:     s.policy.DueDate(period),
			Total:       bc.PlanPrice,
			BalanceDue:  bc.PlanPrice,
			Status:      InvoicePending,
		}
		if _, err := s.repo.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		if _, err := s.repo.RecomputeBalance(ctx, bc.CustomerID); err != nil {
			return err
		}
		report.Created++
		return nil
	})
}

// RecordPaymentInput describes one payment to apply.
type RecordPaymentInput struct {
	CustomerID     int64   `validate:"required"`
	Amount         float64 `validate:"gt=0"`
	Method         string  `validate:"required"`
	WalletProvider string
	Reference      string
	InvoiceID      *int64
	CreatedBy      string
}

// RecordPayment creates a COMPLETED payment, settles outstanding invoices
// oldest-first, recomputes the balance and, when the account leaves the
// pending state, triggers access restoration.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, shared.Validationf("payment", "%v", err)
	}

	var payment *Payment
	var restoreNeeded bool
	err := s.withCustomerLock(ctx, input.CustomerID, func(ctx context.Context) error {
		account, err := s.repo.GetAccount(ctx, input.CustomerID)
		if err != nil {
			return err
		}
		wasPending := account.Status == AccountPending

		reference := input.Reference
		if reference == "" {
			reference = uuid.NewString()
		}
		now := s.clock.Now()
		created, err := s.repo.CreatePayment(ctx, Payment{
			CustomerID:     input.CustomerID,
			InvoiceID:      input.InvoiceID,
			Amount:         input.Amount,
			Method:         input.Method,
			WalletProvider: input.WalletProvider,
			Reference:      reference,
			PaidAt:         now,
			Status:         PaymentCompleted,
			CreatedBy:      input.CreatedBy,
		})
		if err != nil {
			return err
		}

		if err := s.allocateFIFO(ctx, created); err != nil {
			return err
		}

		balance, err := s.repo.RecomputeBalance(ctx, input.CustomerID)
		if err != nil {
			return err
		}
		if err := s.repo.SetLastPayment(ctx, input.CustomerID, now); err != nil {
			return err
		}

		payment = created
		restoreNeeded = wasPending && AccountStatusFor(balance) != AccountPending
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The restore dials the router; it must never run while the customer's
	// billing lock is held.
	if restoreNeeded {
		s.restore(ctx, input.CustomerID)
	}
	return payment, nil
}

// allocateFIFO applies the payment against the oldest outstanding invoice
// balances first. Any excess stays as account credit.
func (s *Service) allocateFIFO(ctx context.Context, p *Payment) error {
	invoices, err := s.repo.ListOutstanding(ctx, p.CustomerID)
	if err != nil {
		return err
	}
	remaining := p.Amount
	for _, inv := range invoices {
		if remaining <= 0 {
			break
		}
		applied := remaining
		if applied > inv.BalanceDue {
			applied = inv.BalanceDue
		}
		if applied <= 0 {
			continue
		}
		if err := s.repo.CreateAllocation(ctx, Allocation{
			PaymentID: p.ID,
			InvoiceID: inv.ID,
			Amount:    applied,
		}); err != nil {
			return err
		}
		newBalance := inv.BalanceDue - applied
		status := InvoicePartial
		if newBalance == 0 {
			status = InvoicePaid
		}
		if err := s.repo.SetInvoiceBalance(ctx, inv.ID, newBalance, status); err != nil {
			return err
		}
		remaining -= applied
	}
	return nil
}

// restore is best-effort: the payment is already committed ledger state, a
// disconnected router only delays the profile change until the next sweep.
func (s *Service) restore(ctx context.Context, customerID int64) {
	if s.restorer == nil {
		return
	}
	if err := s.restorer.RestoreAccess(ctx, customerID); err != nil {
		s.logger.Warn("access restore failed after payment",
			slog.Int64("customer", customerID),
			slog.Any("error", err))
	}
}

// VoidPayment flips the payment to VOID and reverses its effect on invoices
// and balance. The row persists for audit.
func (s *Service) VoidPayment(ctx context.Context, paymentID int64, reason string) error {
	if reason == "" {
		return shared.Validationf("reason", "required for void")
	}
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status == PaymentVoid {
		return shared.Validationf("status", "payment %d already void", paymentID)
	}

	return s.withCustomerLock(ctx, payment.CustomerID, func(ctx context.Context) error {
		if err := s.repo.MarkPaymentVoid(ctx, paymentID, reason); err != nil {
			return err
		}
		allocations, err := s.repo.ListAllocations(ctx, paymentID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, alloc := range allocations {
			inv, err := s.repo.GetInvoice(ctx, alloc.InvoiceID)
			if err != nil {
				return err
			}
			newBalance := inv.BalanceDue + alloc.Amount
			status := InvoicePartial
			if newBalance >= inv.Total {
				newBalance = inv.Total
				status = InvoicePending
			}
			if now.After(inv.DueDate) && status != InvoicePaid {
				status = InvoiceOverdue
			}
			if err := s.repo.SetInvoiceBalance(ctx, inv.ID, newBalance, status); err != nil {
				return err
			}
		}
		_, err = s.repo.RecomputeBalance(ctx, payment.CustomerID)
		return err
	})
}

// DeletePayment hard-removes a payment and recomputes the balance. COMPLETED
// payments must be voided first; delete is for rows that never counted.
func (s *Service) DeletePayment(ctx context.Context, paymentID int64) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status == PaymentCompleted {
		return shared.Validationf("status", "completed payment must be voided, not deleted")
	}
	return s.withCustomerLock(ctx, payment.CustomerID, func(ctx context.Context) error {
		if err := s.repo.DeletePayment(ctx, paymentID); err != nil {
			return err
		}
		_, err := s.repo.RecomputeBalance(ctx, payment.CustomerID)
		return err
	})
}

// RecordPaymentCommitment defers enforcement for a customer until the given
// future date without requiring payment yet.
func (s *Service) RecordPaymentCommitment(ctx context.Context, customerID int64, date time.Time, notes string) error {
	if !date.After(s.clock.Now()) {
		return shared.Validationf("date", "commitment must be in the future")
	}
	return s.repo.SetPaymentCommitment(ctx, customerID, &date, notes)
}

// ClearPaymentCommitment removes a commitment.
func (s *Service) ClearPaymentCommitment(ctx context.Context, customerID int64) error {
	return s.repo.SetPaymentCommitment(ctx, customerID, nil, "")
}

// MarkOverdueInvoices promotes past-due PENDING/PARTIAL invoices to OVERDUE
// and returns how many rows changed.
func (s *Service) MarkOverdueInvoices(ctx context.Context) (int64, error) {
	return s.repo.PromoteOverdue(ctx, s.clock.Now())
}

// OverdueAccounts returns the enforcement selection as of now.
func (s *Service) OverdueAccounts(ctx context.Context) ([]OverdueCustomer, error) {
	return s.repo.ListOverdue(ctx, s.clock.Now())
}

// Account returns the billing account for a customer.
func (s *Service) Account(ctx context.Context, customerID int64) (*BillingAccount, error) {
	return s.repo.GetAccount(ctx, customerID)
}

// Invoice returns one invoice by ID.
func (s *Service) Invoice(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// FixReport summarises a due-date correction pass.
type FixReport struct {
	Drifted int
	Fixed   int
}

// FixInvoiceDueDates re-derives due dates from period end plus the policy
// grace for rows that drifted. Dry-run unless apply is set.
func (s *Service) FixInvoiceDueDates(ctx context.Context, apply bool) (FixReport, error) {
	var report FixReport
	drifted, err := s.repo.ListDueDateDrift(ctx, s.policy.DueGraceDays)
	if err != nil {
		return report, err
	}
	report.Drifted = len(drifted)
	if !apply {
		return report, nil
	}
	for _, inv := range drifted {
		due := inv.PeriodEnd.AddDate(0, 0, s.policy.DueGraceDays)
		if err := s.repo.SetInvoiceDueDate(ctx, inv.ID, due); err != nil {
			return report, err
		}
		report.Fixed++
	}
	return report, nil
}
