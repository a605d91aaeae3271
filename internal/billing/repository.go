package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/platform/db"
	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// ErrNotFound indicates resource not found.
var ErrNotFound = errors.New("billing: not found")

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- Invoicing ---

// ListBillableCustomers returns active customers with an active plan.
func (r *Repository) ListBillableCustomers(ctx context.Context) ([]BillableCustomer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, p.id, p.name, p.monthly_price
		FROM customers c
		JOIN customer_plans cp ON cp.customer_id = c.id AND cp.status = 'ACTIVE'
		JOIN plans p ON p.id = cp.plan_id
		WHERE c.status = 'ACTIVE'
		ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BillableCustomer
	for rows.Next() {
		var bc BillableCustomer
		if err := rows.Scan(&bc.CustomerID, &bc.PlanID, &bc.PlanName, &bc.PlanPrice); err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

// InvoiceExists reports whether the customer already has a non-cancelled
// invoice for the period.
func (r *Repository) InvoiceExists(ctx context.Context, customerID int64, period Period) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM invoices
			WHERE customer_id = $1
			  AND EXTRACT(YEAR FROM period_start) = $2
			  AND EXTRACT(MONTH FROM period_start) = $3
			  AND status <> 'CANCELLED'
		)`, customerID, period.Year, int(period.Month)).Scan(&exists)
	return exists, err
}

const invoiceColumns = `id, number, customer_id, period_start, period_end, due_date,
	total, balance_due, status, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.CustomerID, &inv.PeriodStart, &inv.PeriodEnd, &inv.DueDate,
		&inv.Total, &inv.BalanceDue, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreateInvoice inserts a new invoice; the number comes from a sequence on
// the database side. The unique (customer, period) index backs the
// one-invoice-per-period invariant under concurrent runs.
func (r *Repository) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (
			number, customer_id, period_start, period_end, due_date,
			total, balance_due, status, created_at, updated_at
		) VALUES (generate_invoice_number(), $1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING `+invoiceColumns,
		inv.CustomerID, inv.PeriodStart, inv.PeriodEnd, inv.DueDate,
		inv.Total, inv.BalanceDue, inv.Status)
	created, err := scanInvoice(row)
	if err != nil && isUnique(err) {
		return nil, shared.Validationf("period", "invoice already exists for customer %d", inv.CustomerID)
	}
	return created, err
}

// GetInvoice retrieves one invoice by ID.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
}

// ListOutstanding returns the customer's unpaid invoices, oldest first.
func (r *Repository) ListOutstanding(ctx context.Context, customerID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE customer_id = $1
		  AND balance_due > 0
		  AND status IN ('PENDING', 'PARTIAL', 'OVERDUE')
		ORDER BY period_start`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// SetInvoiceBalance updates one invoice's balance due and status.
func (r *Repository) SetInvoiceBalance(ctx context.Context, id int64, balanceDue float64, status InvoiceStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET balance_due = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, id, balanceDue, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteOverdue flips past-due open invoices to OVERDUE.
func (r *Repository) PromoteOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = 'OVERDUE', updated_at = NOW()
		WHERE status IN ('PENDING', 'PARTIAL')
		  AND balance_due > 0
		  AND due_date < $1`, asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListDueDateDrift returns invoices whose due date no longer matches period
// end plus the policy grace.
func (r *Repository) ListDueDateDrift(ctx context.Context, graceDays int) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status <> 'CANCELLED'
		  AND due_date <> period_end + make_interval(days => $1)
		ORDER BY id`, graceDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// SetInvoiceDueDate rewrites one invoice's due date.
func (r *Repository) SetInvoiceDueDate(ctx context.Context, id int64, due time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE invoices SET due_date = $2, updated_at = NOW() WHERE id = $1`, id, due)
	return err
}

// --- Payments ---

const paymentColumns = `id, customer_id, invoice_id, amount, method, wallet_provider,
	reference, paid_at, status, created_by, void_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var invoiceID pgtype.Int8
	var wallet, reference, createdBy, voidReason pgtype.Text
	err := row.Scan(
		&p.ID, &p.CustomerID, &invoiceID, &p.Amount, &p.Method, &wallet,
		&reference, &p.PaidAt, &p.Status, &createdBy, &voidReason, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		p.InvoiceID = &invoiceID.Int64
	}
	p.WalletProvider = wallet.String
	p.Reference = reference.String
	p.CreatedBy = createdBy.String
	p.VoidReason = voidReason.String
	return &p, nil
}

// CreatePayment inserts a payment row.
func (r *Repository) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	var invoiceID pgtype.Int8
	if p.InvoiceID != nil {
		invoiceID = pgtype.Int8{Int64: *p.InvoiceID, Valid: true}
	}
	return scanPayment(r.pool.QueryRow(ctx, `
		INSERT INTO payments (
			customer_id, invoice_id, amount, method, wallet_provider,
			reference, paid_at, status, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING `+paymentColumns,
		p.CustomerID, invoiceID, p.Amount, p.Method, p.WalletProvider,
		p.Reference, p.PaidAt, p.Status, p.CreatedBy))
}

// GetPayment retrieves one payment by ID.
func (r *Repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// MarkPaymentVoid flips a payment to VOID, guarded against double voids.
func (r *Repository) MarkPaymentVoid(ctx context.Context, id int64, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payments SET status = 'VOID', void_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'VOID'`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.Validationf("status", "payment %d missing or already void", id)
	}
	return nil
}

// DeletePayment hard-removes a payment and its allocations.
func (r *Repository) DeletePayment(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM payment_allocations WHERE payment_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateAllocation records how much of a payment settled an invoice.
func (r *Repository) CreateAllocation(ctx context.Context, a Allocation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_allocations (payment_id, invoice_id, amount, created_at)
		VALUES ($1, $2, $3, NOW())`, a.PaymentID, a.InvoiceID, a.Amount)
	return err
}

// ListAllocations returns a payment's allocations.
func (r *Repository) ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT payment_id, invoice_id, amount
		FROM payment_allocations
		WHERE payment_id = $1
		ORDER BY invoice_id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.PaymentID, &a.InvoiceID, &a.Amount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Accounts ---

// GetAccount retrieves the billing account for a customer.
func (r *Repository) GetAccount(ctx context.Context, customerID int64) (*BillingAccount, error) {
	var a BillingAccount
	var suspendedAt, lastPayment, commitment pgtype.Timestamptz
	var commitmentNotes pgtype.Text
	err := r.pool.QueryRow(ctx, `
		SELECT customer_id, balance, status, auto_suspend, suspended_at,
			last_payment_date, payment_commitment_date, payment_commitment_notes, updated_at
		FROM billing_accounts WHERE customer_id = $1`, customerID).Scan(
		&a.CustomerID, &a.Balance, &a.Status, &a.AutoSuspend, &suspendedAt,
		&lastPayment, &commitment, &commitmentNotes, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if suspendedAt.Valid {
		a.SuspendedAt = &suspendedAt.Time
	}
	if lastPayment.Valid {
		a.LastPaymentDate = &lastPayment.Time
	}
	if commitment.Valid {
		a.PaymentCommitmentDate = &commitment.Time
	}
	a.PaymentCommitmentNotes = commitmentNotes.String
	return &a, nil
}

// RecomputeBalance re-derives the account balance from the ledger invariant:
// non-cancelled invoices minus completed payments minus applied advance
// months. Runs in a RepeatableRead transaction.
func (r *Repository) RecomputeBalance(ctx context.Context, customerID int64) (float64, error) {
	var balance float64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			UPDATE billing_accounts ba
			SET balance = src.balance,
			    status = CASE
			        WHEN src.balance > 0 THEN 'pending'
			        WHEN src.balance < 0 THEN 'credit'
			        ELSE 'up-to-date'
			    END,
			    updated_at = NOW()
			FROM (
				SELECT
					COALESCE((SELECT SUM(total) FROM invoices
						WHERE customer_id = $1 AND status <> 'CANCELLED'), 0)
					- COALESCE((SELECT SUM(amount) FROM payments
						WHERE customer_id = $1 AND status = 'COMPLETED'), 0)
					- COALESCE((SELECT SUM(amp.amount)
						FROM advance_monthly_payments amp
						JOIN advance_payments ap ON ap.id = amp.advance_payment_id
						WHERE ap.customer_id = $1 AND amp.status = 'APPLIED'), 0)
					AS balance
			) src
			WHERE ba.customer_id = $1
			RETURNING ba.balance`, customerID).Scan(&balance)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SetLastPayment stamps the account's last payment date.
func (r *Repository) SetLastPayment(ctx context.Context, customerID int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE billing_accounts SET last_payment_date = $2, updated_at = NOW()
		WHERE customer_id = $1`, customerID, at)
	return err
}

// SetPaymentCommitment records or clears an enforcement deferral.
func (r *Repository) SetPaymentCommitment(ctx context.Context, customerID int64, date *time.Time, notes string) error {
	var commitment pgtype.Timestamptz
	if date != nil {
		commitment = pgtype.Timestamptz{Time: *date, Valid: true}
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE billing_accounts
		SET payment_commitment_date = $2, payment_commitment_notes = $3, updated_at = NOW()
		WHERE customer_id = $1`, customerID, commitment, notes)
	return err
}

// --- Advance payments ---

// CreateAdvance inserts the parent and its months atomically. The partial
// unique index on (customer, month, year) for live months backs the
// no-double-pay invariant under concurrency.
func (r *Repository) CreateAdvance(ctx context.Context, adv AdvancePayment) (*AdvancePayment, error) {
	var created AdvancePayment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO advance_payments (
				customer_id, months_count, total_amount, amount_per_month,
				method, reference, notes, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			RETURNING id, created_at`,
			adv.CustomerID, adv.MonthsCount, adv.TotalAmount, adv.AmountPerMonth,
			adv.Method, adv.Reference, adv.Notes, adv.Status).
			Scan(&created.ID, &created.CreatedAt)
		if err != nil {
			return err
		}
		for _, m := range adv.Months {
			var monthID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO advance_monthly_payments (
					advance_payment_id, customer_id, month, year, amount, status
				) VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				created.ID, adv.CustomerID, int(m.Month), m.Year, m.Amount, m.Status).
				Scan(&monthID)
			if err != nil {
				if isUnique(err) {
					return shared.Validationf("months", "month %d/%d already covered", m.Month, m.Year)
				}
				return err
			}
			m.ID = monthID
			m.AdvancePaymentID = created.ID
			created.Months = append(created.Months, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	created.CustomerID = adv.CustomerID
	created.MonthsCount = adv.MonthsCount
	created.TotalAmount = adv.TotalAmount
	created.AmountPerMonth = adv.AmountPerMonth
	created.Method = adv.Method
	created.Reference = adv.Reference
	created.Notes = adv.Notes
	created.Status = adv.Status
	return &created, nil
}

// GetAdvance retrieves an advance payment with its months.
func (r *Repository) GetAdvance(ctx context.Context, id int64) (*AdvancePayment, error) {
	var adv AdvancePayment
	err := r.pool.QueryRow(ctx, `
		SELECT id, customer_id, months_count, total_amount, amount_per_month,
			method, reference, notes, status, created_at
		FROM advance_payments WHERE id = $1`, id).Scan(
		&adv.ID, &adv.CustomerID, &adv.MonthsCount, &adv.TotalAmount, &adv.AmountPerMonth,
		&adv.Method, &adv.Reference, &adv.Notes, &adv.Status, &adv.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, advance_payment_id, month, year, amount, status
		FROM advance_monthly_payments
		WHERE advance_payment_id = $1
		ORDER BY year, month`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m AdvanceMonthlyPayment
		var month int
		if err := rows.Scan(&m.ID, &m.AdvancePaymentID, &month, &m.Year, &m.Amount, &m.Status); err != nil {
			return nil, err
		}
		m.Month = time.Month(month)
		adv.Months = append(adv.Months, m)
	}
	return &adv, rows.Err()
}

// FindPendingAdvanceMonth returns the PENDING month covering the period, or
// nil when the period is not pre-paid.
func (r *Repository) FindPendingAdvanceMonth(ctx context.Context, customerID int64, period Period) (*AdvanceMonthlyPayment, error) {
	var m AdvanceMonthlyPayment
	var month int
	err := r.pool.QueryRow(ctx, `
		SELECT amp.id, amp.advance_payment_id, amp.month, amp.year, amp.amount, amp.status
		FROM advance_monthly_payments amp
		JOIN advance_payments ap ON ap.id = amp.advance_payment_id
		WHERE ap.customer_id = $1 AND ap.status = 'ACTIVE'
		  AND amp.month = $2 AND amp.year = $3 AND amp.status = 'PENDING'`,
		customerID, int(period.Month), period.Year).
		Scan(&m.ID, &m.AdvancePaymentID, &month, &m.Year, &m.Amount, &m.Status)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Month = time.Month(month)
	return &m, nil
}

// HasAdvanceMonth reports whether the customer already has a live (PENDING
// or APPLIED) advance for the month.
func (r *Repository) HasAdvanceMonth(ctx context.Context, customerID int64, month time.Month, year int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM advance_monthly_payments
			WHERE customer_id = $1 AND month = $2 AND year = $3
			  AND status IN ('PENDING', 'APPLIED')
		)`, customerID, int(month), year).Scan(&exists)
	return exists, err
}

// MarkAdvanceMonthApplied flips one month to APPLIED.
func (r *Repository) MarkAdvanceMonthApplied(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE advance_monthly_payments SET status = 'APPLIED'
		WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.Validationf("status", "advance month %d is not pending", id)
	}
	return nil
}

// CompleteAdvanceIfDone marks the parent COMPLETED once no month is pending.
func (r *Repository) CompleteAdvanceIfDone(ctx context.Context, advanceID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE advance_payments SET status = 'COMPLETED'
		WHERE id = $1 AND status = 'ACTIVE'
		  AND NOT EXISTS (
			SELECT 1 FROM advance_monthly_payments
			WHERE advance_payment_id = $1 AND status = 'PENDING'
		  )`, advanceID)
	return err
}

// CancelAdvance cancels the parent and every non-applied month.
func (r *Repository) CancelAdvance(ctx context.Context, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE advance_monthly_payments SET status = 'CANCELLED'
			WHERE advance_payment_id = $1 AND status = 'PENDING'`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE advance_payments SET status = 'CANCELLED'
			WHERE id = $1 AND status = 'ACTIVE'`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- Enforcement view ---

// ListOverdue selects customers with positive balance whose newest open
// invoice is OVERDUE and who hold no live payment commitment.
func (r *Repository) ListOverdue(ctx context.Context, asOf time.Time) ([]OverdueCustomer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.pppoe_username, c.phone, c.router_id,
			ba.balance, i.id, i.number
		FROM customers c
		JOIN billing_accounts ba ON ba.customer_id = c.id
		JOIN LATERAL (
			SELECT id, number, status FROM invoices
			WHERE customer_id = c.id AND status <> 'CANCELLED'
			ORDER BY period_start DESC
			LIMIT 1
		) i ON TRUE
		WHERE ba.balance > 0
		  AND i.status = 'OVERDUE'
		  AND c.status IN ('ACTIVE', 'SUSPENDED')
		  AND (ba.payment_commitment_date IS NULL OR ba.payment_commitment_date <= $1)
		ORDER BY c.router_id, c.id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverdueCustomer
	for rows.Next() {
		var oc OverdueCustomer
		if err := rows.Scan(&oc.CustomerID, &oc.PPPoEUsername, &oc.Phone, &oc.RouterID,
			&oc.Balance, &oc.InvoiceID, &oc.InvoiceNumber); err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}
