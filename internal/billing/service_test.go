package billing

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/Pierroll/IPS-CONTROL-V2-sub001/testing"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

type memoryLedger struct {
	billable []BillableCustomer
	invoices map[int64]*Invoice
	payments map[int64]*Payment
	allocs   []Allocation
	accounts map[int64]*BillingAccount
	advances map[int64]*AdvancePayment
	nextID   int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		invoices: make(map[int64]*Invoice),
		payments: make(map[int64]*Payment),
		accounts: make(map[int64]*BillingAccount),
		advances: make(map[int64]*AdvancePayment),
	}
}

func (m *memoryLedger) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryLedger) addCustomer(customerID int64, price float64) {
	m.billable = append(m.billable, BillableCustomer{
		CustomerID: customerID, PlanID: 1, PlanName: "FIBER 100", PlanPrice: price,
	})
	m.accounts[customerID] = &BillingAccount{CustomerID: customerID, Status: AccountUpToDate}
}

func (m *memoryLedger) ListBillableCustomers(ctx context.Context) ([]BillableCustomer, error) {
	return m.billable, nil
}

func (m *memoryLedger) InvoiceExists(ctx context.Context, customerID int64, period Period) (bool, error) {
	for _, inv := range m.invoices {
		if inv.CustomerID == customerID && inv.Status != InvoiceCancelled &&
			inv.PeriodStart.Year() == period.Year && inv.PeriodStart.Month() == period.Month {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryLedger) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	inv.ID = m.id()
	m.invoices[inv.ID] = &inv
	return &inv, nil
}

func (m *memoryLedger) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (m *memoryLedger) ListOutstanding(ctx context.Context, customerID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.CustomerID == customerID && inv.BalanceDue > 0 &&
			(inv.Status == InvoicePending || inv.Status == InvoicePartial || inv.Status == InvoiceOverdue) {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (m *memoryLedger) SetInvoiceBalance(ctx context.Context, id int64, balanceDue float64, status InvoiceStatus) error {
	inv, ok := m.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.BalanceDue = balanceDue
	inv.Status = status
	return nil
}

func (m *memoryLedger) PromoteOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	var n int64
	for _, inv := range m.invoices {
		if (inv.Status == InvoicePending || inv.Status == InvoicePartial) &&
			inv.BalanceDue > 0 && inv.DueDate.Before(asOf) {
			inv.Status = InvoiceOverdue
			n++
		}
	}
	return n, nil
}

func (m *memoryLedger) ListDueDateDrift(ctx context.Context, graceDays int) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.Status != InvoiceCancelled && !inv.DueDate.Equal(inv.PeriodEnd.AddDate(0, 0, graceDays)) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (m *memoryLedger) SetInvoiceDueDate(ctx context.Context, id int64, due time.Time) error {
	inv, ok := m.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.DueDate = due
	return nil
}

func (m *memoryLedger) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	p.ID = m.id()
	m.payments[p.ID] = &p
	return &p, nil
}

func (m *memoryLedger) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memoryLedger) MarkPaymentVoid(ctx context.Context, id int64, reason string) error {
	p, ok := m.payments[id]
	if !ok || p.Status == PaymentVoid {
		return shared.Validationf("status", "payment %d missing or already void", id)
	}
	p.Status = PaymentVoid
	p.VoidReason = reason
	return nil
}

func (m *memoryLedger) DeletePayment(ctx context.Context, id int64) error {
	if _, ok := m.payments[id]; !ok {
		return ErrNotFound
	}
	delete(m.payments, id)
	kept := m.allocs[:0]
	for _, a := range m.allocs {
		if a.PaymentID != id {
			kept = append(kept, a)
		}
	}
	m.allocs = kept
	return nil
}

func (m *memoryLedger) CreateAllocation(ctx context.Context, a Allocation) error {
	m.allocs = append(m.allocs, a)
	return nil
}

func (m *memoryLedger) ListAllocations(ctx context.Context, paymentID int64) ([]Allocation, error) {
	var out []Allocation
	for _, a := range m.allocs {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryLedger) GetAccount(ctx context.Context, customerID int64) (*BillingAccount, error) {
	a, ok := m.accounts[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (m *memoryLedger) RecomputeBalance(ctx context.Context, customerID int64) (float64, error) {
	a, ok := m.accounts[customerID]
	if !ok {
		return 0, ErrNotFound
	}
	var balance float64
	for _, inv := range m.invoices {
		if inv.CustomerID == customerID && inv.Status != InvoiceCancelled {
			balance += inv.Total
		}
	}
	for _, p := range m.payments {
		if p.CustomerID == customerID && p.Status == PaymentCompleted {
			balance -= p.Amount
		}
	}
	for _, adv := range m.advances {
		if adv.CustomerID != customerID {
			continue
		}
		for _, mo := range adv.Months {
			if mo.Status == AdvanceMonthApplied {
				balance -= mo.Amount
			}
		}
	}
	a.Balance = balance
	a.Status = AccountStatusFor(balance)
	return balance, nil
}

func (m *memoryLedger) SetLastPayment(ctx context.Context, customerID int64, at time.Time) error {
	a, ok := m.accounts[customerID]
	if !ok {
		return ErrNotFound
	}
	a.LastPaymentDate = &at
	return nil
}

func (m *memoryLedger) SetPaymentCommitment(ctx context.Context, customerID int64, date *time.Time, notes string) error {
	a, ok := m.accounts[customerID]
	if !ok {
		return ErrNotFound
	}
	a.PaymentCommitmentDate = date
	a.PaymentCommitmentNotes = notes
	return nil
}

func (m *memoryLedger) CreateAdvance(ctx context.Context, adv AdvancePayment) (*AdvancePayment, error) {
	adv.ID = m.id()
	for i := range adv.Months {
		adv.Months[i].ID = m.id()
		adv.Months[i].AdvancePaymentID = adv.ID
	}
	m.advances[adv.ID] = &adv
	return &adv, nil
}

func (m *memoryLedger) GetAdvance(ctx context.Context, id int64) (*AdvancePayment, error) {
	adv, ok := m.advances[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *adv
	copied.Months = append([]AdvanceMonthlyPayment(nil), adv.Months...)
	return &copied, nil
}

func (m *memoryLedger) FindPendingAdvanceMonth(ctx context.Context, customerID int64, period Period) (*AdvanceMonthlyPayment, error) {
	for _, adv := range m.advances {
		if adv.CustomerID != customerID || adv.Status != AdvanceActive {
			continue
		}
		for _, mo := range adv.Months {
			if mo.Month == period.Month && mo.Year == period.Year && mo.Status == AdvanceMonthPending {
				copied := mo
				return &copied, nil
			}
		}
	}
	return nil, nil
}

func (m *memoryLedger) HasAdvanceMonth(ctx context.Context, customerID int64, month time.Month, year int) (bool, error) {
	for _, adv := range m.advances {
		if adv.CustomerID != customerID {
			continue
		}
		for _, mo := range adv.Months {
			if mo.Month == month && mo.Year == year &&
				(mo.Status == AdvanceMonthPending || mo.Status == AdvanceMonthApplied) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *memoryLedger) MarkAdvanceMonthApplied(ctx context.Context, id int64) error {
	for _, adv := range m.advances {
		for i := range adv.Months {
			if adv.Months[i].ID == id {
				if adv.Months[i].Status != AdvanceMonthPending {
					return shared.Validationf("status", "advance month %d is not pending", id)
				}
				adv.Months[i].Status = AdvanceMonthApplied
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memoryLedger) CompleteAdvanceIfDone(ctx context.Context, advanceID int64) error {
	adv, ok := m.advances[advanceID]
	if !ok || adv.Status != AdvanceActive {
		return nil
	}
	for _, mo := range adv.Months {
		if mo.Status == AdvanceMonthPending {
			return nil
		}
	}
	adv.Status = AdvanceCompleted
	return nil
}

func (m *memoryLedger) CancelAdvance(ctx context.Context, id int64) error {
	adv, ok := m.advances[id]
	if !ok || adv.Status != AdvanceActive {
		return ErrNotFound
	}
	for i := range adv.Months {
		if adv.Months[i].Status == AdvanceMonthPending {
			adv.Months[i].Status = AdvanceMonthCancelled
		}
	}
	adv.Status = AdvanceCancelled
	return nil
}

func (m *memoryLedger) ListOverdue(ctx context.Context, asOf time.Time) ([]OverdueCustomer, error) {
	var out []OverdueCustomer
	for id, a := range m.accounts {
		if a.Balance <= 0 {
			continue
		}
		if a.PaymentCommitmentDate != nil && a.PaymentCommitmentDate.After(asOf) {
			continue
		}
		for _, inv := range m.invoices {
			if inv.CustomerID == id && inv.Status == InvoiceOverdue {
				out = append(out, OverdueCustomer{
					CustomerID: id, Balance: a.Balance,
					InvoiceID: inv.ID, InvoiceNumber: inv.Number,
				})
				break
			}
		}
	}
	return out, nil
}

type recordingRestorer struct {
	restored []int64
}

func (r *recordingRestorer) RestoreAccess(ctx context.Context, customerID int64) error {
	r.restored = append(r.restored, customerID)
	return nil
}

func fixedClock(at time.Time) shared.Clock {
	return shared.ClockFunc(func() time.Time { return at })
}

func newTestService(t *testing.T, repo RepositoryPort, now time.Time, restorer AccessRestorer) *Service {
	t.Helper()
	svc, err := NewService(repo, DefaultCyclePolicy, fixedClock(now), nil, restorer, nil)
	require.NoError(t, err)
	return svc
}

func TestGenerateMonthlyInvoicesCreatesOncePerPeriod(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(10, 80)
	ledger.addCustomer(11, 120)

	now := time.Date(2026, time.August, 26, 9, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)

	report, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, Period{Year: 2026, Month: time.August}, report.Period)
	require.Equal(t, 2, report.Created)
	require.Empty(t, report.Errors)
	require.Len(t, ledger.invoices, 2)

	acct, err := svc.Account(context.Background(), 11)
	require.NoError(t, err)
	require.InDelta(t, 120, acct.Balance, 0.001)
	require.Equal(t, AccountPending, acct.Status)

	// Rerunning the same period only skips.
	report, err = svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 0, report.Created)
	require.Equal(t, 2, report.SkippedExisting)
	require.Len(t, ledger.invoices, 2)
}

func TestGenerateMonthlyInvoicesAppliesAdvanceMonth(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(20, 100)

	now := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)

	adv, err := svc.CreateAdvancePayment(context.Background(), CreateAdvanceInput{
		CustomerID: 20,
		Method:     "CASH",
		Months: []AdvanceMonthInput{
			{Month: time.August, Year: 2026, Amount: 100},
		},
	})
	require.NoError(t, err)
	require.Equal(t, AdvanceActive, adv.Status)
	require.InDelta(t, 100, adv.TotalAmount, 0.001)

	report, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 0, report.Created)
	require.Equal(t, 1, report.AdvanceApplied)
	require.Empty(t, ledger.invoices)

	stored, err := ledger.GetAdvance(context.Background(), adv.ID)
	require.NoError(t, err)
	require.Equal(t, AdvanceMonthApplied, stored.Months[0].Status)
	require.Equal(t, AdvanceCompleted, stored.Status)
}

func TestCreateAdvancePaymentRejectsCoveredMonth(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(30, 100)

	now := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)

	_, err := svc.CreateAdvancePayment(context.Background(), CreateAdvanceInput{
		CustomerID: 30,
		Method:     "YAPE",
		Months: []AdvanceMonthInput{
			{Month: time.September, Year: 2026, Amount: 100},
			{Month: time.October, Year: 2026, Amount: 100},
		},
	})
	require.NoError(t, err)

	// A month already covered by a live advance cannot be paid again.
	_, err = svc.CreateAdvancePayment(context.Background(), CreateAdvanceInput{
		CustomerID: 30,
		Method:     "YAPE",
		Months: []AdvanceMonthInput{
			{Month: time.October, Year: 2026, Amount: 100},
		},
	})
	require.True(t, shared.IsValidation(err))

	// The same month twice inside one request is rejected up front.
	_, err = svc.CreateAdvancePayment(context.Background(), CreateAdvanceInput{
		CustomerID: 30,
		Method:     "YAPE",
		Months: []AdvanceMonthInput{
			{Month: time.November, Year: 2026, Amount: 100},
			{Month: time.November, Year: 2026, Amount: 100},
		},
	})
	require.True(t, shared.IsValidation(err))
}

func TestDeleteAdvancePaymentGuards(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(40, 100)

	now := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)

	adv, err := svc.CreateAdvancePayment(context.Background(), CreateAdvanceInput{
		CustomerID: 40,
		Method:     "CASH",
		Months: []AdvanceMonthInput{
			{Month: time.August, Year: 2026, Amount: 50},
			{Month: time.September, Year: 2026, Amount: 50},
		},
	})
	require.NoError(t, err)

	// Applying August makes the advance undeletable.
	_, err = svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	err = svc.DeleteAdvancePayment(context.Background(), adv.ID)
	require.True(t, shared.IsValidation(err))
}

func TestRecordPaymentPartialThenSettled(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(50, 100)

	now := time.Date(2026, time.September, 26, 0, 0, 0, 0, time.UTC)
	restorer := &recordingRestorer{}
	svc := newTestService(t, ledger, now, restorer)

	_, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	_, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 50, Amount: 60, Method: "CASH",
	})
	require.NoError(t, err)

	var invoiceID int64
	for id, inv := range ledger.invoices {
		invoiceID = id
		require.Equal(t, InvoicePartial, inv.Status)
		require.InDelta(t, 40, inv.BalanceDue, 0.001)
	}
	acct, err := svc.Account(context.Background(), 50)
	require.NoError(t, err)
	require.InDelta(t, 40, acct.Balance, 0.001)
	require.Equal(t, AccountPending, acct.Status)
	require.NotNil(t, acct.LastPaymentDate)
	require.Empty(t, restorer.restored)

	second, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 50, Amount: 40, Method: "CASH",
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.Reference)

	require.Equal(t, InvoicePaid, ledger.invoices[invoiceID].Status)
	acct, err = svc.Account(context.Background(), 50)
	require.NoError(t, err)
	require.InDelta(t, 0, acct.Balance, 0.001)
	require.Equal(t, AccountUpToDate, acct.Status)
	require.Equal(t, []int64{50}, restorer.restored)
}

func TestRecordPaymentAllocatesOldestFirst(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(60, 100)

	july := time.Date(2026, time.July, 25, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, july, nil)
	_, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	august := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	svc = newTestService(t, ledger, august, nil)
	_, err = svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 60, Amount: 150, Method: "PLIN",
	})
	require.NoError(t, err)

	allocs, err := ledger.ListAllocations(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	// July absorbed in full, August split.
	var julyInv, augustInv *Invoice
	for _, inv := range ledger.invoices {
		switch inv.PeriodStart.Month() {
		case time.July:
			julyInv = inv
		case time.August:
			augustInv = inv
		}
	}
	require.Equal(t, InvoicePaid, julyInv.Status)
	require.InDelta(t, 0, julyInv.BalanceDue, 0.001)
	require.Equal(t, InvoicePartial, augustInv.Status)
	require.InDelta(t, 50, augustInv.BalanceDue, 0.001)
}

func TestRecordPaymentOverpayLeavesCredit(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(70, 100)

	now := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)
	_, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	_, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 70, Amount: 130, Method: "CASH",
	})
	require.NoError(t, err)

	acct, err := svc.Account(context.Background(), 70)
	require.NoError(t, err)
	require.InDelta(t, -30, acct.Balance, 0.001)
	require.Equal(t, AccountCredit, acct.Status)
}

func TestRecordPaymentRejectsBadInput(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(80, 100)
	svc := newTestService(t, ledger, time.Now(), nil)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 80, Amount: 0, Method: "CASH",
	})
	require.True(t, shared.IsValidation(err))

	_, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 80, Amount: -5, Method: "CASH",
	})
	require.True(t, shared.IsValidation(err))
}

func TestVoidPaymentReversesAndPersists(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(90, 100)

	now := time.Date(2026, time.September, 26, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)
	_, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 90, Amount: 100, Method: "CASH",
	})
	require.NoError(t, err)

	require.Error(t, svc.VoidPayment(context.Background(), payment.ID, ""))
	require.NoError(t, svc.VoidPayment(context.Background(), payment.ID, "registered against wrong customer"))

	stored, err := ledger.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentVoid, stored.Status)
	require.Equal(t, "registered against wrong customer", stored.VoidReason)

	acct, err := svc.Account(context.Background(), 90)
	require.NoError(t, err)
	require.InDelta(t, 100, acct.Balance, 0.001)
	require.Equal(t, AccountPending, acct.Status)

	for _, inv := range ledger.invoices {
		require.InDelta(t, 100, inv.BalanceDue, 0.001)
		require.NotEqual(t, InvoicePaid, inv.Status)
	}

	// Voiding twice is rejected.
	err = svc.VoidPayment(context.Background(), payment.ID, "again")
	require.True(t, shared.IsValidation(err))
}

func TestDeletePaymentRejectsCompleted(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(100, 100)

	svc := newTestService(t, ledger, time.Now(), nil)
	payment, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 100, Amount: 50, Method: "CASH",
	})
	require.NoError(t, err)

	err = svc.DeletePayment(context.Background(), payment.ID)
	require.True(t, shared.IsValidation(err))

	require.NoError(t, svc.VoidPayment(context.Background(), payment.ID, "mistake"))
	require.NoError(t, svc.DeletePayment(context.Background(), payment.ID))
	_, err = ledger.GetPayment(context.Background(), payment.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPaymentCommitmentDefersEnforcement(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(110, 100)

	now := time.Date(2026, time.September, 26, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)
	_, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	// Push the invoice past due and promote it.
	for _, inv := range ledger.invoices {
		inv.DueDate = now.AddDate(0, 0, -3)
	}
	n, err := svc.MarkOverdueInvoices(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	overdue, err := svc.OverdueAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	err = svc.RecordPaymentCommitment(context.Background(), 110, now.AddDate(0, 0, -1), "late promise")
	require.True(t, shared.IsValidation(err))

	require.NoError(t, svc.RecordPaymentCommitment(context.Background(), 110, now.AddDate(0, 0, 2), "pays friday"))
	overdue, err = svc.OverdueAccounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, overdue)

	require.NoError(t, svc.ClearPaymentCommitment(context.Background(), 110))
	overdue, err = svc.OverdueAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
}

func TestFixInvoiceDueDates(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(120, 100)

	now := time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, ledger, now, nil)
	_, err := svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	var inv *Invoice
	for _, stored := range ledger.invoices {
		inv = stored
	}
	inv.DueDate = inv.DueDate.AddDate(0, 0, 10)

	report, err := svc.FixInvoiceDueDates(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Drifted)
	require.Equal(t, 0, report.Fixed)
	require.Equal(t, inv.PeriodEnd.AddDate(0, 0, 17), inv.DueDate)

	report, err = svc.FixInvoiceDueDates(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Fixed)
	require.Equal(t, inv.PeriodEnd.AddDate(0, 0, 7), inv.DueDate)
}

type trackingLocker struct {
	held bool
}

func (l *trackingLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.held = true
	defer func() { l.held = false }()
	return fn(ctx)
}

type lockWatchRestorer struct {
	locker     *trackingLocker
	restored   int
	heldDuring bool
}

func (r *lockWatchRestorer) RestoreAccess(ctx context.Context, customerID int64) error {
	r.restored++
	if r.locker.held {
		r.heldDuring = true
	}
	return nil
}

func TestRecordPaymentRestoresAfterLockRelease(t *testing.T) {
	ledger := newMemoryLedger()
	ledger.addCustomer(55, 100)

	now := time.Date(2026, time.September, 26, 0, 0, 0, 0, time.UTC)
	locker := &trackingLocker{}
	restorer := &lockWatchRestorer{locker: locker}
	svc, err := NewService(ledger, DefaultCyclePolicy, fixedClock(now), locker, restorer, nil)
	require.NoError(t, err)

	_, err = svc.GenerateMonthlyInvoices(context.Background(), time.Time{})
	require.NoError(t, err)

	_, err = svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: 55, Amount: 100, Method: "CASH",
	})
	require.NoError(t, err)

	require.Equal(t, 1, restorer.restored)
	require.False(t, restorer.heldDuring, "restore must run after the customer lock is released")
}
