package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// AdvanceMonthInput is one future month to pre-pay.
type AdvanceMonthInput struct {
	Month  time.Month `validate:"required,min=1,max=12"`
	Year   int        `validate:"required,min=2000"`
	Amount float64    `validate:"gt=0"`
}

// CreateAdvanceInput describes an advance payment covering N future months.
type CreateAdvanceInput struct {
	CustomerID int64               `validate:"required"`
	Months     []AdvanceMonthInput `validate:"required,min=1,dive"`
	Method     string              `validate:"required"`
	Reference  string
	Notes      string
}

// CreateAdvancePayment records a pre-payment for specific future periods.
// Rejects any month already PENDING or APPLIED for the customer, so a
// customer can never double-pay the same future month.
func (s *Service) CreateAdvancePayment(ctx context.Context, input CreateAdvanceInput) (*AdvancePayment, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, shared.Validationf("advance", "%v", err)
	}

	seen := make(map[string]bool, len(input.Months))
	for _, m := range input.Months {
		key := fmt.Sprintf("%d-%d", m.Year, m.Month)
		if seen[key] {
			return nil, shared.Validationf("months", "duplicate month %d/%d in request", m.Month, m.Year)
		}
		seen[key] = true
	}

	var created *AdvancePayment
	err := s.withCustomerLock(ctx, input.CustomerID, func(ctx context.Context) error {
		var total float64
		months := make([]AdvanceMonthlyPayment, 0, len(input.Months))
		for _, m := range input.Months {
			taken, err := s.repo.HasAdvanceMonth(ctx, input.CustomerID, m.Month, m.Year)
			if err != nil {
				return err
			}
			if taken {
				return shared.Validationf("months", "month %d/%d already covered", m.Month, m.Year)
			}
			total += m.Amount
			months = append(months, AdvanceMonthlyPayment{
				Month:  m.Month,
				Year:   m.Year,
				Amount: m.Amount,
				Status: AdvanceMonthPending,
			})
		}

		adv := AdvancePayment{
			CustomerID:     input.CustomerID,
			MonthsCount:    len(months),
			TotalAmount:    total,
			AmountPerMonth: total / float64(len(months)),
			Method:         input.Method,
			Reference:      input.Reference,
			Notes:          input.Notes,
			Status:         AdvanceActive,
			Months:         months,
		}
		var err error
		created, err = s.repo.CreateAdvance(ctx, adv)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("advance payment created",
		slog.Int64("customer", input.CustomerID),
		slog.Int("months", created.MonthsCount),
		slog.Float64("total", created.TotalAmount))
	return created, nil
}

// DeleteAdvancePayment cancels an advance payment and all its months. Legal
// only while the parent is ACTIVE and no month has been applied.
func (s *Service) DeleteAdvancePayment(ctx context.Context, advanceID int64) error {
	adv, err := s.repo.GetAdvance(ctx, advanceID)
	if err != nil {
		return err
	}
	if adv.Status != AdvanceActive {
		return shared.Validationf("status", "advance %d is %s, only ACTIVE can be cancelled", advanceID, adv.Status)
	}
	for _, m := range adv.Months {
		if m.Status == AdvanceMonthApplied {
			return shared.Validationf("months", "month %d/%d already applied", m.Month, m.Year)
		}
	}
	return s.withCustomerLock(ctx, adv.CustomerID, func(ctx context.Context) error {
		return s.repo.CancelAdvance(ctx, advanceID)
	})
}
