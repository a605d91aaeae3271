package plans

import (
	"context"
	"log/slog"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// RepositoryPort defines data access methods for plan assignments.
type RepositoryPort interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	CurrentAssignment(ctx context.Context, customerID int64) (*CustomerPlan, error)
	// Transition closes the prior row (EndDate) and inserts the new one
	// atomically. prior may be nil for a first assignment.
	Transition(ctx context.Context, prior *CustomerPlan, next CustomerPlan) (*CustomerPlan, error)
	History(ctx context.Context, customerID int64) ([]CustomerPlan, error)
}

// Service governs the customer-plan state machine.
type Service struct {
	repo   RepositoryPort
	clock  shared.Clock
	logger *slog.Logger
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, clock shared.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, clock: clock, logger: logger}
}

// AssignInput describes a requested plan change.
type AssignInput struct {
	CustomerID int64
	PlanID     int64
	// ClaimedChangeType is optional; when set it must agree with the type
	// derived from the price comparison.
	ClaimedChangeType ChangeType
	Reason            string
	Notes             string
}

// DeriveChangeType computes the transition class from prior state and prices.
func DeriveChangeType(prior *CustomerPlan, priorPrice float64, next Plan) (ChangeType, error) {
	if prior == nil {
		return ChangeNew, nil
	}
	switch prior.Status {
	case StatusActive:
		if prior.PlanID == next.ID {
			return "", shared.Validationf("planId", "customer is already on plan %d", next.ID)
		}
		switch {
		case next.MonthlyPrice > priorPrice:
			return ChangeUpgrade, nil
		case next.MonthlyPrice < priorPrice:
			return ChangeDowngrade, nil
		default:
			return ChangeLateral, nil
		}
	case StatusSuspended:
		return "", shared.Validationf("status", "cannot change plan while suspended; reactivate first")
	default:
		// INACTIVE and CANCELLED rows are history; a fresh assignment is NEW.
		return ChangeNew, nil
	}
}

// AssignPlan records a NEW/UPGRADE/DOWNGRADE/LATERAL transition as a new
// history row and closes the prior one.
func (s *Service) AssignPlan(ctx context.Context, input AssignInput) (*CustomerPlan, error) {
	if input.CustomerID == 0 {
		return nil, shared.Validationf("customerId", "required")
	}
	next, err := s.repo.GetPlan(ctx, input.PlanID)
	if err != nil {
		return nil, err
	}

	prior, err := s.repo.CurrentAssignment(ctx, input.CustomerID)
	if err != nil && err != ErrNoAssignment {
		return nil, err
	}

	var priorPrice float64
	if prior != nil {
		priorPlan, err := s.repo.GetPlan(ctx, prior.PlanID)
		if err != nil {
			return nil, err
		}
		priorPrice = priorPlan.MonthlyPrice
	}

	changeType, err := DeriveChangeType(prior, priorPrice, *next)
	if err != nil {
		return nil, err
	}
	if input.ClaimedChangeType != "" && input.ClaimedChangeType != changeType {
		return nil, shared.Validationf("changeType",
			"claimed %s contradicts derived %s", input.ClaimedChangeType, changeType)
	}

	row := CustomerPlan{
		CustomerID:   input.CustomerID,
		PlanID:       next.ID,
		Status:       StatusActive,
		ChangeType:   changeType,
		StartDate:    s.clock.Now(),
		ChangeReason: input.Reason,
		Notes:        input.Notes,
	}
	if prior != nil && prior.Status == StatusActive {
		row.PreviousPlanID = &prior.PlanID
	}

	created, err := s.repo.Transition(ctx, prior, row)
	if err != nil {
		return nil, err
	}
	s.logger.Info("plan assigned",
		slog.Int64("customer", input.CustomerID),
		slog.Int64("plan", next.ID),
		slog.String("change", string(changeType)))
	return created, nil
}

// Suspend moves the current assignment ACTIVE -> SUSPENDED.
func (s *Service) Suspend(ctx context.Context, customerID int64, reason string) (*CustomerPlan, error) {
	prior, err := s.repo.CurrentAssignment(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if prior.Status != StatusActive {
		return nil, shared.Validationf("status", "cannot suspend from %s", prior.Status)
	}
	row := CustomerPlan{
		CustomerID:   customerID,
		PlanID:       prior.PlanID,
		Status:       StatusSuspended,
		ChangeType:   ChangeSuspension,
		StartDate:    s.clock.Now(),
		ChangeReason: reason,
	}
	return s.repo.Transition(ctx, prior, row)
}

// Reactivate moves the current assignment SUSPENDED -> ACTIVE.
func (s *Service) Reactivate(ctx context.Context, customerID int64, reason string) (*CustomerPlan, error) {
	prior, err := s.repo.CurrentAssignment(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if prior.Status != StatusSuspended {
		return nil, shared.Validationf("status", "cannot reactivate from %s", prior.Status)
	}
	row := CustomerPlan{
		CustomerID:   customerID,
		PlanID:       prior.PlanID,
		Status:       StatusActive,
		ChangeType:   ChangeReactivation,
		StartDate:    s.clock.Now(),
		ChangeReason: reason,
	}
	return s.repo.Transition(ctx, prior, row)
}

// Current returns the live assignment and its plan.
func (s *Service) Current(ctx context.Context, customerID int64) (*CustomerPlan, *Plan, error) {
	assignment, err := s.repo.CurrentAssignment(ctx, customerID)
	if err != nil {
		return nil, nil, err
	}
	plan, err := s.repo.GetPlan(ctx, assignment.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return assignment, plan, nil
}

// DesiredProfile derives what "normal" means for the customer right now:
// the plan's profile while ACTIVE, the router's cut profile while SUSPENDED.
func (s *Service) DesiredProfile(ctx context.Context, customerID int64, cutProfile string) (string, error) {
	assignment, plan, err := s.Current(ctx, customerID)
	if err != nil {
		return "", err
	}
	switch assignment.Status {
	case StatusActive:
		return plan.MikrotikProfile, nil
	case StatusSuspended:
		return cutProfile, nil
	default:
		return "", shared.Validationf("status", "no entitlement for %s assignment", assignment.Status)
	}
}

// History returns the append-only assignment rows ordered by start date.
func (s *Service) History(ctx context.Context, customerID int64) ([]CustomerPlan, error) {
	return s.repo.History(ctx, customerID)
}
