package plans

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/platform/db"
)

var (
	// ErrNotFound indicates plan not found.
	ErrNotFound = errors.New("plans: not found")
	// ErrNoAssignment indicates the customer has no current plan row.
	ErrNoAssignment = errors.New("plans: no current assignment")
)

// Repository provides PostgreSQL backed persistence for plans and
// assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPlan retrieves a plan by ID.
func (r *Repository) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	var p Plan
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, category, monthly_price, mikrotik_profile, created_at, updated_at
		FROM plans WHERE id = $1`, id).Scan(
		&p.ID, &p.Name, &p.Category, &p.MonthlyPrice, &p.MikrotikProfile,
		&p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const assignmentColumns = `id, customer_id, plan_id, previous_plan_id, status, change_type,
	start_date, end_date, change_reason, notes, created_at`

func scanAssignment(row pgx.Row) (*CustomerPlan, error) {
	var cp CustomerPlan
	var prevPlan pgtype.Int8
	var endDate pgtype.Timestamptz
	var reason, notes pgtype.Text
	err := row.Scan(
		&cp.ID, &cp.CustomerID, &cp.PlanID, &prevPlan, &cp.Status, &cp.ChangeType,
		&cp.StartDate, &endDate, &reason, &notes, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if prevPlan.Valid {
		cp.PreviousPlanID = &prevPlan.Int64
	}
	if endDate.Valid {
		cp.EndDate = &endDate.Time
	}
	cp.ChangeReason = reason.String
	cp.Notes = notes.String
	return &cp, nil
}

// CurrentAssignment returns the single ACTIVE or SUSPENDED row for a customer.
func (r *Repository) CurrentAssignment(ctx context.Context, customerID int64) (*CustomerPlan, error) {
	cp, err := scanAssignment(r.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM customer_plans
		WHERE customer_id = $1 AND status IN ('ACTIVE', 'SUSPENDED')
		ORDER BY start_date DESC
		LIMIT 1`, customerID))
	if err == pgx.ErrNoRows {
		return nil, ErrNoAssignment
	}
	return cp, err
}

// Transition closes the prior row and inserts the next one in a single
// transaction, keeping the one-live-row invariant.
func (r *Repository) Transition(ctx context.Context, prior *CustomerPlan, next CustomerPlan) (*CustomerPlan, error) {
	var created *CustomerPlan
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if prior != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE customer_plans
				SET status = $2, end_date = $3
				WHERE id = $1 AND end_date IS NULL`,
				prior.ID, StatusInactive, next.StartDate)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errors.New("plans: prior assignment already superseded")
			}
		}

		var prevPlan pgtype.Int8
		if next.PreviousPlanID != nil {
			prevPlan = pgtype.Int8{Int64: *next.PreviousPlanID, Valid: true}
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO customer_plans (
				customer_id, plan_id, previous_plan_id, status, change_type,
				start_date, change_reason, notes, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			RETURNING `+assignmentColumns,
			next.CustomerID, next.PlanID, prevPlan, next.Status, next.ChangeType,
			next.StartDate, next.ChangeReason, next.Notes)
		var err error
		created, err = scanAssignment(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// History returns all assignment rows for a customer ordered by start date.
func (r *Repository) History(ctx context.Context, customerID int64) ([]CustomerPlan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM customer_plans
		WHERE customer_id = $1
		ORDER BY start_date`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CustomerPlan
	for rows.Next() {
		cp, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}
