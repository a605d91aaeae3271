package routers

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates router not found.
var ErrNotFound = errors.New("routers: not found")

// Repository provides PostgreSQL backed persistence for the router inventory.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const routerColumns = `id, name, ip_address, api_port, api_username, api_password,
	cut_profile, status, last_seen, fail_streak, created_at, updated_at`

func scanRouter(row pgx.Row) (*Router, error) {
	var r Router
	var lastSeen pgtype.Timestamptz
	err := row.Scan(
		&r.ID, &r.Name, &r.IPAddress, &r.APIPort, &r.APIUsername, &r.APIPassword,
		&r.CutProfile, &r.Status, &lastSeen, &r.FailStreak, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		r.LastSeen = &lastSeen.Time
	}
	return &r, nil
}

// GetRouter retrieves one router by ID.
func (r *Repository) GetRouter(ctx context.Context, id int64) (*Router, error) {
	return scanRouter(r.pool.QueryRow(ctx,
		`SELECT `+routerColumns+` FROM routers WHERE id = $1`, id))
}

// ListActive returns routers currently in service.
func (r *Repository) ListActive(ctx context.Context) ([]Router, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+routerColumns+` FROM routers WHERE status = $1 ORDER BY name`,
		StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Router
	for rows.Next() {
		router, err := scanRouter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *router)
	}
	return out, rows.Err()
}

// MarkSeen records a successful session and clears the failure streak.
func (r *Repository) MarkSeen(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE routers SET last_seen = $2, fail_streak = 0, updated_at = NOW() WHERE id = $1`,
		id, at)
	return err
}

// RecordFailure bumps the failure streak after an unreachable session.
func (r *Repository) RecordFailure(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE routers SET fail_streak = fail_streak + 1, updated_at = NOW() WHERE id = $1`,
		id)
	return err
}
