package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageStatus enumerates delivery outcomes.
type MessageStatus string

const (
	MessageSent   MessageStatus = "SENT"
	MessageFailed MessageStatus = "FAILED"
)

// MessageLog is one delivery attempt, success or not.
type MessageLog struct {
	ID         int64
	CustomerID int64
	InvoiceID  *int64
	Phone      string
	Kind       string
	Body       string
	Status     MessageStatus
	Error      string
	CreatedAt  time.Time
}

// Repository persists the delivery audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one message log row.
func (r *Repository) Append(ctx context.Context, entry MessageLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO message_logs (customer_id, invoice_id, phone, kind, body, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		entry.CustomerID, entry.InvoiceID, entry.Phone, entry.Kind, entry.Body, entry.Status, entry.Error)
	return err
}

// ListRecent returns the newest delivery attempts for a customer.
func (r *Repository) ListRecent(ctx context.Context, customerID int64, limit int) ([]MessageLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, customer_id, invoice_id, phone, kind, body, status, error, created_at
		FROM message_logs
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageLog
	for rows.Next() {
		var m MessageLog
		var invoiceID pgtype.Int8
		if err := rows.Scan(&m.ID, &m.CustomerID, &invoiceID, &m.Phone, &m.Kind, &m.Body,
			&m.Status, &m.Error, &m.CreatedAt); err != nil {
			return nil, err
		}
		if invoiceID.Valid {
			m.InvoiceID = &invoiceID.Int64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
