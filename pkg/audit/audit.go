package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one row per evaluated operation. Audit rows are written
// after the decision is made and never influence it.
type Writer struct {
	DB auditDB
}

// Record is one evaluated operation. Amount is the decimal string form of
// the requested amount; RequestID is set only when the decision opened or
// resolved an approval request.
type Record struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Operator  string    `json:"operator"`
	Kind      string    `json:"kind"`
	Amount    string    `json:"amount"`
	Allowed   bool      `json:"allowed"`
	Pending   bool      `json:"pending"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(id, subject, operator, kind, amount, allowed, pending, reason, request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.Subject, rec.Operator, rec.Kind, rec.Amount, rec.Allowed, rec.Pending, rec.Reason, rec.RequestID, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT id, subject, operator, kind, amount, allowed, pending, reason, request_id, created_at
		FROM audit_records WHERE id=$1
	`, id)
	err := row.Scan(&rec.ID, &rec.Subject, &rec.Operator, &rec.Kind, &rec.Amount, &rec.Allowed, &rec.Pending, &rec.Reason, &rec.RequestID, &rec.CreatedAt)
	return rec, err
}

// Recent returns the newest records for a subject, newest first.
func (w *Writer) Recent(ctx context.Context, subject string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, subject, operator, kind, amount, allowed, pending, reason, request_id, created_at
		FROM audit_records WHERE subject=$1
		ORDER BY created_at DESC LIMIT $2
	`, subject, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.Operator, &rec.Kind, &rec.Amount, &rec.Allowed, &rec.Pending, &rec.Reason, &rec.RequestID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
