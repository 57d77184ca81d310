package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	execArgs  []any
	rowValues []any
	rowErr    error
	rowsSets  [][]any
	queryErr  error
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeAuditRows{sets: f.rowsSets}, nil
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeAuditRows struct {
	sets [][]any
	idx  int
}

func (r *fakeAuditRows) Next() bool {
	if r.idx >= len(r.sets) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeAuditRows) Scan(dest ...any) error {
	return assignAll(dest, r.sets[r.idx-1])
}

func (r *fakeAuditRows) Close()                                       {}
func (r *fakeAuditRows) Err() error                                   { return nil }
func (r *fakeAuditRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeAuditRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeAuditRows) RawValues() [][]byte                          { return nil }
func (r *fakeAuditRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeAuditRows) Conn() *pgx.Conn                              { return nil }

func assignAll(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = values[i].(string)
		case *bool:
			*d = values[i].(bool)
		case *time.Time:
			*d = values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{
		rowValues: []any{"a-1", "gold-token", "op-1", "mint", "2500", false, false, "daily limit exceeded", "", now},
	}
	w := &Writer{DB: db}

	rec := Record{
		ID:        "a-1",
		Subject:   "gold-token",
		Operator:  "op-1",
		Kind:      "mint",
		Amount:    "2500",
		Allowed:   false,
		Reason:    "daily limit exceeded",
		CreatedAt: now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 10 {
		t.Fatalf("expected 10 exec args, got %d", len(db.execArgs))
	}
	if db.execArgs[4] != "2500" {
		t.Fatalf("unexpected amount arg: %v", db.execArgs[4])
	}

	got, err := w.Get(context.Background(), "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subject != "gold-token" || got.Reason != "daily limit exceeded" || got.Allowed {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestWriterAppendError(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("connection closed")}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Record{ID: "a-2"}); err == nil {
		t.Fatal("expected append error to surface")
	}
}

func TestWriterRecent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{
		rowsSets: [][]any{
			{"a-3", "gold-token", "op-1", "burn", "10", true, false, "", "", now},
			{"a-2", "gold-token", "op-1", "mint", "5", true, true, "requires approval", "r-1", now.Add(-time.Minute)},
		},
	}
	w := &Writer{DB: db}

	recs, err := w.Recent(context.Background(), "gold-token", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].RequestID != "r-1" || !recs[1].Pending {
		t.Fatalf("unexpected pending record: %+v", recs[1])
	}
	if db.queryArgs[1] != 100 {
		t.Fatalf("expected default limit of 100, got %v", db.queryArgs[1])
	}
}
