package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigrationDB struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigrationDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeMigrationDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return &fakeMigrationRow{}
}

func (f *fakeMigrationDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigrationTx{}, nil
}

func (f *fakeMigrationDB) Close() {}

type fakeMigrationRow struct {
	exists bool
	err    error
}

func (r *fakeMigrationRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) > 0 {
		if b, ok := dest[0].(*bool); ok {
			*b = r.exists
		}
	}
	return nil
}

type fakeMigrationTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *fakeMigrationTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigrationTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigrationTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigrationTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigrationTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigrationTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigrationTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigrationTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigrationTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigrationTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeMigrationRow{err: errors.New("not implemented")}
}
func (t *fakeMigrationTx) Conn() *pgx.Conn { return nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/0001_init.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}

	if _, err := validateMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for outside migration path")
	}
	if _, err := validateMigrationPath("migrations", "other/0001_init.sql"); err == nil {
		t.Fatal("expected rejection for different directory")
	}
}

func TestRunMigrationsAppliesAndSkips(t *testing.T) {
	tx := &fakeMigrationTx{}
	db := &fakeMigrationDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &fakeMigrationRow{exists: args[0].(string) == "0001_init.sql"}
		},
	}

	readCalls := 0
	readFile := func(name string) ([]byte, error) {
		readCalls++
		return []byte("SELECT 1;"), nil
	}
	glob := func(pattern string) ([]string, error) {
		return []string{"migrations/0002_indexes.sql", "migrations/0001_init.sql"}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if readCalls != 1 {
		t.Fatalf("expected one file read for the unapplied migration, got %d", readCalls)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollback calls: %d", tx.rollbackCalls)
	}
	if len(logs) != 2 {
		t.Fatalf("expected applied + summary logs, got %#v", logs)
	}
}

func TestRunMigrationsErrors(t *testing.T) {
	singleFile := func(pattern string) ([]string, error) {
		return []string{"migrations/0001_init.sql"}, nil
	}
	readOK := func(name string) ([]byte, error) { return []byte("SELECT 1;"), nil }
	unapplied := func(ctx context.Context, sql string, args ...any) pgx.Row {
		return &fakeMigrationRow{exists: false}
	}

	t.Run("db_required", func(t *testing.T) {
		err := runMigrations(context.Background(), nil, "migrations", nil, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "db required") {
			t.Fatalf("expected db required error, got %v", err)
		}
	})

	t.Run("create_table_failure", func(t *testing.T) {
		db := &fakeMigrationDB{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			},
		}
		err := runMigrations(context.Background(), db, "migrations", nil, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("expected create schema error, got %v", err)
		}
	})

	t.Run("glob_failure", func(t *testing.T) {
		glob := func(pattern string) ([]string, error) { return nil, errors.New("glob fail") }
		err := runMigrations(context.Background(), &fakeMigrationDB{}, "migrations", nil, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "glob migrations") {
			t.Fatalf("expected glob error, got %v", err)
		}
	})

	t.Run("escaping_path_rejected", func(t *testing.T) {
		glob := func(pattern string) ([]string, error) { return []string{"../evil.sql"}, nil }
		err := runMigrations(context.Background(), &fakeMigrationDB{}, "migrations", nil, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "invalid migration path") {
			t.Fatalf("expected invalid path error, got %v", err)
		}
	})

	t.Run("lookup_failure", func(t *testing.T) {
		db := &fakeMigrationDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return &fakeMigrationRow{err: errors.New("lookup fail")}
			},
		}
		err := runMigrations(context.Background(), db, "migrations", nil, singleFile, nil)
		if err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("expected lookup error, got %v", err)
		}
	})

	t.Run("read_failure", func(t *testing.T) {
		db := &fakeMigrationDB{queryRowFn: unapplied}
		readFile := func(name string) ([]byte, error) { return nil, errors.New("read fail") }
		err := runMigrations(context.Background(), db, "migrations", readFile, singleFile, nil)
		if err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("begin_failure", func(t *testing.T) {
		db := &fakeMigrationDB{
			queryRowFn: unapplied,
			beginFn:    func(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("begin fail") },
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, singleFile, nil)
		if err == nil || !strings.Contains(err.Error(), "begin migration tx") {
			t.Fatalf("expected begin error, got %v", err)
		}
	})

	t.Run("apply_failure_rolls_back", func(t *testing.T) {
		tx := &fakeMigrationTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("apply fail")
			},
		}
		db := &fakeMigrationDB{
			queryRowFn: unapplied,
			beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, singleFile, nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration") {
			t.Fatalf("expected apply error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected one rollback, got %d", tx.rollbackCalls)
		}
	})

	t.Run("commit_failure", func(t *testing.T) {
		tx := &fakeMigrationTx{commitErr: errors.New("commit fail")}
		db := &fakeMigrationDB{
			queryRowFn: unapplied,
			beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, singleFile, nil)
		if err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("expected commit error, got %v", err)
		}
	})
}

func TestMainOverrides(t *testing.T) {
	origFatal := logFatalf
	origOpen := openDBFn
	defer func() {
		logFatalf = origFatal
		openDBFn = origOpen
	}()

	t.Run("db_error_is_fatal", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migrationDBCloser, error) {
			return nil, errors.New("db connection failed")
		}
		main()
		if !fatalCalled {
			t.Fatal("expected fatal on db error")
		}
	})

	t.Run("success", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migrationDBCloser, error) {
			return &fakeMigrationDB{
				queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return &fakeMigrationRow{exists: true}
				},
			}, nil
		}
		main()
		if fatalCalled {
			t.Fatal("expected clean run")
		}
	})
}
