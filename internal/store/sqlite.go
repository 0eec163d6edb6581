package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/calcsync/internal/types"
	_ "modernc.org/sqlite"
)

// timestampLayout is fixed width so that SQL ordering on the text column
// matches chronological ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the durable local replica of the history table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the replica at dbPath.
// It applies pragmas, restricts the pool to a single connection (the replica
// has exactly one writer) and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection keeps :memory: databases alive across calls and
	// serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for durability and lock handling.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert writes a record the client itself just created.
// It fails with ErrDuplicateRecord if the id is already present.
func (s *SQLiteStore) Insert(ctx context.Context, r types.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (id, expression, result, timestamp)
		VALUES (?, ?, ?, ?)
	`, r.ID, r.Expression, r.Result, formatTimestamp(r.Timestamp))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrDuplicateRecord, r.ID)
		}
		return fmt.Errorf("%w: insert record %d: %w", ErrStorage, r.ID, err)
	}
	return nil
}

// Merge reconciles the replica with a server snapshot. All upserts and
// deletes for the snapshot commit in one transaction.
func (s *SQLiteStore) Merge(ctx context.Context, snap types.Snapshot) (*MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin merge: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	local, err := listAll(ctx, tx)
	if err != nil {
		return nil, err
	}

	plan := Reconcile(local, snap)

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO history (id, expression, result, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expression = excluded.expression,
			result = excluded.result,
			timestamp = excluded.timestamp
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare upsert: %w", ErrStorage, err)
	}
	defer upsert.Close()

	for _, r := range plan.Upserts {
		if _, err := upsert.ExecContext(ctx, r.ID, r.Expression, r.Result, formatTimestamp(r.Timestamp)); err != nil {
			return nil, fmt.Errorf("%w: upsert record %d: %w", ErrStorage, r.ID, err)
		}
	}

	for _, id := range plan.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("%w: delete record %d: %w", ErrStorage, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit merge: %w", ErrStorage, err)
	}

	return &MergeResult{
		Upserted: len(plan.Upserts),
		Deleted:  len(plan.Deletes),
	}, nil
}

// ListAll returns every record, newest first. The slice is freshly
// allocated on every call.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]types.Record, error) {
	return listAll(ctx, s.db)
}

// Count returns the number of records in the replica.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history").Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count records: %w", ErrStorage, err)
	}
	return count, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listAll(ctx context.Context, q querier) ([]types.Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, expression, result, timestamp
		FROM history
		ORDER BY timestamp DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %w", ErrStorage, err)
	}
	defer rows.Close()

	records := []types.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan record: %w", ErrStorage, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list records: %w", ErrStorage, err)
	}

	return records, nil
}

// scanRecord scans a history row. Nullable text columns become empty strings.
func scanRecord(scanner interface{ Scan(...any) error }) (types.Record, error) {
	var r types.Record
	var expression, result sql.NullString
	var ts any

	if err := scanner.Scan(&r.ID, &expression, &result, &ts); err != nil {
		return r, err
	}
	r.Expression = expression.String
	r.Result = result.String

	parsed, err := parseStoredTimestamp(ts)
	if err != nil {
		return r, fmt.Errorf("record %d: %w", r.ID, err)
	}
	r.Timestamp = parsed
	return r, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseStoredTimestamp accepts what the driver hands back for a DATETIME
// column: either a decoded time.Time or the raw text.
func parseStoredTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case string:
		return parseTimestampText(ts)
	case []byte:
		return parseTimestampText(string(ts))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func parseTimestampText(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	return types.ParseTimestamp(s)
}

// isUniqueViolation detects primary key conflicts from the error text
// reported by modernc.org/sqlite.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY") ||
		strings.Contains(msg, "(1555)")
}
