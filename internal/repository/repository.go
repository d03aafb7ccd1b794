// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record conflicts with an existing one")

	// ErrOutOfOrder means the record would leave its call ending before
	// it started.
	ErrOutOfOrder = errors.New("call record is out of order with its pair")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an already opened database. No migrations are run.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{
		db:     db,
		driver: driver,
	}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCallRecord creates or updates a call record by its ID and makes sure
// the owning call exists. Source and destination only overwrite the stored
// call when they are non-empty. A record that would end its call before the
// call started is rejected with ErrOutOfOrder and nothing is written.
func (r *SQLRepository) SaveCallRecord(ctx context.Context, rec *domain.CallRecord) (bool, error) {
	if rec == nil || rec.ID < 0 || rec.CallID < 0 {
		return false, fmt.Errorf("%w: record and call ids must not be negative", ErrInvalidInput)
	}
	if rec.Timestamp.IsZero() {
		return false, fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	upsertCall := `
		INSERT INTO calls (id, source, destination)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = CASE WHEN excluded.source <> '' THEN excluded.source ELSE calls.source END,
			destination = CASE WHEN excluded.destination <> '' THEN excluded.destination ELSE calls.destination END
	`
	if _, err := tx.ExecContext(ctx, r.rebind(upsertCall), rec.CallID, rec.Source, rec.Destination); err != nil {
		return false, fmt.Errorf("failed to save call %d: %w", rec.CallID, err)
	}

	// The call upsert holds the call's row lock (postgres) or the write
	// lock (sqlite) until commit, so the sibling cannot change under us.
	if err := r.checkOrder(ctx, tx, rec); err != nil {
		return false, err
	}

	var exists int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM call_records WHERE id = ?`), rec.ID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	created := errors.Is(err, sql.ErrNoRows)

	upsertRecord := `
		INSERT INTO call_records (id, call_id, record_type, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			call_id = excluded.call_id,
			record_type = excluded.record_type,
			timestamp = excluded.timestamp
	`
	_, err = tx.ExecContext(ctx, r.rebind(upsertRecord),
		rec.ID, rec.CallID, string(rec.Type), rec.Timestamp.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: call %d already has a %s record", ErrConflict, rec.CallID, rec.Type)
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return created, nil
}

func (r *SQLRepository) checkOrder(ctx context.Context, tx *sql.Tx, rec *domain.CallRecord) error {
	query := `
		SELECT timestamp FROM call_records
		WHERE call_id = ? AND record_type = ? AND id <> ?
	`

	var sibling time.Time
	err := tx.QueryRowContext(ctx, r.rebind(query), rec.CallID, string(rec.Type.Sibling()), rec.ID).Scan(&sibling)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	ts := rec.Timestamp.UTC()
	switch {
	case rec.Type == domain.RecordEnd && ts.Before(sibling):
		return fmt.Errorf("%w: end %s is before start %s of call %d",
			ErrOutOfOrder, ts.Format(time.RFC3339), sibling.UTC().Format(time.RFC3339), rec.CallID)
	case rec.Type == domain.RecordStart && ts.After(sibling):
		return fmt.Errorf("%w: start %s is after end %s of call %d",
			ErrOutOfOrder, ts.Format(time.RFC3339), sibling.UTC().Format(time.RFC3339), rec.CallID)
	}
	return nil
}

const selectCallRecord = `
	SELECT r.id, r.call_id, r.record_type, r.timestamp, c.source, c.destination
	FROM call_records r
	JOIN calls c ON c.id = r.call_id
`

// GetCallRecord retrieves a call record by ID.
func (r *SQLRepository) GetCallRecord(ctx context.Context, id int64) (*domain.CallRecord, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectCallRecord+` WHERE r.id = ?`), id)
	return scanCallRecord(row)
}

// GetCallRecordByType retrieves the start or end record of a call.
func (r *SQLRepository) GetCallRecordByType(ctx context.Context, callID int64, recordType domain.RecordType) (*domain.CallRecord, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectCallRecord+` WHERE r.call_id = ? AND r.record_type = ?`),
		callID, string(recordType))
	return scanCallRecord(row)
}

// ListCallRecords retrieves all call records ordered by ID.
func (r *SQLRepository) ListCallRecords(ctx context.Context) ([]*domain.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(selectCallRecord+` ORDER BY r.id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(row rowScanner) (*domain.CallRecord, error) {
	var rec domain.CallRecord
	var recordType string

	err := row.Scan(&rec.ID, &rec.CallID, &recordType, &rec.Timestamp, &rec.Source, &rec.Destination)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Type = domain.RecordType(recordType)
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

// GetCall assembles a call from its start and end records.
func (r *SQLRepository) GetCall(ctx context.Context, callID int64) (*domain.Call, error) {
	query := `
		SELECT c.id, c.source, c.destination, s.timestamp, e.timestamp
		FROM calls c
		LEFT JOIN call_records s ON s.call_id = c.id AND s.record_type = 'start'
		LEFT JOIN call_records e ON e.call_id = c.id AND e.record_type = 'end'
		WHERE c.id = ?
	`

	var call domain.Call
	var started, ended sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), callID).Scan(
		&call.ID, &call.Source, &call.Destination, &started, &ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if started.Valid {
		t := started.Time.UTC()
		call.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		call.EndedAt = &t
	}

	return &call, nil
}

// SaveBillRecord stores the bill of a call unless one already exists.
// It reports whether a new row was written.
func (r *SQLRepository) SaveBillRecord(ctx context.Context, bill *domain.BillRecord) (bool, error) {
	if bill == nil || bill.ID == "" || bill.CallID < 0 {
		return false, fmt.Errorf("%w: bill id is required and call id must not be negative", ErrInvalidInput)
	}

	query := `
		INSERT INTO bill_records (id, call_id, price, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		bill.ID, bill.CallID, bill.Price.StringFixed(2), bill.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetBillRecordByCall retrieves the bill of a call.
func (r *SQLRepository) GetBillRecordByCall(ctx context.Context, callID int64) (*domain.BillRecord, error) {
	query := `
		SELECT id, call_id, price, created_at
		FROM bill_records
		WHERE call_id = ?
	`

	var bill domain.BillRecord
	var price string

	err := r.db.QueryRowContext(ctx, r.rebind(query), callID).Scan(
		&bill.ID, &bill.CallID, &price, &bill.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if bill.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse price of bill %s: %w", bill.ID, err)
	}
	bill.CreatedAt = bill.CreatedAt.UTC()

	return &bill, nil
}

// ListBillLines retrieves the bills of calls placed by subscriber whose end
// record falls in [from, to), ordered by call start.
func (r *SQLRepository) ListBillLines(ctx context.Context, subscriber string, from, to time.Time) ([]domain.BillLine, error) {
	if subscriber == "" {
		return nil, fmt.Errorf("%w: subscriber is required", ErrInvalidInput)
	}

	query := `
		SELECT b.id, b.call_id, c.destination, s.timestamp, e.timestamp, b.price
		FROM bill_records b
		JOIN calls c ON c.id = b.call_id
		JOIN call_records s ON s.call_id = c.id AND s.record_type = 'start'
		JOIN call_records e ON e.call_id = c.id AND e.record_type = 'end'
		WHERE c.source = ?
		  AND e.timestamp >= ?
		  AND e.timestamp < ?
		ORDER BY s.timestamp, b.call_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), subscriber, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.BillLine
	for rows.Next() {
		var line domain.BillLine
		var price string

		if err := rows.Scan(
			&line.ID, &line.CallID, &line.Destination,
			&line.StartedAt, &line.EndedAt, &price,
		); err != nil {
			return nil, err
		}

		if line.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse price of bill %s: %w", line.ID, err)
		}
		line.StartedAt = line.StartedAt.UTC()
		line.EndedAt = line.EndedAt.UTC()
		lines = append(lines, line)
	}

	return lines, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// isUniqueViolation matches unique constraint errors from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
