// Package domain defines the core interfaces and types for callbill.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Call record operations
	SaveCallRecord(ctx context.Context, rec *CallRecord) (created bool, err error)
	GetCallRecord(ctx context.Context, id int64) (*CallRecord, error)
	GetCallRecordByType(ctx context.Context, callID int64, recordType RecordType) (*CallRecord, error)
	ListCallRecords(ctx context.Context) ([]*CallRecord, error)

	// Call view assembled from its records
	GetCall(ctx context.Context, callID int64) (*Call, error)

	// Bill operations. SaveBillRecord stores at most one bill per call and
	// reports false when the call was already billed.
	SaveBillRecord(ctx context.Context, bill *BillRecord) (created bool, err error)
	GetBillRecordByCall(ctx context.Context, callID int64) (*BillRecord, error)
	ListBillLines(ctx context.Context, subscriber string, from, to time.Time) ([]BillLine, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
