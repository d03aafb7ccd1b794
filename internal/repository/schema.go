package repository

// Schema definitions for the callbill database.
// Compatible with both SQLite and PostgreSQL.

const schemaCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id BIGINT PRIMARY KEY,
    source TEXT NOT NULL DEFAULT '',
    destination TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_source ON calls(source);
`

// schemaCallRecords holds the start and end events of calls.
// A call has at most one record per type.
const schemaCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    id BIGINT PRIMARY KEY,
    call_id BIGINT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
    record_type TEXT NOT NULL CHECK (record_type IN ('start', 'end')),
    timestamp TIMESTAMP NOT NULL,
    UNIQUE (call_id, record_type)
);

CREATE INDEX IF NOT EXISTS idx_call_records_timestamp ON call_records(record_type, timestamp);
`

// schemaBillRecords stores one charge per call. The price is kept as
// decimal text so no binary floating point touches it.
const schemaBillRecords = `
CREATE TABLE IF NOT EXISTS bill_records (
    id TEXT PRIMARY KEY,
    call_id BIGINT NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
    price TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCalls,
		schemaCallRecords,
		schemaBillRecords,
	}
}
