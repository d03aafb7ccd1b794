package domain

import (
	"fmt"
	"time"
)

// RecordType distinguishes the two events of a call.
type RecordType string

const (
	// RecordStart marks the moment a call began.
	RecordStart RecordType = "start"

	// RecordEnd marks the moment a call finished.
	RecordEnd RecordType = "end"
)

// ParseRecordType validates a record type string.
func ParseRecordType(s string) (RecordType, error) {
	switch RecordType(s) {
	case RecordStart, RecordEnd:
		return RecordType(s), nil
	default:
		return "", fmt.Errorf("unknown record type %q", s)
	}
}

// Sibling returns the other record type of the pair.
func (t RecordType) Sibling() RecordType {
	if t == RecordStart {
		return RecordEnd
	}
	return RecordStart
}

// CallRecord is a single start or end event of a call.
// A call has at most one record of each type.
type CallRecord struct {
	ID        int64      `json:"id"`
	CallID    int64      `json:"callId"`
	Type      RecordType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`

	// Source and Destination describe the call; they are carried by start
	// records and may be empty on end records.
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// Call is a phone call assembled from its start and end records.
type Call struct {
	ID          int64      `json:"id"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Complete reports whether both the start and end of the call are known.
func (c *Call) Complete() bool {
	return c.StartedAt != nil && c.EndedAt != nil
}

// Duration returns the elapsed time of a complete call.
func (c *Call) Duration() (time.Duration, bool) {
	if !c.Complete() {
		return 0, false
	}
	return c.EndedAt.Sub(*c.StartedAt), true
}
