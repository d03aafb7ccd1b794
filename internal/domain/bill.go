package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BillRecord is the persisted charge of one completed call.
type BillRecord struct {
	ID        string          `json:"id"`
	CallID    int64           `json:"callId"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

// BillLine is a bill record joined with the call it charges.
type BillLine struct {
	ID          string          `json:"id"`
	CallID      int64           `json:"callId"`
	Destination string          `json:"destination"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	Price       decimal.Decimal `json:"price"`
}

// Duration returns the elapsed time of the billed call.
func (l BillLine) Duration() time.Duration {
	return l.EndedAt.Sub(l.StartedAt)
}

// Bill lists the charged calls of a subscriber in one period.
type Bill struct {
	Subscriber string     `json:"subscriber"`
	Period     Period     `json:"period"`
	Lines      []BillLine `json:"lines"`
}

// Period is a calendar month used to group bills.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodLayout is the textual form of a period, MM/YYYY.
const PeriodLayout = "01/2006"

// ParsePeriod parses a period in MM/YYYY form.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(PeriodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("period must be MM/YYYY: %w", err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// PreviousPeriod returns the month before the one containing now.
func PreviousPeriod(now time.Time) Period {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return PeriodOf(first.AddDate(0, -1, 0))
}

// Bounds returns the half-open range [from, to) of the period in loc.
func (p Period) Bounds(loc *time.Location) (time.Time, time.Time) {
	from := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 1, 0)
}

// Key is a sortable YYYY-MM form of the period.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// String renders the period as MM/YYYY.
func (p Period) String() string {
	return fmt.Sprintf("%02d/%04d", int(p.Month), p.Year)
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
