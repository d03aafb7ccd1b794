package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrConfigurationGap means no tariff window covers the call's start time.
	ErrConfigurationGap = errors.New("no tariff applies to start time")

	// ErrInvalidInterval means the call ends before it starts.
	ErrInvalidInterval = errors.New("call ends before it starts")

	// ErrMissingEndpoints means the start or end instant is absent.
	ErrMissingEndpoints = errors.New("call start or end is missing")
)

// ChargePlaces is the number of fraction digits in a charge.
const ChargePlaces = 2

// CalculateCharge prices a call of the given duration under tariff.
// Only whole elapsed minutes are billed.
func CalculateCharge(tariff TariffDefinition, duration time.Duration) (decimal.Decimal, error) {
	if duration < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: duration %s", ErrInvalidInterval, duration)
	}

	minutes := decimal.NewFromInt(int64(duration / time.Minute))
	charge := tariff.StandingCharge.Add(tariff.ChargePerMinute.Mul(minutes))
	return charge.Round(ChargePlaces), nil
}

// Calculator prices calls against a fixed tariff table.
type Calculator struct {
	table Table
}

// NewCalculator returns a Calculator over table.
func NewCalculator(table Table) *Calculator {
	return &Calculator{table: table}
}

// Table returns the tariffs the calculator selects from.
func (c *Calculator) Table() Table {
	return c.table
}

// CallCharge prices a call from its start and end instants. A zero time
// counts as absent. The tariff is chosen by the start time alone.
func (c *Calculator) CallCharge(startedAt, endedAt time.Time) (decimal.Decimal, error) {
	if startedAt.IsZero() || endedAt.IsZero() {
		return decimal.Decimal{}, ErrMissingEndpoints
	}
	if endedAt.Before(startedAt) {
		return decimal.Decimal{}, fmt.Errorf("%w: start %s, end %s",
			ErrInvalidInterval, startedAt.Format(time.RFC3339), endedAt.Format(time.RFC3339))
	}

	tariff, ok := c.table.Select(startedAt)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrConfigurationGap, TimeOfDayOf(startedAt))
	}
	return CalculateCharge(tariff, endedAt.Sub(startedAt))
}

var defaultCalculator = NewCalculator(DefaultTable)

// CalculateCallCharge prices a call against DefaultTable.
func CalculateCallCharge(startedAt, endedAt time.Time) (decimal.Decimal, error) {
	return defaultCalculator.CallCharge(startedAt, endedAt)
}
