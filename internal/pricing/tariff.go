// Package pricing resolves the tariff band for a call and computes its charge.
package pricing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeOfDay is a wall-clock offset since midnight with no date component.
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay from hour, minute and second.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour +
		time.Duration(minute)*time.Minute +
		time.Duration(second)*time.Second)
}

// TimeOfDayOf returns the wall-clock time of t in t's own location.
// Sub-second precision is kept.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()) + TimeOfDay(t.Nanosecond())
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day: bad %q", s)
	}

	limits := []int{23, 59, 59}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("time of day: bad %q: %w", s, err)
		}
		if n < 0 || n > limits[i] {
			return 0, fmt.Errorf("time of day: out of range %q", s)
		}
		vals[i] = n
	}
	return NewTimeOfDay(vals[0], vals[1], vals[2]), nil
}

// String renders the time of day as HH:MM:SS.
func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// Window is the half-open interval [Start, End) of times of day.
// When Start > End the window wraps past midnight; Start == End covers the whole day.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t TimeOfDay) bool {
	if w.Start < w.End {
		return t >= w.Start && t < w.End
	}
	return t >= w.Start || t < w.End
}

// TariffDefinition is one billing band. Values are never mutated once built.
type TariffDefinition struct {
	Name            string
	StandingCharge  decimal.Decimal
	ChargePerMinute decimal.Decimal
	Window          Window
}

var standingCharge = decimal.RequireFromString("0.36")

// Standard applies to calls started between 06:00 and 22:00.
var Standard = TariffDefinition{
	Name:            "standard",
	StandingCharge:  standingCharge,
	ChargePerMinute: decimal.RequireFromString("0.09"),
	Window:          Window{Start: NewTimeOfDay(6, 0, 0), End: NewTimeOfDay(22, 0, 0)},
}

// Reduced applies to calls started between 22:00 and 06:00.
var Reduced = TariffDefinition{
	Name:            "reduced",
	StandingCharge:  standingCharge,
	ChargePerMinute: decimal.RequireFromString("0.00"),
	Window:          Window{Start: NewTimeOfDay(22, 0, 0), End: NewTimeOfDay(6, 0, 0)},
}

// Table is an ordered list of tariffs. Earlier entries take priority.
type Table []TariffDefinition

// DefaultTable is the canonical day/night split.
var DefaultTable = Table{Standard, Reduced}

// Select returns the first tariff, in declaration order, whose window
// contains the time of day of start.
func (tb Table) Select(start time.Time) (TariffDefinition, bool) {
	tod := TimeOfDayOf(start)
	for _, t := range tb {
		if t.Window.Contains(tod) {
			return t, true
		}
	}
	return TariffDefinition{}, false
}

// SelectTariff selects from DefaultTable.
func SelectTariff(start time.Time) (TariffDefinition, bool) {
	return DefaultTable.Select(start)
}

// BandConfig holds the raw values used to build a two-band table.
type BandConfig struct {
	StandingCharge string
	StandardRate   string
	ReducedRate    string
	DayStart       string
	NightStart     string
}

// NewTable builds the standard/reduced table from configuration strings.
// Empty fields fall back to the canonical values.
func NewTable(cfg BandConfig) (Table, error) {
	standing, err := decimalOr(cfg.StandingCharge, Standard.StandingCharge)
	if err != nil {
		return nil, fmt.Errorf("standing charge: %w", err)
	}
	dayRate, err := decimalOr(cfg.StandardRate, Standard.ChargePerMinute)
	if err != nil {
		return nil, fmt.Errorf("standard rate: %w", err)
	}
	nightRate, err := decimalOr(cfg.ReducedRate, Reduced.ChargePerMinute)
	if err != nil {
		return nil, fmt.Errorf("reduced rate: %w", err)
	}
	for name, d := range map[string]decimal.Decimal{"standing charge": standing, "standard rate": dayRate, "reduced rate": nightRate} {
		if d.IsNegative() {
			return nil, fmt.Errorf("%s must not be negative", name)
		}
	}

	dayStart := Standard.Window.Start
	if cfg.DayStart != "" {
		if dayStart, err = ParseTimeOfDay(cfg.DayStart); err != nil {
			return nil, err
		}
	}
	nightStart := Standard.Window.End
	if cfg.NightStart != "" {
		if nightStart, err = ParseTimeOfDay(cfg.NightStart); err != nil {
			return nil, err
		}
	}

	return Table{
		{
			Name:            Standard.Name,
			StandingCharge:  standing,
			ChargePerMinute: dayRate,
			Window:          Window{Start: dayStart, End: nightStart},
		},
		{
			Name:            Reduced.Name,
			StandingCharge:  standing,
			ChargePerMinute: nightRate,
			Window:          Window{Start: nightStart, End: dayStart},
		},
	}, nil
}

func decimalOr(s string, def decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return def, nil
	}
	return decimal.NewFromString(s)
}
