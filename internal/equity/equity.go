package equity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradingDayFormat is the UTC calendar-day marker stored on each challenge.
const TradingDayFormat = "2006-01-02"

// State holds the equity figures for one challenge. All amounts are exact
// decimals, never floats, so threshold comparisons cannot misclassify
// at the boundary.
type State struct {
	Current    decimal.Decimal
	Peak       decimal.Decimal // All-time high-water mark, never resets
	DayOpen    decimal.Decimal
	DayPeak    decimal.Decimal
	DayTrough  decimal.Decimal
	TradingDay string // UTC day of the last applied trade, "" before the first trade
}

// NewState initializes equity at the starting capital. Day figures are
// seeded to the same value; the first trade establishes the trading day.
func NewState(startingCapital decimal.Decimal) State {
	return State{
		Current:   startingCapital,
		Peak:      startingCapital,
		DayOpen:   startingCapital,
		DayPeak:   startingCapital,
		DayTrough: startingCapital,
	}
}

// Apply advances the equity state by one trade's realized P&L.
//
// A loss that would drive equity negative clamps the snapshot to zero;
// the trade's stored P&L is NOT clamped; the floor applies to displayed
// equity only. If the trade executes on a new UTC day relative to the
// stored trading-day marker, the day's open/peak/trough reset to the
// pre-trade equity before the P&L is applied.
//
// Returns the new state and whether a day rollover occurred.
func Apply(s State, realizedPnL decimal.Decimal, executedAt time.Time) (State, bool) {
	day := executedAt.UTC().Format(TradingDayFormat)

	rolled := false
	if s.TradingDay != day {
		// First trade sets the marker but is not a rollover.
		rolled = s.TradingDay != ""
		s.DayOpen = s.Current
		s.DayPeak = s.Current
		s.DayTrough = s.Current
		s.TradingDay = day
	}

	next := s.Current.Add(realizedPnL)
	if next.IsNegative() {
		next = decimal.Zero
	}
	s.Current = next

	if next.GreaterThan(s.Peak) {
		s.Peak = next
	}
	if next.GreaterThan(s.DayPeak) {
		s.DayPeak = next
	}
	if next.LessThan(s.DayTrough) {
		s.DayTrough = next
	}

	return s, rolled
}

// Validate checks the equity invariants. A violation here means a defect
// upstream, not bad input; callers must abort the step, never "fix" it.
func (s State) Validate() error {
	if s.Current.IsNegative() {
		return fmt.Errorf("equity invariant: current equity is negative: %s", s.Current)
	}
	if s.Current.GreaterThan(s.Peak) {
		return fmt.Errorf("equity invariant: current equity %s exceeds peak %s", s.Current, s.Peak)
	}
	if s.DayTrough.GreaterThan(s.DayPeak) {
		return fmt.Errorf("equity invariant: day trough %s exceeds day peak %s", s.DayTrough, s.DayPeak)
	}
	return nil
}
