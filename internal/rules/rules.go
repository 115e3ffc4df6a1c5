// Package rules evaluates a challenge's risk rules against post-trade
// equity. It is a pure function of its inputs: no I/O, no clock, no state.
package rules

import (
	"github.com/shopspring/decimal"

	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/equity"
)

// Verdict is the closed set of rule outcomes. Consumers switch over it
// exhaustively; there are no open-ended string kinds.
type Verdict int32

const (
	VerdictNone Verdict = iota
	VerdictDailyDrawdown
	VerdictTotalDrawdown
	VerdictProfitTarget
)

func (v Verdict) String() string {
	switch v {
	case VerdictDailyDrawdown:
		return "DAILY_DRAWDOWN_EXCEEDED"
	case VerdictTotalDrawdown:
		return "TOTAL_DRAWDOWN_EXCEEDED"
	case VerdictProfitTarget:
		return "PROFIT_TARGET_REACHED"
	default:
		return "NO_VIOLATION"
	}
}

// Evaluate applies the rules in priority order; failures pre-empt success,
// so a trade that simultaneously breaches a drawdown limit and reaches the
// profit target fails the challenge:
//
//  1. daily drawdown:  (day_open − current) / day_open   > MaxDailyDrawdown
//  2. total drawdown:  (peak − current) / peak           > MaxTotalDrawdown
//  3. profit target:   (current − starting) / starting  >= ProfitTarget
//
// Ratios are compared by cross-multiplication so no division (and no
// rounding) ever happens. Denominators are positive by Challenge invariants.
func Evaluate(cfg challenge.Config, eq equity.State) Verdict {
	if ratioExceeds(eq.DayOpen.Sub(eq.Current), eq.DayOpen, cfg.MaxDailyDrawdown) {
		return VerdictDailyDrawdown
	}
	if ratioExceeds(eq.Peak.Sub(eq.Current), eq.Peak, cfg.MaxTotalDrawdown) {
		return VerdictTotalDrawdown
	}
	if ratioMeets(eq.Current.Sub(cfg.StartingCapital), cfg.StartingCapital, cfg.ProfitTarget) {
		return VerdictProfitTarget
	}
	return VerdictNone
}

// ratioExceeds reports num/den > limit, i.e. num > limit*den with den > 0.
func ratioExceeds(num, den, limit decimal.Decimal) bool {
	return num.Cmp(limit.Mul(den)) > 0
}

// ratioMeets reports num/den >= limit.
func ratioMeets(num, den, limit decimal.Decimal) bool {
	return num.Cmp(limit.Mul(den)) >= 0
}
