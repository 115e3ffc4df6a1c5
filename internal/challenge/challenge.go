package challenge

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ChallengeEngine/internal/equity"
)

// Status is the challenge lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusActive
	StatusFailed
	StatusFunded
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusFailed:
		return "FAILED"
	case StatusFunded:
		return "FUNDED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus converts the stored string form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "ACTIVE":
		return StatusActive, nil
	case "FAILED":
		return StatusFailed, nil
	case "FUNDED":
		return StatusFunded, nil
	default:
		return StatusPending, fmt.Errorf("unknown challenge status: %q", s)
	}
}

// Terminal reports whether the status accepts no further trades.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusFunded
}

// CanTransitionTo enforces the state machine:
// PENDING → ACTIVE → {FAILED, FUNDED}; terminal states are immutable.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive
	case StatusActive:
		return next == StatusFailed || next == StatusFunded
	default:
		return false
	}
}

// Config is the immutable rule configuration fixed at challenge creation.
// Drawdown limits and the profit target are ratios of the reference equity
// (e.g. 0.05 for 5%).
type Config struct {
	StartingCapital  decimal.Decimal
	MaxDailyDrawdown decimal.Decimal
	MaxTotalDrawdown decimal.Decimal
	ProfitTarget     decimal.Decimal
}

// Validate rejects configurations the rules engine cannot evaluate safely.
// Starting capital must be strictly positive; it is the denominator of the
// profit-target ratio and the seed for every day-open baseline.
func (c Config) Validate() error {
	if !c.StartingCapital.IsPositive() {
		return fmt.Errorf("starting capital must be positive, got %s", c.StartingCapital)
	}
	one := decimal.NewFromInt(1)
	if !c.MaxDailyDrawdown.IsPositive() || c.MaxDailyDrawdown.GreaterThanOrEqual(one) {
		return fmt.Errorf("max daily drawdown must be in (0, 1), got %s", c.MaxDailyDrawdown)
	}
	if !c.MaxTotalDrawdown.IsPositive() || c.MaxTotalDrawdown.GreaterThanOrEqual(one) {
		return fmt.Errorf("max total drawdown must be in (0, 1), got %s", c.MaxTotalDrawdown)
	}
	if !c.ProfitTarget.IsPositive() {
		return fmt.Errorf("profit target must be positive, got %s", c.ProfitTarget)
	}
	return nil
}

// Challenge is one simulated trading account under evaluation. Its mutable
// fields are owned exclusively by the engine's write path; every committed
// mutation increments Version.
type Challenge struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Config  Config

	Status Status
	Equity equity.State

	TradeCount    int64 // trade sequence high-water mark
	EventCount    int64 // audit event sequence high-water mark
	CumulativePnL decimal.Decimal
	LastEventHash [32]byte // audit hash-chain tip

	Version       int64
	FailureReason string

	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	FundedAt    *time.Time
	LastTradeAt *time.Time // recorded time of the last accepted trade
}

// New creates a PENDING challenge with equity seeded at starting capital.
// The audit hash chain tip is set separately by the creating engine.
func New(owner uuid.UUID, cfg Config, now time.Time) *Challenge {
	return &Challenge{
		ID:            uuid.New(),
		OwnerID:       owner,
		Config:        cfg,
		Status:        StatusPending,
		Equity:        equity.NewState(cfg.StartingCapital),
		CumulativePnL: decimal.Zero,
		Version:       1,
		CreatedAt:     now,
	}
}

// Activate moves PENDING → ACTIVE on the first accepted trade.
func (c *Challenge) Activate(at time.Time) error {
	if !c.Status.CanTransitionTo(StatusActive) {
		return fmt.Errorf("cannot activate challenge in status %s", c.Status)
	}
	c.Status = StatusActive
	t := at
	c.StartedAt = &t
	return nil
}

// Fail moves ACTIVE → FAILED and stamps the end timestamp and reason.
func (c *Challenge) Fail(reason string, at time.Time) error {
	if !c.Status.CanTransitionTo(StatusFailed) {
		return fmt.Errorf("cannot fail challenge in status %s", c.Status)
	}
	c.Status = StatusFailed
	c.FailureReason = reason
	t := at
	c.EndedAt = &t
	return nil
}

// Fund moves ACTIVE → FUNDED and stamps both end and funding timestamps.
func (c *Challenge) Fund(at time.Time) error {
	if !c.Status.CanTransitionTo(StatusFunded) {
		return fmt.Errorf("cannot fund challenge in status %s", c.Status)
	}
	c.Status = StatusFunded
	t := at
	c.EndedAt = &t
	c.FundedAt = &t
	return nil
}

// Validate checks the structural invariants that must hold after every
// committed step. Violations are defects, never correctable input.
func (c *Challenge) Validate() error {
	if err := c.Equity.Validate(); err != nil {
		return err
	}
	if c.Status.Terminal() && c.EndedAt == nil {
		return fmt.Errorf("terminal challenge %s has no end timestamp", c.ID)
	}
	if (c.Status == StatusFunded) != (c.FundedAt != nil) {
		return fmt.Errorf("challenge %s funding timestamp inconsistent with status %s", c.ID, c.Status)
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so readers never alias
// the engine's working copy.
func (c *Challenge) Clone() *Challenge {
	cp := *c
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.EndedAt = cloneTime(c.EndedAt)
	cp.FundedAt = cloneTime(c.FundedAt)
	cp.LastTradeAt = cloneTime(c.LastTradeAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
