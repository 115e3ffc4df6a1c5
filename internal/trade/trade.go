package trade

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents trade direction.
type Side int32

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideShort {
		return "SHORT"
	}
	return "LONG"
}

// ParseSide accepts the wire/storage form ("long"/"short", case-insensitive).
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return SideLong, fmt.Errorf("unknown trade side: %q", s)
	}
}

// Input is one trade submission before it is accepted. ExternalID is the
// upstream identifier used for idempotent replay; resubmitting the same
// (challenge, external id) pair is a no-op, not an error.
type Input struct {
	ExternalID  string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal
	ExecutedAt  time.Time
}

// Validate checks the submission's self-contained constraints. Ordering
// constraints against the challenge's previous trade are the engine's job.
func (in Input) Validate(now time.Time, maxClockSkew time.Duration) error {
	if in.ExternalID == "" {
		return fmt.Errorf("external trade id is required")
	}
	if in.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", in.Quantity)
	}
	if !in.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", in.Price)
	}
	if in.ExecutedAt.IsZero() {
		return fmt.Errorf("execution timestamp is required")
	}
	if in.ExecutedAt.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("execution timestamp %s is beyond the allowed clock skew", in.ExecutedAt.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// Trade is one immutable execution record. Once written it is never
// updated or deleted; RealizedPnL is stored exactly as submitted, never
// recomputed (and never clamped by the equity floor).
type Trade struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID
	ExternalID  string
	Sequence    int64 // per-challenge, strictly increasing, never reused
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal
	ExecutedAt  time.Time
	RecordedAt  time.Time // system time, always >= ExecutedAt
}

// FromInput builds the immutable record for an accepted submission.
// RecordedAt is clamped so it never precedes the execution timestamp.
func FromInput(challengeID uuid.UUID, seq int64, in Input, recordedAt time.Time) *Trade {
	if recordedAt.Before(in.ExecutedAt) {
		recordedAt = in.ExecutedAt
	}
	return &Trade{
		ID:          uuid.New(),
		ChallengeID: challengeID,
		ExternalID:  in.ExternalID,
		Sequence:    seq,
		Symbol:      in.Symbol,
		Side:        in.Side,
		Quantity:    in.Quantity,
		Price:       in.Price,
		RealizedPnL: in.RealizedPnL,
		ExecutedAt:  in.ExecutedAt,
		RecordedAt:  recordedAt,
	}
}
