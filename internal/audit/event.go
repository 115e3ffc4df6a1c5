// Package audit is the append-only, per-challenge ordered event store.
// The event sequence is the authoritative history: replaying it from the
// start reconstructs a challenge's equity and status exactly. Events are
// never updated or deleted once written; the stores enforce that as a
// hard invariant, and each event is hash-chained to its predecessor so
// tampering is detectable.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind discriminates event payloads. Closed set; consumers switch
// exhaustively.
type Kind int32

const (
	KindUnknown Kind = iota
	KindChallengeCreated
	KindTradeExecuted
	KindStatusChanged
	KindTradeRejected
)

func (k Kind) String() string {
	switch k {
	case KindChallengeCreated:
		return "ChallengeCreated"
	case KindTradeExecuted:
		return "TradeExecuted"
	case KindStatusChanged:
		return "StatusChanged"
	case KindTradeRejected:
		return "TradeRejected"
	default:
		return "Unknown"
	}
}

// ParseKind converts the stored string form back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ChallengeCreated":
		return KindChallengeCreated, nil
	case "TradeExecuted":
		return KindTradeExecuted, nil
	case "StatusChanged":
		return KindStatusChanged, nil
	case "TradeRejected":
		return KindTradeRejected, nil
	default:
		return KindUnknown, fmt.Errorf("unknown audit event kind: %q", s)
	}
}

// Event is one immutable domain event belonging to a challenge.
type Event struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID

	// Per-challenge sequence, strictly increasing, distinct from the
	// trade sequence.
	Sequence int64

	Kind        Kind
	Payload     json.RawMessage // typed payload, see *Payload structs
	Description string

	OccurredAt time.Time // business time
	RecordedAt time.Time // system time, always >= OccurredAt

	// Hash chain: StateHash = SHA-256(PrevHash || Sequence || Kind || Payload).
	StateHash [32]byte
	PrevHash  [32]byte
}

// New builds a hash-chained event, advancing the hasher's chain tip.
// RecordedAt is clamped so it never precedes OccurredAt.
func New(h *ChainHasher, challengeID uuid.UUID, seq int64, kind Kind, payload any, desc string, occurredAt, recordedAt time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if recordedAt.Before(occurredAt) {
		recordedAt = occurredAt
	}

	prev := h.Tip()
	return Event{
		ID:          uuid.New(),
		ChallengeID: challengeID,
		Sequence:    seq,
		Kind:        kind,
		Payload:     raw,
		Description: desc,
		OccurredAt:  occurredAt,
		RecordedAt:  recordedAt,
		StateHash:   h.Advance(seq, kind, raw),
		PrevHash:    prev,
	}, nil
}

// --- Typed payloads ---
// Payloads capture the complete decision context: the values compared, the
// thresholds in force, and before/after state, so the decision can be
// recomputed later without the live tables.

// ChallengeCreatedPayload records the immutable configuration.
type ChallengeCreatedPayload struct {
	OwnerID          uuid.UUID       `json:"owner_id"`
	StartingCapital  decimal.Decimal `json:"starting_capital"`
	MaxDailyDrawdown decimal.Decimal `json:"max_daily_drawdown"`
	MaxTotalDrawdown decimal.Decimal `json:"max_total_drawdown"`
	ProfitTarget     decimal.Decimal `json:"profit_target"`
}

// TradeExecutedPayload records one accepted trade and the equity move it
// caused. RealizedPnL is the full submitted amount even when the equity
// snapshot was floored at zero.
type TradeExecutedPayload struct {
	TradeID       uuid.UUID       `json:"trade_id"`
	ExternalID    string          `json:"external_id"`
	TradeSequence int64           `json:"trade_sequence"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	ExecutedAt    time.Time       `json:"executed_at"`

	EquityBefore  decimal.Decimal `json:"equity_before"`
	EquityAfter   decimal.Decimal `json:"equity_after"`
	DayOpenEquity decimal.Decimal `json:"day_open_equity"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
	DayRolledOver bool            `json:"day_rolled_over"`

	Verdict string `json:"verdict"`
}

// StatusChangedPayload records a lifecycle transition and everything the
// rules engine compared to decide it.
type StatusChangedPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`

	CurrentEquity      decimal.Decimal `json:"current_equity"`
	DayOpenEquity      decimal.Decimal `json:"day_open_equity"`
	PeakEquity         decimal.Decimal `json:"peak_equity"`
	StartingCapital    decimal.Decimal `json:"starting_capital"`
	DailyDrawdownLimit decimal.Decimal `json:"daily_drawdown_limit"`
	TotalDrawdownLimit decimal.Decimal `json:"total_drawdown_limit"`
	ProfitTarget       decimal.Decimal `json:"profit_target"`
}

// TradeRejectedPayload records a rejected submission for dispute trails.
// Rejections never mutate equity or trade state.
type TradeRejectedPayload struct {
	ExternalID string `json:"external_id"`
	Symbol     string `json:"symbol,omitempty"`
	Reason     string `json:"reason"`
}
