package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ChallengeEngine/internal/trade"
)

// submissionJSON is the wire format of one trade submission.
// Field names use snake_case to match upstream producers; monetary values
// travel as decimal strings so no precision is lost in transit.
type submissionJSON struct {
	ChallengeID  string `json:"challenge_id"`
	ExternalID   string `json:"external_id"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"` // "long" or "short"
	Quantity     string `json:"quantity"`
	Price        string `json:"price"`
	RealizedPnL  string `json:"realized_pnl"`
	ExecutedAtUs int64  `json:"executed_at_us"`
}

// ParseSubmission converts raw JSON bytes into a challenge id and trade
// input. A parse error means the message can never succeed and should be
// acked and counted, not redelivered.
func ParseSubmission(data []byte) (uuid.UUID, trade.Input, error) {
	var j submissionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return uuid.Nil, trade.Input{}, fmt.Errorf("parse submission: %w", err)
	}

	challengeID, err := uuid.Parse(j.ChallengeID)
	if err != nil {
		return uuid.Nil, trade.Input{}, fmt.Errorf("parse challenge_id: %w", err)
	}

	side, err := trade.ParseSide(j.Side)
	if err != nil {
		return uuid.Nil, trade.Input{}, err
	}

	quantity, err := decimal.NewFromString(j.Quantity)
	if err != nil {
		return uuid.Nil, trade.Input{}, fmt.Errorf("parse quantity: %w", err)
	}
	price, err := decimal.NewFromString(j.Price)
	if err != nil {
		return uuid.Nil, trade.Input{}, fmt.Errorf("parse price: %w", err)
	}
	pnl, err := decimal.NewFromString(j.RealizedPnL)
	if err != nil {
		return uuid.Nil, trade.Input{}, fmt.Errorf("parse realized_pnl: %w", err)
	}

	return challengeID, trade.Input{
		ExternalID:  j.ExternalID,
		Symbol:      j.Symbol,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		RealizedPnL: pnl,
		ExecutedAt:  time.UnixMicro(j.ExecutedAtUs).UTC(),
	}, nil
}
