package audit

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/equity"
)

// ReplayState is a challenge's state as reconstructed from its event log.
type ReplayState struct {
	Status        challenge.Status
	Equity        equity.State
	TradeCount    int64
	CumulativePnL decimal.Decimal
}

// Replay folds an ordered event sequence into the challenge state it
// implies, re-running the same equity arithmetic the live path used.
// It is side-effect free and restartable: replaying the same events
// always yields the same state.
//
// Sequence gaps are tolerated (sequences must only be strictly increasing);
// out-of-order or reused sequences are rejected.
func Replay(events []Event) (*ReplayState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("replay: empty event sequence")
	}
	if events[0].Kind != KindChallengeCreated {
		return nil, fmt.Errorf("replay: first event is %s, want ChallengeCreated", events[0].Kind)
	}

	var created ChallengeCreatedPayload
	if err := json.Unmarshal(events[0].Payload, &created); err != nil {
		return nil, fmt.Errorf("replay: decode ChallengeCreated: %w", err)
	}

	st := &ReplayState{
		Status:        challenge.StatusPending,
		Equity:        equity.NewState(created.StartingCapital),
		CumulativePnL: decimal.Zero,
	}

	lastSeq := events[0].Sequence
	for _, e := range events[1:] {
		if e.Sequence <= lastSeq {
			return nil, fmt.Errorf("replay: event sequence %d not after %d", e.Sequence, lastSeq)
		}
		lastSeq = e.Sequence

		switch e.Kind {
		case KindTradeExecuted:
			var p TradeExecutedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, fmt.Errorf("replay: decode TradeExecuted seq=%d: %w", e.Sequence, err)
			}
			st.Equity, _ = equity.Apply(st.Equity, p.RealizedPnL, p.ExecutedAt)
			st.TradeCount++
			st.CumulativePnL = st.CumulativePnL.Add(p.RealizedPnL)
			if st.Status == challenge.StatusPending {
				st.Status = challenge.StatusActive
			}
			if !st.Equity.Current.Equal(p.EquityAfter) {
				return nil, fmt.Errorf("replay: equity diverged at seq=%d: replayed %s, recorded %s",
					e.Sequence, st.Equity.Current, p.EquityAfter)
			}

		case KindStatusChanged:
			var p StatusChangedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, fmt.Errorf("replay: decode StatusChanged seq=%d: %w", e.Sequence, err)
			}
			to, err := challenge.ParseStatus(p.To)
			if err != nil {
				return nil, fmt.Errorf("replay: seq=%d: %w", e.Sequence, err)
			}
			st.Status = to

		case KindTradeRejected:
			// Rejections carry no state change.

		case KindChallengeCreated:
			return nil, fmt.Errorf("replay: duplicate ChallengeCreated at seq=%d", e.Sequence)

		default:
			return nil, fmt.Errorf("replay: unknown event kind %d at seq=%d", e.Kind, e.Sequence)
		}
	}

	return st, nil
}
