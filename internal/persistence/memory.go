// Package persistence provides the engine's store implementations: an
// in-memory store for tests and single-node use, and a Postgres store for
// durable deployments. Both enforce the same contract: atomic steps,
// version compare-and-swap on the challenge row, and append-only trades
// and audit events.
package persistence

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ChallengeEngine/internal/audit"
	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/engine"
	"ChallengeEngine/internal/trade"
)

// MemoryStore keeps all challenge state in process memory. Steps run under
// a store-wide mutex, so within one process the version check can only
// fail if a caller bypasses Step; it is still enforced so the contract is
// identical to the Postgres store.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[uuid.UUID]*memRecord
}

type memRecord struct {
	ch     *challenge.Challenge
	trades []trade.Trade
	byExt  map[string]int // external id -> index into trades
	events []audit.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[uuid.UUID]*memRecord)}
}

func (s *MemoryStore) CreateChallenge(ctx context.Context, ch *challenge.Challenge, created audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[ch.ID]; ok {
		return engine.ErrChallengeExists
	}
	s.challenges[ch.ID] = &memRecord{
		ch:     ch.Clone(),
		byExt:  make(map[string]int),
		events: []audit.Event{created},
	}
	return nil
}

func (s *MemoryStore) GetChallenge(ctx context.Context, id uuid.UUID) (*challenge.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.challenges[id]
	if !ok {
		return nil, engine.ErrChallengeNotFound
	}
	return rec.ch.Clone(), nil
}

// Step runs fn against a buffered transaction. Nothing touches the record
// until fn returns nil; an error discards every buffered write.
func (s *MemoryStore) Step(ctx context.Context, id uuid.UUID, fn func(tx engine.StepTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.challenges[id]
	if !ok {
		return engine.ErrChallengeNotFound
	}

	tx := &memTx{
		rec:         rec,
		ch:          rec.ch.Clone(),
		baseVersion: rec.ch.Version,
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) ListEvents(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.challenges[id]
	if !ok {
		return nil, engine.ErrChallengeNotFound
	}

	out := make([]audit.Event, 0, len(rec.events))
	for _, e := range rec.events {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTrades(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]trade.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.challenges[id]
	if !ok {
		return nil, engine.ErrChallengeNotFound
	}

	out := make([]trade.Trade, 0, len(rec.trades))
	for _, t := range rec.trades {
		if t.Sequence <= afterSeq {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// memTx buffers the writes of one step.
type memTx struct {
	rec         *memRecord
	ch          *challenge.Challenge
	baseVersion int64

	newTrades []trade.Trade
	newEvents []audit.Event
	updated   *challenge.Challenge
}

func (tx *memTx) Challenge() *challenge.Challenge { return tx.ch }

func (tx *memTx) FindTrade(externalID string) (*trade.Trade, error) {
	if i, ok := tx.rec.byExt[externalID]; ok {
		t := tx.rec.trades[i]
		return &t, nil
	}
	for _, t := range tx.newTrades {
		if t.ExternalID == externalID {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memTx) InsertTrade(t *trade.Trade) error {
	if _, ok := tx.rec.byExt[t.ExternalID]; ok {
		return engine.ErrAppendOnly
	}
	last := int64(0)
	if n := len(tx.rec.trades); n > 0 {
		last = tx.rec.trades[n-1].Sequence
	}
	if n := len(tx.newTrades); n > 0 {
		last = tx.newTrades[n-1].Sequence
	}
	if t.Sequence <= last {
		return engine.ErrAppendOnly
	}
	tx.newTrades = append(tx.newTrades, *t)
	return nil
}

func (tx *memTx) AppendEvents(events []audit.Event) error {
	last := int64(0)
	if n := len(tx.rec.events); n > 0 {
		last = tx.rec.events[n-1].Sequence
	}
	if n := len(tx.newEvents); n > 0 {
		last = tx.newEvents[n-1].Sequence
	}
	for _, e := range events {
		if e.Sequence <= last {
			return engine.ErrAppendOnly
		}
		last = e.Sequence
		tx.newEvents = append(tx.newEvents, e)
	}
	return nil
}

func (tx *memTx) UpdateChallenge(ch *challenge.Challenge) error {
	tx.updated = ch.Clone()
	return nil
}

func (tx *memTx) commit() error {
	if tx.rec.ch.Version != tx.baseVersion {
		return engine.ErrVersionConflict
	}
	for _, t := range tx.newTrades {
		tx.rec.byExt[t.ExternalID] = len(tx.rec.trades)
		tx.rec.trades = append(tx.rec.trades, t)
	}
	tx.rec.events = append(tx.rec.events, tx.newEvents...)
	if tx.updated != nil {
		tx.updated.Version = tx.baseVersion + 1
		tx.rec.ch = tx.updated
	}
	return nil
}
