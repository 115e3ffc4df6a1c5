package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ChallengeEngine/internal/audit"
	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/engine"
	"ChallengeEngine/internal/persistence"
	"ChallengeEngine/internal/trade"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedChallenge(t *testing.T, store engine.Store) *challenge.Challenge {
	t.Helper()

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ch := challenge.New(uuid.New(), challenge.Config{
		StartingCapital:  dec("100000"),
		MaxDailyDrawdown: dec("0.05"),
		MaxTotalDrawdown: dec("0.10"),
		ProfitTarget:     dec("0.10"),
	}, now)

	h := audit.NewChainHasher(ch.ID)
	created, err := audit.New(h, ch.ID, 1, audit.KindChallengeCreated,
		audit.ChallengeCreatedPayload{OwnerID: ch.OwnerID, StartingCapital: ch.Config.StartingCapital},
		"challenge created", now, now)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	ch.EventCount = 1
	ch.LastEventHash = h.Tip()

	if err := store.CreateChallenge(context.Background(), ch, created); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return ch
}

func seedTrade(ch *challenge.Challenge, externalID string, seq int64) *trade.Trade {
	at := ch.CreatedAt.Add(time.Duration(seq) * time.Minute)
	return trade.FromInput(ch.ID, seq, trade.Input{
		ExternalID:  externalID,
		Symbol:      "EURUSD",
		Side:        trade.SideLong,
		Quantity:    dec("1"),
		Price:       dec("1.08"),
		RealizedPnL: dec("100"),
		ExecutedAt:  at,
	}, at)
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := persistence.NewMemoryStore()
	ch := seedChallenge(t, store)

	got, err := store.GetChallenge(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != ch.ID || got.Status != challenge.StatusPending {
		t.Errorf("got %v %s, want %v PENDING", got.ID, got.Status, ch.ID)
	}

	// Duplicate creation is rejected.
	h := audit.NewChainHasher(ch.ID)
	evt, _ := audit.New(h, ch.ID, 1, audit.KindChallengeCreated,
		audit.ChallengeCreatedPayload{}, "", ch.CreatedAt, ch.CreatedAt)
	if err := store.CreateChallenge(context.Background(), ch, evt); !errors.Is(err, engine.ErrChallengeExists) {
		t.Errorf("got %v, want ErrChallengeExists", err)
	}

	if _, err := store.GetChallenge(context.Background(), uuid.New()); !errors.Is(err, engine.ErrChallengeNotFound) {
		t.Errorf("got %v, want ErrChallengeNotFound", err)
	}
}

func TestMemoryStoreStepCommitsAtomically(t *testing.T) {
	store := persistence.NewMemoryStore()
	ch := seedChallenge(t, store)

	err := store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		if err := tx.InsertTrade(seedTrade(ch, "ext-1", 1)); err != nil {
			return err
		}
		c := tx.Challenge()
		c.TradeCount = 1
		return tx.UpdateChallenge(c)
	})
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	got, _ := store.GetChallenge(context.Background(), ch.ID)
	if got.TradeCount != 1 {
		t.Errorf("trade count: got %d, want 1", got.TradeCount)
	}
	if got.Version != ch.Version+1 {
		t.Errorf("version: got %d, want %d", got.Version, ch.Version+1)
	}

	trades, err := store.ListTrades(context.Background(), ch.ID, 0, 0)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 || trades[0].ExternalID != "ext-1" {
		t.Errorf("trades: got %v, want one ext-1", trades)
	}
}

func TestMemoryStoreStepRollsBackOnError(t *testing.T) {
	store := persistence.NewMemoryStore()
	ch := seedChallenge(t, store)

	boom := errors.New("boom")
	err := store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		if err := tx.InsertTrade(seedTrade(ch, "ext-1", 1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("step: got %v, want boom", err)
	}

	trades, _ := store.ListTrades(context.Background(), ch.ID, 0, 0)
	if len(trades) != 0 {
		t.Errorf("aborted step leaked %d trades", len(trades))
	}
	got, _ := store.GetChallenge(context.Background(), ch.ID)
	if got.Version != ch.Version {
		t.Errorf("aborted step bumped version to %d", got.Version)
	}
}

func TestMemoryStoreAppendOnly(t *testing.T) {
	store := persistence.NewMemoryStore()
	ch := seedChallenge(t, store)

	if err := store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		return tx.InsertTrade(seedTrade(ch, "ext-1", 1))
	}); err != nil {
		t.Fatalf("step: %v", err)
	}

	// Reusing an external id or a sequence fails the step.
	err := store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		return tx.InsertTrade(seedTrade(ch, "ext-1", 2))
	})
	if !errors.Is(err, engine.ErrAppendOnly) {
		t.Errorf("duplicate external id: got %v, want ErrAppendOnly", err)
	}

	err = store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		return tx.InsertTrade(seedTrade(ch, "ext-2", 1))
	})
	if !errors.Is(err, engine.ErrAppendOnly) {
		t.Errorf("reused sequence: got %v, want ErrAppendOnly", err)
	}

	// Reusing an event sequence fails the step.
	err = store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		c := tx.Challenge()
		h := audit.ResumeChainHasher(c.LastEventHash)
		evt, err := audit.New(h, c.ID, 1, audit.KindTradeRejected,
			audit.TradeRejectedPayload{Reason: "x"}, "", c.CreatedAt, c.CreatedAt)
		if err != nil {
			return err
		}
		return tx.AppendEvents([]audit.Event{evt})
	})
	if !errors.Is(err, engine.ErrAppendOnly) {
		t.Errorf("reused event sequence: got %v, want ErrAppendOnly", err)
	}
}

func TestMemoryStoreFindTradeSeesBufferedWrites(t *testing.T) {
	store := persistence.NewMemoryStore()
	ch := seedChallenge(t, store)

	err := store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		if found, err := tx.FindTrade("ext-1"); err != nil || found != nil {
			t.Errorf("before insert: got (%v, %v), want (nil, nil)", found, err)
		}
		if err := tx.InsertTrade(seedTrade(ch, "ext-1", 1)); err != nil {
			return err
		}
		found, err := tx.FindTrade("ext-1")
		if err != nil {
			return err
		}
		if found == nil || found.Sequence != 1 {
			t.Errorf("after insert: got %v, want sequence 1", found)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
}

func TestMemoryStoreListPagination(t *testing.T) {
	store := persistence.NewMemoryStore()
	ch := seedChallenge(t, store)

	if err := store.Step(context.Background(), ch.ID, func(tx engine.StepTx) error {
		for seq := int64(1); seq <= 5; seq++ {
			if err := tx.InsertTrade(seedTrade(ch, uuid.NewString(), seq)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("step: %v", err)
	}

	page, err := store.ListTrades(context.Background(), ch.ID, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 3 || page[1].Sequence != 4 {
		t.Errorf("page after seq 2 limit 2: got %v", page)
	}
}
