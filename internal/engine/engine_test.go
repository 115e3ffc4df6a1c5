package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
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

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// testClock is a settable clock for deterministic timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*engine.Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: baseTime}
	eng := engine.New(persistence.NewMemoryStore(), zerolog.Nop(), nil, engine.Options{
		LockTimeout:  time.Second,
		MaxClockSkew: 5 * time.Second,
		Now:          clock.Now,
	})
	return eng, clock
}

func standardConfig() challenge.Config {
	return challenge.Config{
		StartingCapital:  dec("100000"),
		MaxDailyDrawdown: dec("0.05"),
		MaxTotalDrawdown: dec("0.10"),
		ProfitTarget:     dec("0.10"),
	}
}

func tradeInput(externalID, pnl string, executedAt time.Time) trade.Input {
	return trade.Input{
		ExternalID:  externalID,
		Symbol:      "EURUSD",
		Side:        trade.SideLong,
		Quantity:    dec("1"),
		Price:       dec("1.08"),
		RealizedPnL: dec(pnl),
		ExecutedAt:  executedAt,
	}
}

func mustCreate(t *testing.T, eng *engine.Engine) *challenge.Challenge {
	t.Helper()
	ch, events, err := eng.CreateChallenge(context.Background(), uuid.New(), standardConfig())
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if len(events) != 1 || events[0].Kind != audit.KindChallengeCreated {
		t.Fatalf("creation events: got %v, want one ChallengeCreated", events)
	}
	return ch
}

func TestCreateChallengeRejectsInvalidConfig(t *testing.T) {
	eng, _ := newTestEngine(t)

	cfg := standardConfig()
	cfg.MaxDailyDrawdown = dec("1.5")

	_, _, err := eng.CreateChallenge(context.Background(), uuid.New(), cfg)
	if !errors.Is(err, engine.ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestCreateChallengeStartsPending(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	st, err := eng.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.Status != challenge.StatusPending {
		t.Errorf("status: got %s, want PENDING", st.Status)
	}
	if !st.Equity.Current.Equal(dec("100000")) {
		t.Errorf("equity: got %s, want 100000", st.Equity.Current)
	}
	if st.TradeCount != 0 {
		t.Errorf("trade count: got %d, want 0", st.TradeCount)
	}
}

func TestFirstTradeActivatesChallenge(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	res, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "500", baseTime))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Outcome != engine.OutcomeApplied {
		t.Fatalf("outcome: got %s, want APPLIED", res.Outcome)
	}
	if res.Status != challenge.StatusActive {
		t.Errorf("status: got %s, want ACTIVE", res.Status)
	}
	if res.TradeSequence != 1 {
		t.Errorf("trade sequence: got %d, want 1", res.TradeSequence)
	}

	// One TradeExecuted plus the PENDING -> ACTIVE transition.
	if len(res.Events) != 2 {
		t.Fatalf("events: got %d, want 2", len(res.Events))
	}
	if res.Events[0].Kind != audit.KindTradeExecuted {
		t.Errorf("first event: got %s, want TradeExecuted", res.Events[0].Kind)
	}
	if res.Events[1].Kind != audit.KindStatusChanged {
		t.Errorf("second event: got %s, want StatusChanged", res.Events[1].Kind)
	}
}

func TestDailyDrawdownFailsChallenge(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	// 100000 -> 94000 on a 5% daily limit: 6000 > 5000, challenge fails.
	res, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "-6000", baseTime))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Status != challenge.StatusFailed {
		t.Errorf("status: got %s, want FAILED", res.Status)
	}
	if res.Reason != "DAILY_DRAWDOWN_EXCEEDED" {
		t.Errorf("reason: got %q, want DAILY_DRAWDOWN_EXCEEDED", res.Reason)
	}

	st, err := eng.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.EndedAt == nil {
		t.Error("failed challenge has no end timestamp")
	}
}

func TestExactDrawdownBoundaryDoesNotFail(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	// Exactly 5% down: strict comparison, challenge survives.
	res, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "-5000", baseTime))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Status != challenge.StatusActive {
		t.Errorf("status: got %s, want ACTIVE at exact boundary", res.Status)
	}
	if !res.Equity.Current.Equal(dec("95000")) {
		t.Errorf("equity: got %s, want 95000", res.Equity.Current)
	}
}

func TestProfitTargetExactlyReachedFunds(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	// Exactly +10%: inclusive comparison, challenge is funded.
	res, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "10000", baseTime))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Status != challenge.StatusFunded {
		t.Errorf("status: got %s, want FUNDED", res.Status)
	}

	st, err := eng.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.FundedAt == nil {
		t.Error("funded challenge has no funding timestamp")
	}
}

func TestTerminalChallengeRejectsFurtherTrades(t *testing.T) {
	eng, clock := newTestEngine(t)
	ch := mustCreate(t, eng)

	if _, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "-6000", baseTime)); err != nil {
		t.Fatalf("process trade: %v", err)
	}

	before, _ := eng.GetState(context.Background(), ch.ID)

	clock.Advance(time.Minute)
	res, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-2", "50000", clock.Now()))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Outcome != engine.OutcomeChallengeTerminal {
		t.Errorf("outcome: got %s, want CHALLENGE_TERMINAL", res.Outcome)
	}
	if len(res.Events) != 0 {
		t.Errorf("terminal rejection wrote %d events, want 0", len(res.Events))
	}

	// Nothing about the challenge moved: no trade, no event, no version bump.
	after, _ := eng.GetState(context.Background(), ch.ID)
	if after.TradeCount != before.TradeCount {
		t.Errorf("trade count moved: %d -> %d", before.TradeCount, after.TradeCount)
	}
	if after.Version != before.Version {
		t.Errorf("version moved: %d -> %d", before.Version, after.Version)
	}
	if !after.Equity.Current.Equal(before.Equity.Current) {
		t.Errorf("equity moved: %s -> %s", before.Equity.Current, after.Equity.Current)
	}
}

func TestDuplicateExternalIDIsNoOp(t *testing.T) {
	eng, clock := newTestEngine(t)
	ch := mustCreate(t, eng)

	first, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "500", baseTime))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}

	// Redelivery of the same submission, even much later.
	clock.Advance(time.Hour)
	dup, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "500", baseTime))
	if err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if dup.Outcome != engine.OutcomeDuplicate {
		t.Errorf("outcome: got %s, want DUPLICATE", dup.Outcome)
	}
	if dup.TradeSequence != first.TradeSequence {
		t.Errorf("duplicate points at sequence %d, want %d", dup.TradeSequence, first.TradeSequence)
	}
	if !dup.Equity.Current.Equal(first.Equity.Current) {
		t.Errorf("duplicate changed equity: %s -> %s", first.Equity.Current, dup.Equity.Current)
	}

	st, _ := eng.GetState(context.Background(), ch.ID)
	if st.TradeCount != 1 {
		t.Errorf("trade count: got %d, want 1", st.TradeCount)
	}
}

func TestInvalidInputRecordsRejectionEvent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	in := tradeInput("ext-bad", "100", baseTime)
	in.Quantity = decimal.Zero

	res, err := eng.ProcessTrade(context.Background(), ch.ID, in)
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Outcome != engine.OutcomeInvalidInput {
		t.Fatalf("outcome: got %s, want INVALID_INPUT", res.Outcome)
	}
	if len(res.Events) != 1 || res.Events[0].Kind != audit.KindTradeRejected {
		t.Fatalf("events: got %v, want one TradeRejected", res.Events)
	}

	// Rejection does not touch equity, trades, or the lifecycle.
	st, _ := eng.GetState(context.Background(), ch.ID)
	if st.Status != challenge.StatusPending {
		t.Errorf("status: got %s, want PENDING", st.Status)
	}
	if st.TradeCount != 0 {
		t.Errorf("trade count: got %d, want 0", st.TradeCount)
	}
	if !st.Equity.Current.Equal(dec("100000")) {
		t.Errorf("equity: got %s, want 100000", st.Equity.Current)
	}
}

func TestExecutionTimestampCannotRegress(t *testing.T) {
	eng, clock := newTestEngine(t)
	ch := mustCreate(t, eng)

	if _, err := eng.ProcessTrade(context.Background(), ch.ID, tradeInput("ext-1", "100", baseTime)); err != nil {
		t.Fatalf("process trade: %v", err)
	}

	clock.Advance(time.Minute)
	res, err := eng.ProcessTrade(context.Background(), ch.ID,
		tradeInput("ext-2", "100", baseTime.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Outcome != engine.OutcomeInvalidInput {
		t.Errorf("outcome: got %s, want INVALID_INPUT for regressed timestamp", res.Outcome)
	}
}

func TestExecutionTimestampBeyondClockSkewRejected(t *testing.T) {
	eng, clock := newTestEngine(t)
	ch := mustCreate(t, eng)

	res, err := eng.ProcessTrade(context.Background(), ch.ID,
		tradeInput("ext-1", "100", clock.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("process trade: %v", err)
	}
	if res.Outcome != engine.OutcomeInvalidInput {
		t.Errorf("outcome: got %s, want INVALID_INPUT for future timestamp", res.Outcome)
	}
}

func TestConcurrentTradesSerializeWithoutLoss(t *testing.T) {
	eng, _ := newTestEngine(t)
	ch := mustCreate(t, eng)

	// Two concurrent submissions race; both must apply with distinct
	// sequence numbers and both P&Ls reflected in final equity.
	var wg sync.WaitGroup
	results := make([]*engine.Result, 2)
	inputs := []trade.Input{
		tradeInput("ext-a", "1000", baseTime),
		tradeInput("ext-b", "2000", baseTime),
	}

	for i := range inputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.ProcessTrade(context.Background(), ch.ID, inputs[i])
			if err != nil {
				t.Errorf("process trade %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if results[0] == nil || results[1] == nil {
		t.Fatal("a trade did not complete")
	}
	seqs := map[int64]bool{results[0].TradeSequence: true, results[1].TradeSequence: true}
	if !seqs[1] || !seqs[2] {
		t.Errorf("trade sequences: got %d and %d, want 1 and 2",
			results[0].TradeSequence, results[1].TradeSequence)
	}

	st, _ := eng.GetState(context.Background(), ch.ID)
	if !st.Equity.Current.Equal(dec("103000")) {
		t.Errorf("final equity: got %s, want 103000", st.Equity.Current)
	}
	if st.TradeCount != 2 {
		t.Errorf("trade count: got %d, want 2", st.TradeCount)
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	eng, clock := newTestEngine(t)
	ch := mustCreate(t, eng)

	pnls := []string{"1500", "-2200", "3000", "-800"}
	for i, pnl := range pnls {
		clock.Advance(time.Minute)
		in := tradeInput(uuid.NewString(), pnl, clock.Now())
		res, err := eng.ProcessTrade(context.Background(), ch.ID, in)
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		if res.Outcome != engine.OutcomeApplied {
			t.Fatalf("trade %d outcome: got %s, want APPLIED", i, res.Outcome)
		}
	}

	events, err := eng.ReplayEvents(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("replay events: %v", err)
	}

	replayed, err := audit.Replay(events)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	live, err := eng.GetState(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}

	if replayed.Status != live.Status {
		t.Errorf("status: replayed %s, live %s", replayed.Status, live.Status)
	}
	if !replayed.Equity.Current.Equal(live.Equity.Current) {
		t.Errorf("equity: replayed %s, live %s", replayed.Equity.Current, live.Equity.Current)
	}
	if replayed.TradeCount != live.TradeCount {
		t.Errorf("trade count: replayed %d, live %d", replayed.TradeCount, live.TradeCount)
	}
	if !replayed.CumulativePnL.Equal(live.CumulativePnL) {
		t.Errorf("cumulative pnl: replayed %s, live %s", replayed.CumulativePnL, live.CumulativePnL)
	}
}

func TestVerifyAuditChainEndToEnd(t *testing.T) {
	eng, clock := newTestEngine(t)
	ch := mustCreate(t, eng)

	for i, pnl := range []string{"1000", "-500", "10000"} {
		clock.Advance(time.Minute)
		if _, err := eng.ProcessTrade(context.Background(), ch.ID,
			tradeInput(uuid.NewString(), pnl, clock.Now())); err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
	}

	broken, err := eng.VerifyAuditChain(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if broken != -1 {
		t.Errorf("chain broken at %d, want intact", broken)
	}
}

func TestGetStateUnknownChallenge(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.GetState(context.Background(), uuid.New())
	if !errors.Is(err, engine.ErrChallengeNotFound) {
		t.Errorf("got %v, want ErrChallengeNotFound", err)
	}
}
