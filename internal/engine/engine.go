// Package engine orchestrates trade processing for trading challenges:
// it composes the per-challenge lock, the equity ledger, the rules engine
// and the audit log into one atomic step per trade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ChallengeEngine/internal/audit"
	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/equity"
	"ChallengeEngine/internal/observability"
	"ChallengeEngine/internal/rules"
	"ChallengeEngine/internal/trade"
)

// ErrInvalidConfig distinguishes a rejected challenge configuration so the
// payment layer can run its own compensation (refund) policy.
var ErrInvalidConfig = errors.New("invalid challenge configuration")

// ErrInvariantViolation marks a computed state that breaks the challenge
// invariants. Fatal for the step: the transaction is aborted and the error
// surfaces for investigation; it indicates a defect, never bad input.
var ErrInvariantViolation = errors.New("challenge invariant violation")

// Outcome is the named business result of a trade submission. Rejections
// are outcomes, not errors; client retries depend on telling them apart.
type Outcome int32

const (
	// OutcomeApplied means the trade was accepted and committed.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the external trade id was already processed for
	// this challenge; the submission was an idempotent no-op.
	OutcomeDuplicate
	// OutcomeChallengeTerminal means the challenge is FAILED or FUNDED and
	// accepts no further trades. Nothing was written.
	OutcomeChallengeTerminal
	// OutcomeInvalidInput means the submission failed validation. A rejection
	// event is recorded; equity and trades are untouched.
	OutcomeInvalidInput
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "APPLIED"
	case OutcomeDuplicate:
		return "DUPLICATE"
	case OutcomeChallengeTerminal:
		return "CHALLENGE_TERMINAL"
	case OutcomeInvalidInput:
		return "INVALID_INPUT"
	default:
		return "UNKNOWN"
	}
}

// Result is what ProcessTrade hands back. Events contains the audit events
// committed by this step, in order, for the caller to pass to its
// publisher; delivery is the caller's concern and never affects the
// already-committed state.
type Result struct {
	Outcome       Outcome
	Status        challenge.Status
	Equity        equity.State
	TradeSequence int64
	Reason        string
	Events        []audit.Event
}

// StateView is the read-model returned by GetState.
type StateView struct {
	ChallengeID   uuid.UUID
	OwnerID       uuid.UUID
	Status        challenge.Status
	Equity        equity.State
	TradeCount    int64
	CumulativePnL decimal.Decimal
	Version       int64
	StartedAt     *time.Time
	EndedAt       *time.Time
	FundedAt      *time.Time
}

// Options tune the engine. Zero values get sane defaults.
type Options struct {
	// LockTimeout bounds the wait for the per-challenge lock.
	LockTimeout time.Duration
	// MaxClockSkew is how far into the future a trade's execution
	// timestamp may lie relative to the engine clock.
	MaxClockSkew time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

const (
	defaultLockTimeout  = 3 * time.Second
	defaultMaxClockSkew = 5 * time.Second
)

// Engine is the single writer for challenge state. All mutations of a
// challenge's equity, status, trades and audit events flow through it.
type Engine struct {
	store   Store
	locks   *ChallengeLocks
	log     zerolog.Logger
	metrics *observability.Metrics

	lockTimeout  time.Duration
	maxClockSkew time.Duration
	now          func() time.Time
}

func New(store Store, log zerolog.Logger, metrics *observability.Metrics, opts Options) *Engine {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = defaultMaxClockSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:        store,
		locks:        NewChallengeLocks(),
		log:          log,
		metrics:      metrics,
		lockTimeout:  opts.LockTimeout,
		maxClockSkew: opts.MaxClockSkew,
		now:          opts.Now,
	}
}

// CreateChallenge registers a new PENDING challenge for an owner. The
// challenge row and its ChallengeCreated audit event commit atomically.
// Configuration errors come back wrapped in ErrInvalidConfig so the
// payment boundary can distinguish them from infrastructure failures.
func (e *Engine) CreateChallenge(ctx context.Context, owner uuid.UUID, cfg challenge.Config) (*challenge.Challenge, []audit.Event, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	now := e.now()
	ch := challenge.New(owner, cfg, now)

	hasher := audit.NewChainHasher(ch.ID)
	created, err := audit.New(hasher, ch.ID, 1, audit.KindChallengeCreated,
		audit.ChallengeCreatedPayload{
			OwnerID:          owner,
			StartingCapital:  cfg.StartingCapital,
			MaxDailyDrawdown: cfg.MaxDailyDrawdown,
			MaxTotalDrawdown: cfg.MaxTotalDrawdown,
			ProfitTarget:     cfg.ProfitTarget,
		},
		fmt.Sprintf("challenge created with starting capital %s", cfg.StartingCapital),
		now, now)
	if err != nil {
		return nil, nil, err
	}
	ch.EventCount = 1
	ch.LastEventHash = hasher.Tip()

	if err := e.store.CreateChallenge(ctx, ch, created); err != nil {
		return nil, nil, fmt.Errorf("create challenge: %w", err)
	}

	if e.metrics != nil {
		e.metrics.ChallengesCreated.Inc()
		e.metrics.AuditEventsAppended.WithLabelValues(created.Kind.String()).Inc()
	}
	e.log.Info().
		Str("challenge_id", ch.ID.String()).
		Str("owner_id", owner.String()).
		Str("starting_capital", cfg.StartingCapital.String()).
		Msg("challenge created")

	return ch, []audit.Event{created}, nil
}

// ProcessTrade evaluates one trade submission against a challenge: it
// acquires the per-challenge lock, applies the trade to the equity ledger,
// runs the rules, transitions the lifecycle if a verdict demands it, and
// appends the audit events, all in a single atomic step. Rejections are
// reported as named outcomes; only contention and defects return errors.
func (e *Engine) ProcessTrade(ctx context.Context, challengeID uuid.UUID, in trade.Input) (*Result, error) {
	start := time.Now()

	release, err := e.locks.Acquire(ctx, challengeID, e.lockTimeout)
	if err != nil {
		if e.metrics != nil && errors.Is(err, ErrLockTimeout) {
			e.metrics.LockTimeouts.Inc()
		}
		return nil, err
	}
	defer release()
	if e.metrics != nil {
		e.metrics.LockWait.Observe(time.Since(start).Seconds())
	}

	var res *Result
	err = e.store.Step(ctx, challengeID, func(tx StepTx) error {
		var stepErr error
		res, stepErr = e.step(tx, in)
		return stepErr
	})
	if err != nil {
		if e.metrics != nil && errors.Is(err, ErrVersionConflict) {
			e.metrics.VersionConflicts.Inc()
		}
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TradesProcessed.WithLabelValues(res.Outcome.String()).Inc()
		e.metrics.TradeDuration.Observe(time.Since(start).Seconds())
		for _, evt := range res.Events {
			e.metrics.AuditEventsAppended.WithLabelValues(evt.Kind.String()).Inc()
		}
	}
	e.log.Info().
		Str("challenge_id", challengeID.String()).
		Str("external_id", in.ExternalID).
		Str("outcome", res.Outcome.String()).
		Str("status", res.Status.String()).
		Str("equity", res.Equity.Current.String()).
		Msg("trade processed")

	return res, nil
}

// step is the body of the atomic trade-processing transaction.
func (e *Engine) step(tx StepTx, in trade.Input) (*Result, error) {
	ch := tx.Challenge()
	now := e.now()

	// Terminal challenges accept nothing, not even a rejection event,
	// since terminal state is immutable.
	if ch.Status.Terminal() {
		return &Result{
			Outcome: OutcomeChallengeTerminal,
			Status:  ch.Status,
			Equity:  ch.Equity,
			Reason:  fmt.Sprintf("challenge is %s", ch.Status),
		}, nil
	}

	if err := in.Validate(now, e.maxClockSkew); err != nil {
		return e.reject(tx, ch, in, err.Error(), now)
	}

	// Idempotent replay: a known external id is a no-op. This check runs
	// before the ordering check; a resubmitted trade necessarily executes
	// before the recorded time of the latest trade.
	existing, err := tx.FindTrade(in.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Result{
			Outcome:       OutcomeDuplicate,
			Status:        ch.Status,
			Equity:        ch.Equity,
			TradeSequence: existing.Sequence,
			Reason:        "external trade id already processed",
		}, nil
	}

	if ch.LastTradeAt != nil && in.ExecutedAt.Before(*ch.LastTradeAt) {
		return e.reject(tx, ch, in,
			fmt.Sprintf("execution timestamp precedes previous trade's recorded time %s",
				ch.LastTradeAt.UTC().Format(time.RFC3339Nano)), now)
	}

	// Advance the equity ledger.
	before := ch.Equity.Current
	newEquity, rolled := equity.Apply(ch.Equity, in.RealizedPnL, in.ExecutedAt)
	if err := newEquity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	seq := ch.TradeCount + 1
	rec := trade.FromInput(ch.ID, seq, in, now)
	if err := tx.InsertTrade(rec); err != nil {
		return nil, err
	}

	ch.Equity = newEquity
	ch.TradeCount = seq
	ch.CumulativePnL = ch.CumulativePnL.Add(in.RealizedPnL)
	ch.LastTradeAt = &rec.RecordedAt

	// Lifecycle: first accepted trade activates, then the verdict may
	// terminate. Failure verdicts pre-empt the profit target by rule order.
	type transition struct {
		from, to challenge.Status
		reason   string
	}
	var transitions []transition

	if ch.Status == challenge.StatusPending {
		if err := ch.Activate(rec.ExecutedAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, transition{challenge.StatusPending, challenge.StatusActive, "first trade accepted"})
	}

	verdict := rules.Evaluate(ch.Config, ch.Equity)
	switch verdict {
	case rules.VerdictDailyDrawdown, rules.VerdictTotalDrawdown:
		if err := ch.Fail(verdict.String(), rec.ExecutedAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, transition{challenge.StatusActive, challenge.StatusFailed, verdict.String()})
	case rules.VerdictProfitTarget:
		if err := ch.Fund(rec.ExecutedAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, transition{challenge.StatusActive, challenge.StatusFunded, verdict.String()})
	case rules.VerdictNone:
		// Challenge stays ACTIVE.
	}

	// Audit trail: one TradeExecuted, plus one StatusChanged per transition.
	hasher := audit.ResumeChainHasher(ch.LastEventHash)
	events := make([]audit.Event, 0, 1+len(transitions))

	evt, err := audit.New(hasher, ch.ID, ch.EventCount+1, audit.KindTradeExecuted,
		audit.TradeExecutedPayload{
			TradeID:       rec.ID,
			ExternalID:    rec.ExternalID,
			TradeSequence: rec.Sequence,
			Symbol:        rec.Symbol,
			Side:          rec.Side.String(),
			Quantity:      rec.Quantity,
			Price:         rec.Price,
			RealizedPnL:   rec.RealizedPnL,
			ExecutedAt:    rec.ExecutedAt,
			EquityBefore:  before,
			EquityAfter:   ch.Equity.Current,
			DayOpenEquity: ch.Equity.DayOpen,
			PeakEquity:    ch.Equity.Peak,
			DayRolledOver: rolled,
			Verdict:       verdict.String(),
		},
		fmt.Sprintf("trade %s executed: equity %s -> %s", rec.ExternalID, before, ch.Equity.Current),
		rec.ExecutedAt, now)
	if err != nil {
		return nil, err
	}
	events = append(events, evt)

	for _, tr := range transitions {
		evt, err := audit.New(hasher, ch.ID, ch.EventCount+int64(len(events))+1, audit.KindStatusChanged,
			audit.StatusChangedPayload{
				From:               tr.from.String(),
				To:                 tr.to.String(),
				Reason:             tr.reason,
				CurrentEquity:      ch.Equity.Current,
				DayOpenEquity:      ch.Equity.DayOpen,
				PeakEquity:         ch.Equity.Peak,
				StartingCapital:    ch.Config.StartingCapital,
				DailyDrawdownLimit: ch.Config.MaxDailyDrawdown,
				TotalDrawdownLimit: ch.Config.MaxTotalDrawdown,
				ProfitTarget:       ch.Config.ProfitTarget,
			},
			fmt.Sprintf("status %s -> %s: %s", tr.from, tr.to, tr.reason),
			rec.ExecutedAt, now)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	ch.EventCount += int64(len(events))
	ch.LastEventHash = hasher.Tip()

	if err := tx.AppendEvents(events); err != nil {
		return nil, err
	}
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if err := tx.UpdateChallenge(ch); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		for _, tr := range transitions {
			e.metrics.StatusTransitions.WithLabelValues(tr.from.String(), tr.to.String()).Inc()
		}
	}

	return &Result{
		Outcome:       OutcomeApplied,
		Status:        ch.Status,
		Equity:        ch.Equity,
		TradeSequence: seq,
		Reason:        verdict.String(),
		Events:        events,
	}, nil
}

// reject records an invalid submission as a TradeRejected audit event
// without touching equity or trades.
func (e *Engine) reject(tx StepTx, ch *challenge.Challenge, in trade.Input, reason string, now time.Time) (*Result, error) {
	hasher := audit.ResumeChainHasher(ch.LastEventHash)
	evt, err := audit.New(hasher, ch.ID, ch.EventCount+1, audit.KindTradeRejected,
		audit.TradeRejectedPayload{
			ExternalID: in.ExternalID,
			Symbol:     in.Symbol,
			Reason:     reason,
		},
		fmt.Sprintf("trade rejected: %s", reason),
		now, now)
	if err != nil {
		return nil, err
	}

	ch.EventCount++
	ch.LastEventHash = hasher.Tip()

	if err := tx.AppendEvents([]audit.Event{evt}); err != nil {
		return nil, err
	}
	if err := tx.UpdateChallenge(ch); err != nil {
		return nil, err
	}

	return &Result{
		Outcome: OutcomeInvalidInput,
		Status:  ch.Status,
		Equity:  ch.Equity,
		Reason:  reason,
		Events:  []audit.Event{evt},
	}, nil
}

// GetState returns the committed state of a challenge. Safe to call
// concurrently with in-flight ProcessTrade steps; readers see the last
// committed snapshot, never a partially applied step.
func (e *Engine) GetState(ctx context.Context, id uuid.UUID) (*StateView, error) {
	ch, err := e.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StateView{
		ChallengeID:   ch.ID,
		OwnerID:       ch.OwnerID,
		Status:        ch.Status,
		Equity:        ch.Equity,
		TradeCount:    ch.TradeCount,
		CumulativePnL: ch.CumulativePnL,
		Version:       ch.Version,
		StartedAt:     ch.StartedAt,
		EndedAt:       ch.EndedAt,
		FundedAt:      ch.FundedAt,
	}, nil
}

// ReplayEvents returns the full ordered audit event sequence for a
// challenge. Used by audit reconstruction and the advisory risk scorer;
// restartable and side-effect free.
func (e *Engine) ReplayEvents(ctx context.Context, id uuid.UUID) ([]audit.Event, error) {
	if e.metrics != nil {
		e.metrics.ReplayRequests.Inc()
	}
	return e.store.ListEvents(ctx, id, 0, 0)
}

// VerifyAuditChain recomputes the hash chain over a challenge's full event
// log and reports the first tampered sequence, or -1 when intact.
func (e *Engine) VerifyAuditChain(ctx context.Context, id uuid.UUID) (int, error) {
	events, err := e.store.ListEvents(ctx, id, 0, 0)
	if err != nil {
		return 0, err
	}
	broken := audit.VerifyChain(id, events)
	if broken >= 0 && e.metrics != nil {
		e.metrics.ChainVerifyFailures.Inc()
	}
	return broken, nil
}
