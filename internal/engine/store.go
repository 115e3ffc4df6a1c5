package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ChallengeEngine/internal/audit"
	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/trade"
)

var (
	// ErrChallengeNotFound means the identifier does not name a challenge.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeExists means a challenge with this id is already stored.
	ErrChallengeExists = errors.New("challenge already exists")

	// ErrLockTimeout means the per-challenge lock could not be acquired within
	// the bounded wait. Retryable by the caller.
	ErrLockTimeout = errors.New("challenge lock acquisition timed out")

	// ErrVersionConflict means the challenge row changed under a writer
	// (compare-and-swap on the version counter failed). Retryable.
	ErrVersionConflict = errors.New("challenge version conflict")

	// ErrAppendOnly marks an attempt to mutate a committed trade or audit
	// event. Always a defect, never retryable.
	ErrAppendOnly = errors.New("trades and audit events are append-only")
)

// Store is the persistence contract for the engine. Implementations must
// make Step atomic: either every write buffered inside fn commits, or none
// does. UpdateChallenge must compare-and-swap on the version loaded into
// the step's challenge and fail with ErrVersionConflict on a mismatch.
type Store interface {
	// CreateChallenge persists a new challenge together with its
	// ChallengeCreated audit event, atomically.
	CreateChallenge(ctx context.Context, ch *challenge.Challenge, created audit.Event) error

	// GetChallenge returns a committed snapshot. Safe to call concurrently
	// with in-flight steps; never observes partial writes.
	GetChallenge(ctx context.Context, id uuid.UUID) (*challenge.Challenge, error)

	// Step runs fn inside one atomic transaction holding the challenge.
	// fn returning an error aborts the transaction with no partial effect.
	Step(ctx context.Context, id uuid.UUID, fn func(tx StepTx) error) error

	// ListEvents returns the ordered audit events for a challenge,
	// sequences strictly ascending, starting after afterSeq. limit <= 0
	// means no limit. Re-iterable without side effects.
	ListEvents(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]audit.Event, error)

	// ListTrades returns the ordered trades for a challenge, starting
	// after afterSeq. limit <= 0 means no limit.
	ListTrades(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]trade.Trade, error)
}

// StepTx is the write surface available inside one atomic step.
type StepTx interface {
	// Challenge returns the working copy loaded under the transaction.
	// Mutations become durable only through UpdateChallenge.
	Challenge() *challenge.Challenge

	// FindTrade looks up a trade by external id for idempotent-replay
	// detection. Returns (nil, nil) when absent.
	FindTrade(externalID string) (*trade.Trade, error)

	// InsertTrade buffers one immutable trade row.
	InsertTrade(t *trade.Trade) error

	// AppendEvents buffers audit events. Append-only: an event sequence
	// already present must fail the step with ErrAppendOnly.
	AppendEvents(events []audit.Event) error

	// UpdateChallenge buffers the challenge mutation, bumping the version.
	UpdateChallenge(ch *challenge.Challenge) error
}
