package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ChallengeEngine/internal/audit"
	"ChallengeEngine/internal/challenge"
	"ChallengeEngine/internal/engine"
	"ChallengeEngine/internal/equity"
	"ChallengeEngine/internal/trade"
)

// PostgresStore is the durable store. Each Step runs in one transaction:
// the challenge row is locked with SELECT ... FOR UPDATE for the duration,
// and the final UPDATE re-checks the version so a stale writer from
// another process fails with ErrVersionConflict instead of clobbering.
// Trades and audit events are append-only; the schema backs that up with
// a mutation-rejecting trigger.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const challengeColumns = `
	id, owner_id, status,
	starting_capital, max_daily_drawdown, max_total_drawdown, profit_target,
	equity_current, equity_peak, day_open_equity, day_peak_equity, day_trough_equity, trading_day,
	trade_count, event_count, cumulative_pnl, last_event_hash,
	version, failure_reason,
	created_at, started_at, ended_at, funded_at, last_trade_at`

func (s *PostgresStore) CreateChallenge(ctx context.Context, ch *challenge.Challenge, created audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO challenge.challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		challengeArgs(ch)...)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrChallengeExists
		}
		return fmt.Errorf("insert challenge: %w", err)
	}

	if err := insertEvents(ctx, tx, []audit.Event{created}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id uuid.UUID) (*challenge.Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenge.challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

func (s *PostgresStore) Step(ctx context.Context, id uuid.UUID, fn func(tx engine.StepTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	row := sqlTx.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM challenge.challenges WHERE id = $1 FOR UPDATE`, id)
	ch, err := scanChallenge(row)
	if err != nil {
		return err
	}

	tx := &pgTx{ctx: ctx, tx: sqlTx, ch: ch, baseVersion: ch.Version}
	if err := fn(tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *PostgresStore) ListEvents(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]audit.Event, error) {
	query := `SELECT id, challenge_id, seq, kind, payload, description,
			occurred_at, recorded_at, state_hash, prev_hash
		FROM challenge.audit_events
		WHERE challenge_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []interface{}{id, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e         audit.Event
			kind      string
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(&e.ID, &e.ChallengeID, &e.Sequence, &kind, &e.Payload,
			&e.Description, &e.OccurredAt, &e.RecordedAt, &stateHash, &prevHash); err != nil {
			return nil, err
		}
		if e.Kind, err = audit.ParseKind(kind); err != nil {
			return nil, err
		}
		copy(e.StateHash[:], stateHash)
		copy(e.PrevHash[:], prevHash)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, id uuid.UUID, afterSeq int64, limit int) ([]trade.Trade, error) {
	query := `SELECT id, challenge_id, external_id, seq, symbol, side,
			quantity, price, realized_pnl, executed_at, recorded_at
		FROM challenge.trades
		WHERE challenge_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []interface{}{id, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// pgTx is the step transaction. Writes execute directly against the SQL
// transaction; atomicity comes from commit/rollback.
type pgTx struct {
	ctx         context.Context
	tx          *sql.Tx
	ch          *challenge.Challenge
	baseVersion int64
}

func (t *pgTx) Challenge() *challenge.Challenge { return t.ch }

func (t *pgTx) FindTrade(externalID string) (*trade.Trade, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT id, challenge_id, external_id, seq, symbol, side,
			quantity, price, realized_pnl, executed_at, recorded_at
		FROM challenge.trades
		WHERE challenge_id = $1 AND external_id = $2`,
		t.ch.ID, externalID)

	tr, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func (t *pgTx) InsertTrade(tr *trade.Trade) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO challenge.trades
		(id, challenge_id, external_id, seq, symbol, side,
			quantity, price, realized_pnl, executed_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.ChallengeID, tr.ExternalID, tr.Sequence, tr.Symbol, tr.Side.String(),
		tr.Quantity, tr.Price, tr.RealizedPnL, tr.ExecutedAt, tr.RecordedAt)
	if isUniqueViolation(err) {
		return engine.ErrAppendOnly
	}
	return err
}

func (t *pgTx) AppendEvents(events []audit.Event) error {
	err := insertEvents(t.ctx, t.tx, events)
	if isUniqueViolation(err) {
		return engine.ErrAppendOnly
	}
	return err
}

// UpdateChallenge commits the mutation with a compare-and-swap on the
// version loaded at the start of the step.
func (t *pgTx) UpdateChallenge(ch *challenge.Challenge) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE challenge.challenges SET
			status = $2, equity_current = $3, equity_peak = $4,
			day_open_equity = $5, day_peak_equity = $6, day_trough_equity = $7, trading_day = $8,
			trade_count = $9, event_count = $10, cumulative_pnl = $11, last_event_hash = $12,
			failure_reason = $13, started_at = $14, ended_at = $15, funded_at = $16, last_trade_at = $17,
			version = version + 1
		WHERE id = $1 AND version = $18`,
		ch.ID, ch.Status.String(), ch.Equity.Current, ch.Equity.Peak,
		ch.Equity.DayOpen, ch.Equity.DayPeak, ch.Equity.DayTrough, ch.Equity.TradingDay,
		ch.TradeCount, ch.EventCount, ch.CumulativePnL, ch.LastEventHash[:],
		ch.FailureReason, ch.StartedAt, ch.EndedAt, ch.FundedAt, ch.LastTradeAt,
		t.baseVersion)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrVersionConflict
	}
	return nil
}

// insertEvents writes audit events with a multi-row INSERT.
func insertEvents(ctx context.Context, tx *sql.Tx, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO challenge.audit_events
		(id, challenge_id, seq, kind, payload, description,
			occurred_at, recorded_at, state_hash, prev_hash)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*10)

	for i, e := range events {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.ID, e.ChallengeID, e.Sequence, e.Kind.String(), []byte(e.Payload),
			e.Description, e.OccurredAt, e.RecordedAt, e.StateHash[:], e.PrevHash[:],
		)
	}

	query += strings.Join(values, ", ")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

func challengeArgs(ch *challenge.Challenge) []interface{} {
	return []interface{}{
		ch.ID, ch.OwnerID, ch.Status.String(),
		ch.Config.StartingCapital, ch.Config.MaxDailyDrawdown, ch.Config.MaxTotalDrawdown, ch.Config.ProfitTarget,
		ch.Equity.Current, ch.Equity.Peak, ch.Equity.DayOpen, ch.Equity.DayPeak, ch.Equity.DayTrough, ch.Equity.TradingDay,
		ch.TradeCount, ch.EventCount, ch.CumulativePnL, ch.LastEventHash[:],
		ch.Version, ch.FailureReason,
		ch.CreatedAt, ch.StartedAt, ch.EndedAt, ch.FundedAt, ch.LastTradeAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChallenge(row rowScanner) (*challenge.Challenge, error) {
	var (
		ch       challenge.Challenge
		status   string
		eq       equity.State
		lastHash []byte
	)
	err := row.Scan(
		&ch.ID, &ch.OwnerID, &status,
		&ch.Config.StartingCapital, &ch.Config.MaxDailyDrawdown, &ch.Config.MaxTotalDrawdown, &ch.Config.ProfitTarget,
		&eq.Current, &eq.Peak, &eq.DayOpen, &eq.DayPeak, &eq.DayTrough, &eq.TradingDay,
		&ch.TradeCount, &ch.EventCount, &ch.CumulativePnL, &lastHash,
		&ch.Version, &ch.FailureReason,
		&ch.CreatedAt, &ch.StartedAt, &ch.EndedAt, &ch.FundedAt, &ch.LastTradeAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	if ch.Status, err = challenge.ParseStatus(status); err != nil {
		return nil, err
	}
	ch.Equity = eq
	copy(ch.LastEventHash[:], lastHash)
	return &ch, nil
}

func scanTrade(row rowScanner) (*trade.Trade, error) {
	var (
		t    trade.Trade
		side string
	)
	err := row.Scan(&t.ID, &t.ChallengeID, &t.ExternalID, &t.Sequence, &t.Symbol, &side,
		&t.Quantity, &t.Price, &t.RealizedPnL, &t.ExecutedAt, &t.RecordedAt)
	if err != nil {
		return nil, err
	}
	if t.Side, err = trade.ParseSide(side); err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Ping verifies connectivity with a bounded wait, used at startup and by
// the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
