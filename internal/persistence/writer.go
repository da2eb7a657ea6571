package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and their ledger rows to Postgres using
// multi-row INSERTs. Every statement is idempotent so a retried batch is
// harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	BattleID       int64
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// BattleRow represents a row in ledger.battles at creation.
type BattleRow struct {
	BattleID     int64
	StartTime    time.Time
	EndTime      time.Time
	ParticipantA string
	ParticipantB string
	PayoutA      string
	PayoutB      string
	Asset        string
	CreatedAt    time.Time
}

// SettlementRow is the settlement update applied to ledger.battles.
type SettlementRow struct {
	BattleID   int64
	Winner     string
	LoserPool  string
	FinalPoolA string
	FinalPoolB string
	SettledAt  time.Time
}

// TradeRow represents a row in ledger.trades. Amounts are decimal strings.
type TradeRow struct {
	TradeID       string
	RequestID     string
	BattleID      int64
	Side          string
	Kind          string
	Trader        string
	Tokens        string
	Gross         string
	ArtistFee     string
	PlatformFee   string
	Net           string
	Dust          string
	PoolAfter     string
	SupplyAfter   string
	TradeSequence int64
	Hash          []byte
	ExecutedAt    time.Time
}

// PayoutRow represents the latest state of a row in ledger.payouts.
type PayoutRow struct {
	PayoutID  string
	BattleID  int64
	Kind      string
	Recipient string
	Asset     string
	Amount    string
	Status    string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// ClaimRow represents a row in ledger.claims.
type ClaimRow struct {
	BattleID  int64
	Holder    string
	TokensA   string
	TokensB   string
	ShareA    string
	ShareB    string
	Amount    string
	ClaimedAt time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB returns the underlying handle.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteRecords writes one batch inside tx. Battles precede the trades and
// claims that reference them.
func (w *EventLogWriter) WriteRecords(ctx context.Context, tx execer, r *Records) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"events", func() error { return w.WriteEventBatch(ctx, tx, r.Events) }},
		{"battles", func() error { return w.WriteBattleBatch(ctx, tx, r.Battles) }},
		{"trades", func() error { return w.WriteTradeBatch(ctx, tx, r.Trades) }},
		{"settlements", func() error { return w.WriteSettlements(ctx, tx, r.Settlements) }},
		{"claims", func() error { return w.WriteClaimBatch(ctx, tx, r.Claims) }},
		{"payouts", func() error { return w.WritePayoutBatch(ctx, tx, r.PayoutRows()) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("write %s: %w", s.name, err)
		}
	}
	return nil
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, len(events)*8)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.BattleID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query := buildInsert(
		"event_log.events",
		[]string{"sequence", "event_type", "idempotency_key", "battle_id", "payload", "state_hash", "prev_hash", "timestamp"},
		len(events),
		"ON CONFLICT DO NOTHING", // Idempotent writes
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteBattleBatch inserts newly created battles.
func (w *EventLogWriter) WriteBattleBatch(ctx context.Context, tx execer, battles []BattleRow) error {
	if len(battles) == 0 {
		return nil
	}

	args := make([]any, 0, len(battles)*9)
	for _, b := range battles {
		args = append(args,
			b.BattleID, b.StartTime, b.EndTime, b.ParticipantA, b.ParticipantB,
			b.PayoutA, b.PayoutB, b.Asset, b.CreatedAt,
		)
	}

	query := buildInsert(
		"ledger.battles",
		[]string{"battle_id", "start_time", "end_time", "participant_a", "participant_b", "payout_a", "payout_b", "asset", "created_at"},
		len(battles),
		"ON CONFLICT (battle_id) DO NOTHING",
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTradeBatch inserts executed trades.
func (w *EventLogWriter) WriteTradeBatch(ctx context.Context, tx execer, trades []TradeRow) error {
	if len(trades) == 0 {
		return nil
	}

	args := make([]any, 0, len(trades)*17)
	for _, t := range trades {
		args = append(args,
			t.TradeID, t.RequestID, t.BattleID, t.Side, t.Kind, t.Trader,
			t.Tokens, t.Gross, t.ArtistFee, t.PlatformFee, t.Net, t.Dust,
			t.PoolAfter, t.SupplyAfter, t.TradeSequence, t.Hash, t.ExecutedAt,
		)
	}

	query := buildInsert(
		"ledger.trades",
		[]string{
			"trade_id", "request_id", "battle_id", "side", "kind", "trader",
			"tokens", "gross", "artist_fee", "platform_fee", "net", "dust",
			"pool_after", "supply_after", "trade_sequence", "hash", "executed_at",
		},
		len(trades),
		"ON CONFLICT (trade_id) DO NOTHING",
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlements marks battles settled. At most one per battle ever.
func (w *EventLogWriter) WriteSettlements(ctx context.Context, tx execer, settlements []SettlementRow) error {
	for _, s := range settlements {
		_, err := tx.ExecContext(ctx, `
			UPDATE ledger.battles
			SET settled = TRUE, winner = $2, loser_pool = $3,
			    final_pool_a = $4, final_pool_b = $5, settled_at = $6
			WHERE battle_id = $1 AND NOT settled
		`, s.BattleID, s.Winner, s.LoserPool, s.FinalPoolA, s.FinalPoolB, s.SettledAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteClaimBatch inserts paid claims.
func (w *EventLogWriter) WriteClaimBatch(ctx context.Context, tx execer, claims []ClaimRow) error {
	if len(claims) == 0 {
		return nil
	}

	args := make([]any, 0, len(claims)*8)
	for _, c := range claims {
		args = append(args,
			c.BattleID, c.Holder, c.TokensA, c.TokensB,
			c.ShareA, c.ShareB, c.Amount, c.ClaimedAt,
		)
	}

	query := buildInsert(
		"ledger.claims",
		[]string{"battle_id", "holder", "tokens_a", "tokens_b", "share_a", "share_b", "amount", "claimed_at"},
		len(claims),
		"ON CONFLICT (battle_id, holder) DO NOTHING",
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WritePayoutBatch upserts payout state. Rows must have distinct ids; a
// later attempt never regresses a row to an older one.
func (w *EventLogWriter) WritePayoutBatch(ctx context.Context, tx execer, payouts []PayoutRow) error {
	if len(payouts) == 0 {
		return nil
	}

	args := make([]any, 0, len(payouts)*10)
	for _, p := range payouts {
		args = append(args,
			p.PayoutID, p.BattleID, p.Kind, p.Recipient, p.Asset,
			p.Amount, p.Status, p.Attempts, p.LastError, p.UpdatedAt,
		)
	}

	query := buildInsert(
		"ledger.payouts",
		[]string{"payout_id", "battle_id", "kind", "recipient", "asset", "amount", "status", "attempts", "last_error", "updated_at"},
		len(payouts),
		`ON CONFLICT (payout_id) DO UPDATE SET
			status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at
		WHERE ledger.payouts.attempts <= EXCLUDED.attempts`,
	)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// buildInsert renders a multi-row INSERT with positional placeholders.
func buildInsert(table string, columns []string, rows int, suffix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	n := len(columns)
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < n; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*n+j+1)
		}
		b.WriteByte(')')
	}
	if suffix != "" {
		b.WriteByte(' ')
		b.WriteString(suffix)
	}
	return b.String()
}
