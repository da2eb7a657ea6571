package query

import (
	"BattleLedger/internal/core"
	"BattleLedger/internal/lifecycle"
	"BattleLedger/internal/projection"
	"BattleLedger/internal/state"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BattleResponse is the live view of one battle.
type BattleResponse struct {
	View     *core.BattleView        `json:"view"`
	Progress *lifecycle.Progress     `json:"progress,omitempty"`
	Stats    *projection.BattleStats `json:"stats,omitempty"`

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// BattleSummary is one row of the battle list.
type BattleSummary struct {
	BattleID      uint64       `json:"battle_id"`
	Phase         string       `json:"phase"`
	StartTime     time.Time    `json:"start_time"`
	EndTime       time.Time    `json:"end_time"`
	Active        bool         `json:"active"`
	WinnerDecided bool         `json:"winner_decided"`
	PoolA         *uint256.Int `json:"pool_a"`
	PoolB         *uint256.Int `json:"pool_b"`
}

// QuoteResponse is what a buy or sell would do right now.
type QuoteResponse struct {
	BattleID    uint64       `json:"battle_id"`
	Side        string       `json:"side"`
	Kind        string       `json:"kind"` // "buy" or "sell"
	Amount      *uint256.Int `json:"amount"`
	Tokens      *uint256.Int `json:"tokens"`
	Gross       *uint256.Int `json:"gross"`
	ArtistFee   *uint256.Int `json:"artist_fee"`
	PlatformFee *uint256.Int `json:"platform_fee"`
	Net         *uint256.Int `json:"net"`
	PoolAfter   *uint256.Int `json:"pool_after"`
	SupplyAfter *uint256.Int `json:"supply_after"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// HolderResponse is one holder's position in a battle.
type HolderResponse struct {
	BattleID uint64         `json:"battle_id"`
	Holder   common.Address `json:"holder"`
	BalanceA *uint256.Int   `json:"balance_a"`
	BalanceB *uint256.Int   `json:"balance_b"`
	Claimed  bool           `json:"claimed"`

	// Claimable is set once the battle is settled; zero after claiming.
	Claimable *uint256.Int `json:"claimable,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// TradeFilter selects trade history. Either Trader or BattleID is required.
type TradeFilter struct {
	Trader         *common.Address
	BattleID       *uint64
	Side           *state.Side // with BattleID only
	Limit          int
	BeforeSequence *int64 // cursor: only trades older than this sequence
}

// TradeHistoryResponse is one page of trades, newest first.
type TradeHistoryResponse struct {
	Trades []projection.TradeRecord `json:"trades"`

	// NextCursor is the sequence to pass as BeforeSequence for the next
	// page, or zero when this page is the last.
	NextCursor   int64 `json:"next_cursor,omitempty"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool             `json:"is_healthy"`
	HashChainBreaks  []int64          `json:"hash_chain_breaks,omitempty"`
	EscrowMismatches []EscrowMismatch `json:"escrow_mismatches,omitempty"`
	LedgerError      string           `json:"ledger_error,omitempty"`
	CheckedBattles   int              `json:"checked_battles"`
}

// EscrowMismatch is a battle whose custody escrow differs from what the
// market owes.
type EscrowMismatch struct {
	BattleID uint64 `json:"battle_id"`
	Detail   string `json:"detail"`
}
