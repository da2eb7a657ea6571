package ledger

import (
	"BattleLedger/internal/core"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient wallet balance")
	ErrEscrowShortfall   = errors.New("ledger: escrow cannot cover payout")
)

// Custody is an in-process double-entry custodian. It collects buy payments
// into per-battle escrow and pays out of it, satisfying core.Collector and
// core.Transferrer. Movements are idempotent by ref.
type Custody struct {
	mu        sync.Mutex
	clock     core.Clock
	tracker   *BalanceTracker
	validator *InvariantValidator
	gen       *JournalGenerator
	applied   map[string]struct{}
	batches   []*Batch
	strict    bool
	logger    zerolog.Logger
}

// CustodyConfig configures a Custody.
type CustodyConfig struct {
	// RequireFunds rejects collections the payer's wallet cannot cover.
	// When false, collections draw wallets negative.
	RequireFunds bool
	Clock        core.Clock
	Logger       zerolog.Logger
}

func NewCustody(cfg CustodyConfig) *Custody {
	if cfg.Clock == nil {
		cfg.Clock = core.SystemClock{}
	}
	tracker := NewBalanceTracker()
	return &Custody{
		clock:     cfg.Clock,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		gen:       NewJournalGenerator(1),
		applied:   make(map[string]struct{}),
		strict:    cfg.RequireFunds,
		logger:    cfg.Logger.With().Str("component", "custody").Logger(),
	}
}

// Fund deposits amount into owner's wallet from the external boundary.
func (c *Custody) Fund(ref string, owner, asset common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := "deposit:" + ref
	if _, ok := c.applied[key]; ok {
		return nil
	}
	batch, err := c.gen.GenerateDeposit(ref, owner, asset, amount, c.clock.Now())
	if err != nil {
		return err
	}
	return c.commitLocked(key, batch)
}

// OpenEscrow seeds a battle's escrow with what it held before a restart.
// Only the first call per battle applies; a zero amount is a no-op.
func (c *Custody) OpenEscrow(battleID uint64, asset common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("opening:%d", battleID)
	if _, ok := c.applied[key]; ok {
		return nil
	}
	batch, err := c.gen.GenerateOpening(battleID, asset, amount, c.clock.Now())
	if err != nil {
		return err
	}
	return c.commitLocked(key, batch)
}

// Collect implements core.Collector.
func (c *Custody) Collect(ctx context.Context, col core.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := "collect:" + col.Ref
	if _, ok := c.applied[key]; ok {
		return nil
	}

	if c.strict {
		wallet := WalletAccount(col.From, col.Asset.Token)
		if err := c.tracker.ValidateSufficient(wallet, col.Amount.ToBig()); err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
	}

	batch, err := c.gen.GenerateCollection(col, c.clock.Now())
	if err != nil {
		return err
	}
	return c.commitLocked(key, batch)
}

// Transfer implements core.Transferrer. Escrow never goes negative: a payout
// the battle's escrow cannot cover is refused.
func (c *Custody) Transfer(ctx context.Context, p core.Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := "payout:" + p.ID
	if _, ok := c.applied[key]; ok {
		return nil
	}

	escrow := EscrowAccount(p.BattleID, p.Asset.Token)
	if err := c.tracker.ValidateSufficient(escrow, p.Amount.ToBig()); err != nil {
		c.logger.Error().Str("payout_id", p.ID).Err(err).Msg("escrow shortfall")
		return fmt.Errorf("%w: %v", ErrEscrowShortfall, err)
	}

	batch, err := c.gen.GeneratePayout(p, c.clock.Now())
	if err != nil {
		return err
	}
	return c.commitLocked(key, batch)
}

func (c *Custody) commitLocked(key string, batch *Batch) error {
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		return err
	}
	if err := c.tracker.ApplyBatch(batch); err != nil {
		return err
	}
	c.applied[key] = struct{}{}
	c.batches = append(c.batches, batch)

	j := batch.Journals[0]
	c.logger.Debug().
		Int64("sequence", batch.Sequence).
		Str("ref", batch.EventRef).
		Str("type", j.JournalType.String()).
		Str("debit", j.DebitAccount.AccountPath()).
		Str("credit", j.CreditAccount.AccountPath()).
		Str("amount", j.Amount.Dec()).
		Msg("journal applied")
	return nil
}

// WalletBalance returns owner's balance of asset.
func (c *Custody) WalletBalance(owner, asset common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetBalance(WalletAccount(owner, asset))
}

// EscrowBalance returns what a battle holds in custody.
func (c *Custody) EscrowBalance(battleID uint64, asset common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetBalance(EscrowAccount(battleID, asset))
}

// Batches returns the applied journal batches in sequence order.
func (c *Custody) Batches() []*Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Batch, len(c.batches))
	copy(out, c.batches)
	return out
}

// Validate checks the zero-sum invariant and, in strict mode, that no
// internal account is negative.
func (c *Custody) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if c.strict {
		return c.validator.ValidateInternalNonNegative()
	}
	return nil
}

// Reconcile checks that a battle's escrow equals what the market reports as
// still owed: both pools plus every undelivered payout.
func (c *Custody) Reconcile(battleID uint64, asset common.Address, owed *uint256.Int) error {
	have := c.EscrowBalance(battleID, asset)
	if have.Cmp(owed.ToBig()) != 0 {
		return fmt.Errorf("battle %d escrow %s does not match owed %s", battleID, have, owed.Dec())
	}
	return nil
}
