package ledger

import (
	"BattleLedger/internal/core"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator creates balanced journal batches from custody movements
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// GenerateDeposit creates journals for funds entering the system.
// Moves funds: external:deposits → wallet
func (jg *JournalGenerator) GenerateDeposit(
	ref string,
	owner, asset common.Address,
	amount *uint256.Int,
	ts time.Time,
) (*Batch, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("deposit %s: amount must be positive", ref)
	}
	return jg.single(ref, JournalTypeDeposit, WalletAccount(owner, asset), ExternalAccount(asset), amount, ts), nil
}

// GenerateOpening creates journals for escrow carried over from a previous
// process, recovered from the event log.
// Moves funds: external:deposits → escrow:battle
func (jg *JournalGenerator) GenerateOpening(battleID uint64, asset common.Address, amount *uint256.Int, ts time.Time) (*Batch, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("opening balance for battle %d: amount must be positive", battleID)
	}
	ref := fmt.Sprintf("opening:%d", battleID)
	return jg.single(ref, JournalTypeDeposit, EscrowAccount(battleID, asset), ExternalAccount(asset), amount, ts), nil
}

// GenerateCollection creates journals for a buy payment taken into custody.
// Moves funds: wallet → escrow:battle
func (jg *JournalGenerator) GenerateCollection(c core.Collection, ts time.Time) (*Batch, error) {
	if c.Amount == nil || c.Amount.IsZero() {
		return nil, fmt.Errorf("collection %s: amount must be positive", c.Ref)
	}
	asset := c.Asset.Token
	return jg.single(c.Ref, JournalTypeCollect,
		EscrowAccount(c.BattleID, asset),
		WalletAccount(c.From, asset),
		c.Amount, ts), nil
}

// GeneratePayout creates journals for a payout leaving battle custody.
// Moves funds: escrow:battle → wallet
func (jg *JournalGenerator) GeneratePayout(p core.Payout, ts time.Time) (*Batch, error) {
	if p.Amount == nil || p.Amount.IsZero() {
		return nil, fmt.Errorf("payout %s: amount must be positive", p.ID)
	}
	asset := p.Asset.Token
	return jg.single(p.ID, JournalTypePayout,
		WalletAccount(p.Recipient, asset),
		EscrowAccount(p.BattleID, asset),
		p.Amount, ts), nil
}

func (jg *JournalGenerator) single(
	ref string,
	typ JournalType,
	debit, credit AccountKey,
	amount *uint256.Int,
	ts time.Time,
) *Batch {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: ts.UnixMicro(),
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      jg.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			Amount:        new(uint256.Int).Set(amount),
			JournalType:   typ,
			Timestamp:     ts.UnixMicro(),
		}},
	}

	jg.sequence++
	return batch
}

// Sequence returns the next sequence to be assigned.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}
