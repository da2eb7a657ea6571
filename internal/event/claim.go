package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ClaimPaid records a holder's one-time post-settlement withdrawal.
// Idempotency key: "claim:{battle_id}:{holder}".
type ClaimPaid struct {
	BattleID  uint64
	Holder    common.Address
	TokensA   *uint256.Int
	TokensB   *uint256.Int
	ShareA    *uint256.Int
	ShareB    *uint256.Int
	Amount    *uint256.Int
	Timestamp time.Time
}

func (c *ClaimPaid) IdempotencyKey() string {
	return fmt.Sprintf("claim:%d:%s", c.BattleID, c.Holder.Hex())
}

func (c *ClaimPaid) EventType() EventType {
	return EventTypeClaimPaid
}

func (c *ClaimPaid) Battle() uint64 {
	return c.BattleID
}

// PayoutStatus is the delivery state of one outgoing transfer
type PayoutStatus int32

const (
	PayoutPending PayoutStatus = iota
	PayoutSent
	PayoutFailed
)

func (s PayoutStatus) String() string {
	switch s {
	case PayoutSent:
		return "sent"
	case PayoutFailed:
		return "failed"
	default:
		return "pending"
	}
}

// PayoutUpdated is emitted whenever a payout attempt completes.
// Idempotency key: "{payout_id}:{attempt}".
type PayoutUpdated struct {
	PayoutID  string
	BattleID  uint64
	Kind      string
	Recipient common.Address
	Asset     common.Address
	Amount    *uint256.Int
	Status    PayoutStatus
	Attempts  int
	LastError string
	Timestamp time.Time
}

func (p *PayoutUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", p.PayoutID, p.Attempts)
}

func (p *PayoutUpdated) EventType() EventType {
	return EventTypePayoutUpdated
}

func (p *PayoutUpdated) Battle() uint64 {
	return p.BattleID
}
