package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BattleCreated is emitted once when a market is opened.
// Idempotency key: "created:{battle_id}".
type BattleCreated struct {
	BattleID     uint64
	StartTime    time.Time
	EndTime      time.Time
	ParticipantA string
	ParticipantB string
	PayoutA      common.Address
	PayoutB      common.Address
	Asset        common.Address // zero address = native currency
	Timestamp    time.Time
}

func (b *BattleCreated) IdempotencyKey() string {
	return fmt.Sprintf("created:%d", b.BattleID)
}

func (b *BattleCreated) EventType() EventType {
	return EventTypeBattleCreated
}

func (b *BattleCreated) Battle() uint64 {
	return b.BattleID
}

// BattleSettled records the one-time redistribution of the losing pool.
// Idempotency key: "settled:{battle_id}".
type BattleSettled struct {
	BattleID              uint64
	WinnerIsSideA         bool
	LoserPool             *uint256.Int
	LosingTraders         *uint256.Int
	WinningTraders        *uint256.Int
	WinningArtistEarnings *uint256.Int
	LosingArtistEarnings  *uint256.Int
	PlatformEarnings      *uint256.Int
	OrphanedShare         *uint256.Int // winning share with no holders to claim it
	FinalPoolA            *uint256.Int
	FinalPoolB            *uint256.Int
	SupplyA               *uint256.Int
	SupplyB               *uint256.Int
	Timestamp             time.Time
}

func (b *BattleSettled) IdempotencyKey() string {
	return fmt.Sprintf("settled:%d", b.BattleID)
}

func (b *BattleSettled) EventType() EventType {
	return EventTypeBattleSettled
}

func (b *BattleSettled) Battle() uint64 {
	return b.BattleID
}

// PhaseChanged is emitted by the lifecycle manager on every transition.
// Idempotency key: "phase:{battle_id}:{to}".
type PhaseChanged struct {
	BattleID  uint64
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

func (p *PhaseChanged) IdempotencyKey() string {
	return fmt.Sprintf("phase:%d:%s", p.BattleID, p.To)
}

func (p *PhaseChanged) EventType() EventType {
	return EventTypePhaseChanged
}

func (p *PhaseChanged) Battle() uint64 {
	return p.BattleID
}
