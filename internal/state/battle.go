package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side identifies one of the two competing entities in a battle.
type Side uint8

const (
	SideA Side = iota
	SideB
)

// Sides lists both sides in lock order.
var Sides = [2]Side{SideA, SideB}

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return "unknown"
	}
}

// Valid reports whether s is SideA or SideB.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// ParseSide accepts "a"/"b" (any case) and "0"/"1".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "a", "0":
		return SideA, nil
	case "b", "1":
		return SideB, nil
	default:
		return 0, fmt.Errorf("malformed side selector %q", v)
	}
}

// AssetRef names the payment asset of a battle. The zero address is the
// chain's native currency; anything else is a fungible token contract.
type AssetRef struct {
	Token common.Address
}

// NativeAsset is the native-currency asset reference.
var NativeAsset = AssetRef{}

// IsNative reports whether the battle pays in native currency.
func (a AssetRef) IsNative() bool {
	return a.Token == (common.Address{})
}

func (a AssetRef) String() string {
	if a.IsNative() {
		return "native"
	}
	return a.Token.Hex()
}

// SideInfo binds a side to its competing participant and payout address.
type SideInfo struct {
	ParticipantID string
	Payout        common.Address
}

// Battle is the immutable identity plus the two lifecycle flags of a market.
// Duration and participants never change after creation; WinnerDecided
// flips false→true exactly once.
type Battle struct {
	ID            uint64
	StartTime     time.Time
	EndTime       time.Time
	Sides         [2]SideInfo
	Asset         AssetRef
	Active        bool
	WinnerDecided bool
	WinnerIsSideA *bool
	CreatedAt     time.Time
}

// Duration returns EndTime - StartTime.
func (b *Battle) Duration() time.Duration {
	return b.EndTime.Sub(b.StartTime)
}

// InWindow reports whether now is within [StartTime, EndTime].
func (b *Battle) InWindow(now time.Time) bool {
	return !now.Before(b.StartTime) && !now.After(b.EndTime)
}

// Ended reports whether now >= EndTime.
func (b *Battle) Ended(now time.Time) bool {
	return !now.Before(b.EndTime)
}

// Winner returns the winning side once decided.
func (b *Battle) Winner() (Side, bool) {
	if !b.WinnerDecided || b.WinnerIsSideA == nil {
		return 0, false
	}
	if *b.WinnerIsSideA {
		return SideA, true
	}
	return SideB, true
}

// Side returns the participant binding for s.
func (b *Battle) Side(s Side) SideInfo {
	return b.Sides[s]
}

// Clone returns a deep copy safe to hand to readers.
func (b *Battle) Clone() *Battle {
	c := *b
	if b.WinnerIsSideA != nil {
		v := *b.WinnerIsSideA
		c.WinnerIsSideA = &v
	}
	return &c
}

// Validate checks the creation-time invariants.
func (b *Battle) Validate() error {
	if !b.EndTime.After(b.StartTime) {
		return fmt.Errorf("battle %d: end %s not after start %s", b.ID, b.EndTime, b.StartTime)
	}
	for _, s := range Sides {
		if b.Sides[s].Payout == (common.Address{}) {
			return fmt.Errorf("battle %d: side %s has no payout address", b.ID, s)
		}
	}
	if b.Sides[SideA].Payout == b.Sides[SideB].Payout {
		return fmt.Errorf("battle %d: both sides share payout address %s", b.ID, b.Sides[SideA].Payout.Hex())
	}
	return nil
}
