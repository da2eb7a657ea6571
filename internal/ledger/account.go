package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeWallet AccountScope = iota
	AccountScopeEscrow
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeWallet:
		return "wallet"
	case AccountScopeEscrow:
		return "escrow"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountKey is the in-memory key for balance tracking. Asset is the token
// contract, zero for the native currency.
type AccountKey struct {
	Scope    AccountScope
	Owner    common.Address // wallet accounts only
	BattleID uint64         // escrow accounts only
	Asset    common.Address
}

// WalletAccount is an address's spendable balance.
func WalletAccount(owner, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeWallet, Owner: owner, Asset: asset}
}

// EscrowAccount holds everything a battle has collected and not yet paid.
func EscrowAccount(battleID uint64, asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeEscrow, BattleID: battleID, Asset: asset}
}

// ExternalAccount is the boundary funds enter through. Its balance is the
// negative of everything deposited.
func ExternalAccount(asset common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	asset := "native"
	if k.Asset != (common.Address{}) {
		asset = k.Asset.Hex()
	}

	switch k.Scope {
	case AccountScopeWallet:
		return fmt.Sprintf("wallet:%s:%s", k.Owner.Hex(), asset)
	case AccountScopeEscrow:
		return fmt.Sprintf("escrow:%d:%s", k.BattleID, asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:deposits:%s", asset)
	}
	return "unknown"
}
