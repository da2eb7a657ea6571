package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Every amount in the ledger is an unsigned 256-bit integer in the asset's
// smallest unit. Division always floors.

const (
	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10_000

	// maxSupplyBits bounds supply so that supply³ fits in 256 bits.
	maxSupplyBits = 84

	// maxPaymentBits bounds a single trade payment so the inverse curve's
	// squared intermediate stays below 2^256.
	maxPaymentBits = 120
)

var (
	// MaxSupply is the largest supply the curve can price without overflow.
	MaxSupply = new(uint256.Int).Lsh(uint256.NewInt(1), maxSupplyBits)

	// MaxPayment is the largest payment a single buy may carry.
	MaxPayment = new(uint256.Int).Lsh(uint256.NewInt(1), maxPaymentBits)

	bpsDenominator = uint256.NewInt(BpsDenominator)
)

// U64 is shorthand for a fresh uint256 holding v.
func U64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulBps returns floor(amount * bps / 10_000).
func MulBps(amount *uint256.Int, bps uint64) *uint256.Int {
	return MulDiv(amount, uint256.NewInt(bps), bpsDenominator)
}

// MulDiv returns floor(x * y / d) using a 512-bit intermediate.
// Returns zero when d is zero. Panics if the quotient itself overflows,
// which cannot happen for the share computations in this package
// (y <= d in all of them).
func MulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		panic(fmt.Sprintf("FATAL: mul-div overflow: %s * %s / %s", x.Dec(), y.Dec(), d.Dec()))
	}
	return z
}

// ParseAmount parses a base-10 amount string.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}
