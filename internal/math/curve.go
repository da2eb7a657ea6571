package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// The bonding curve prices the n-th token at √n. The cost of moving supply
// from a to b is the integral of √x over [a, b], i.e. area(b) - area(a) with
// area(x) = ⌊2·√(x³)/3⌋. Working on the antiderivative keeps pricing exactly
// additive: buying a then b costs the same as buying a+b.

var (
	two   = uint256.NewInt(2)
	three = uint256.NewInt(3)
)

// Sqrt returns ⌊√x⌋, the largest y with y² <= x.
func Sqrt(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(x)
}

// Cbrt returns ⌊∛x⌋, the largest y with y³ <= x.
//
// Newton's iteration y' = (2y + x/y²)/3 started above the root decreases
// monotonically and stops at the floor root. The start 2^⌈bitlen/3⌉ is
// always >= ∛x since x < 2^bitlen.
func Cbrt(x *uint256.Int) *uint256.Int {
	if x.IsZero() {
		return new(uint256.Int)
	}

	shift := uint((x.BitLen() + 2) / 3)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), shift)

	sq := new(uint256.Int)
	next := new(uint256.Int)
	for {
		sq.Mul(y, y)
		next.Div(x, sq)
		next.Add(next, new(uint256.Int).Lsh(y, 1))
		next.Div(next, three)
		if !next.Lt(y) {
			return y
		}
		y.Set(next)
	}
}

// curveArea returns ⌊2·√(x³)/3⌋.
func curveArea(x *uint256.Int) *uint256.Int {
	if x.Gt(MaxSupply) {
		panic(fmt.Sprintf("FATAL: curve supply %s exceeds MaxSupply", x.Dec()))
	}
	cube := new(uint256.Int).Mul(x, x)
	cube.Mul(cube, x)
	area := Sqrt(cube)
	area.Mul(area, two)
	return area.Div(area, three)
}

// PriceToBuy returns the cost of minting n tokens at current supply s.
func PriceToBuy(s, n *uint256.Int) *uint256.Int {
	if n.IsZero() {
		return new(uint256.Int)
	}
	end := new(uint256.Int).Add(s, n)
	price := curveArea(end)
	return price.Sub(price, curveArea(s))
}

// ReturnFromSell returns the curve value released by burning k tokens at
// current supply s. Saturates to zero when k is zero or exceeds s; callers
// validate balances before getting here.
func ReturnFromSell(s, k *uint256.Int) *uint256.Int {
	if k.IsZero() || k.Gt(s) {
		return new(uint256.Int)
	}
	start := new(uint256.Int).Sub(s, k)
	ret := curveArea(s)
	return ret.Sub(ret, curveArea(start))
}

// TokensForPayment returns how many tokens a net payment p mints at supply s.
//
// Solving area(s+n) = area(s) + p for the new supply gives
// (3/2 · (area(s) + p))^(2/3), evaluated as ∛(⌊3·target/2⌋²). Every floor
// in that chain rounds down, so PriceToBuy(s, result) <= p always holds.
// A result below s (rounding underflow) clamps to zero.
func TokensForPayment(s, p *uint256.Int) *uint256.Int {
	if p.IsZero() {
		return new(uint256.Int)
	}
	if p.Gt(MaxPayment) {
		panic(fmt.Sprintf("FATAL: curve payment %s exceeds MaxPayment", p.Dec()))
	}

	target := curveArea(s)
	target.Add(target, p)
	target.Mul(target, three)
	target.Div(target, two)

	sq := new(uint256.Int).Mul(target, target)
	newSupply := Cbrt(sq)

	if newSupply.Lt(s) {
		return new(uint256.Int)
	}
	return newSupply.Sub(newSupply, s)
}
