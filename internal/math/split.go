package math

import "github.com/holiman/uint256"

// Settlement redistributes the losing side's pool. Shares in basis points.
const (
	LosingTradersBps  = 5_000 // stays with the losing side's holders
	WinningTradersBps = 4_000 // moves to the winning side's pool
	WinningArtistBps  = 500
	LosingArtistBps   = 200
	PlatformShareBps  = 300
)

// Split is the redistribution of one losing pool. The five shares always
// sum to LoserPool exactly.
type Split struct {
	LoserPool      uint256.Int
	LosingTraders  uint256.Int
	WinningTraders uint256.Int
	WinningArtist  uint256.Int
	LosingArtist   uint256.Int
	Platform       uint256.Int
}

// ComputeSplit floors the four outgoing shares and assigns the remainder to
// the losing traders, so rounding dust never leaves the battle.
func ComputeSplit(loserPool *uint256.Int) Split {
	var s Split
	s.LoserPool.Set(loserPool)
	if loserPool.IsZero() {
		return s
	}

	s.WinningTraders.Set(MulBps(loserPool, WinningTradersBps))
	s.WinningArtist.Set(MulBps(loserPool, WinningArtistBps))
	s.LosingArtist.Set(MulBps(loserPool, LosingArtistBps))
	s.Platform.Set(MulBps(loserPool, PlatformShareBps))

	s.LosingTraders.Sub(loserPool, &s.WinningTraders)
	s.LosingTraders.Sub(&s.LosingTraders, &s.WinningArtist)
	s.LosingTraders.Sub(&s.LosingTraders, &s.LosingArtist)
	s.LosingTraders.Sub(&s.LosingTraders, &s.Platform)
	return s
}

// Sum adds the five shares back together.
func (s Split) Sum() *uint256.Int {
	sum := new(uint256.Int).Add(&s.LosingTraders, &s.WinningTraders)
	sum.Add(sum, &s.WinningArtist)
	sum.Add(sum, &s.LosingArtist)
	return sum.Add(sum, &s.Platform)
}
