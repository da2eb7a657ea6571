package math

import "github.com/holiman/uint256"

// Per-trade fees, charged on the gross amount of every buy and sell.
const (
	ArtistFeeBps   = 100 // 1.00%
	PlatformFeeBps = 50  // 0.50%
)

// FeeBreakdown splits a gross trade amount into its fee legs and the net
// remainder. Gross == ArtistFee + PlatformFee + Net.
type FeeBreakdown struct {
	Gross       uint256.Int
	ArtistFee   uint256.Int
	PlatformFee uint256.Int
	Net         uint256.Int
}

// SplitFees floors each fee independently and leaves the rest as net.
func SplitFees(gross *uint256.Int) FeeBreakdown {
	var fb FeeBreakdown
	fb.Gross.Set(gross)
	fb.ArtistFee.Set(MulBps(gross, ArtistFeeBps))
	fb.PlatformFee.Set(MulBps(gross, PlatformFeeBps))

	fb.Net.Sub(gross, &fb.ArtistFee)
	fb.Net.Sub(&fb.Net, &fb.PlatformFee)
	return fb
}

// TotalFees returns ArtistFee + PlatformFee.
func (fb FeeBreakdown) TotalFees() *uint256.Int {
	return new(uint256.Int).Add(&fb.ArtistFee, &fb.PlatformFee)
}
