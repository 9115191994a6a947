package matching

import "fmt"

// FeeSchedule is the dynamic taker fee curve. Rates are scaled by PriceScale
// (32000 == 3.2%). The rate is CenterRate at price 0.5 and moves linearly to
// ExtremeRate as the price approaches 0 or 1. A zero schedule charges nothing.
//
// MakerRebateRate is the share of each fee paid back to the maker of the fill,
// also scaled by PriceScale (200000 == 20%). The rest goes to the platform.
type FeeSchedule struct {
	CenterRate      uint64
	ExtremeRate     uint64
	MakerRebateRate uint64
}

// Enabled reports whether any fee can be charged.
func (f FeeSchedule) Enabled() bool {
	return f.CenterRate > 0 || f.ExtremeRate > 0
}

// Rate returns the taker fee rate at price p.
func (f FeeSchedule) Rate(p Price) uint64 {
	half := uint64(PriceScale / 2)
	var dist uint64
	if uint64(p) >= half {
		dist = uint64(p) - half
	} else {
		dist = half - uint64(p)
	}
	if dist > half {
		dist = half
	}
	if f.CenterRate >= f.ExtremeRate {
		return f.CenterRate - (f.CenterRate-f.ExtremeRate)*dist/half
	}
	return f.CenterRate + (f.ExtremeRate-f.CenterRate)*dist/half
}

// Fee is the taker fee on proceeds at price p, rounded down.
func (f FeeSchedule) Fee(proceeds uint64, p Price) (uint64, error) {
	if !f.Enabled() || proceeds == 0 {
		return 0, nil
	}
	return MulDiv(proceeds, f.Rate(p), uint64(PriceScale), false)
}

// Rebate is the maker's share of fee, rounded down.
func (f FeeSchedule) Rebate(fee uint64) (uint64, error) {
	if fee == 0 || f.MakerRebateRate == 0 {
		return 0, nil
	}
	if f.MakerRebateRate > uint64(PriceScale) {
		return 0, fmt.Errorf("%w: maker rebate rate %d above %d", ErrInvariant, f.MakerRebateRate, PriceScale)
	}
	return MulDiv(fee, f.MakerRebateRate, uint64(PriceScale), false)
}
