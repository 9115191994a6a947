/**
 * @description
 * Price-time priority crossing.
 *
 * Matching is split in two phases so that nothing is mutated until every
 * participant (ledger, state store) has accepted the outcome:
 *   1. Plan walks the opposing side read-only and records the fills.
 *   2. Apply commits a verified plan to the book.
 *
 * @notes
 * - Fills execute at the resting (maker) price.
 * - The crossing boundary is inclusive; market orders cross any price.
 * - Within a level the oldest order is always consumed first.
 * - A FOK plan that cannot fill completely is marked Killed and must not be applied.
 */

package matching

import (
	"fmt"
	"strings"
	"time"
)

// SelfTradePolicy decides what happens when a taker meets its own resting order.
type SelfTradePolicy string

const (
	// SelfTradeAllow matches a user's orders against each other like any other pair.
	SelfTradeAllow SelfTradePolicy = "allow"
	// SelfTradeCancelResting cancels the user's resting order and keeps matching.
	SelfTradeCancelResting SelfTradePolicy = "cancel_resting"
)

// ParseSelfTradePolicy defaults to SelfTradeAllow when raw is empty.
func ParseSelfTradePolicy(raw string) (SelfTradePolicy, error) {
	switch p := SelfTradePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return SelfTradeAllow, nil
	case SelfTradeAllow, SelfTradeCancelResting:
		return p, nil
	default:
		return "", fmt.Errorf("unknown self-trade policy %q", raw)
	}
}

// Fill is one execution between a resting maker and the incoming taker.
type Fill struct {
	MakerOrderID string    `json:"makerOrderId"`
	TakerOrderID string    `json:"takerOrderId"`
	MakerUserID  string    `json:"makerUserId"`
	TakerUserID  string    `json:"takerUserId"`
	TakerSide    Side      `json:"takerSide"`
	Price        Price     `json:"price"`
	Size         uint64    `json:"size"`
	Fee          uint64    `json:"fee"`
	MakerRebate  uint64    `json:"makerRebate"`
	FeeAsset     Asset     `json:"feeAsset,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// MakerFull is set when the fill exhausts the maker.
	MakerFull bool `json:"-"`
}

// MatchPlan is the read-only outcome of crossing an incoming order.
type MatchPlan struct {
	Taker            *Order
	Fills            []Fill
	SelfTradeCancels []*Order
	Filled           uint64
	Status           Status
	Rest             bool
	Killed           bool
}

// Remaining is the taker amount left unfilled by the plan.
func (p *MatchPlan) Remaining() uint64 {
	return p.Taker.OriginalAmount - p.Filled
}

// Matcher crosses incoming orders against a Book.
type Matcher struct {
	SelfTrade SelfTradePolicy
	Fees      FeeSchedule
}

// Plan computes the fills an incoming order would produce without touching the
// book or the order.
func (m *Matcher) Plan(book *Book, taker *Order, now time.Time) (*MatchPlan, error) {
	if taker.FilledAmount != 0 || taker.OriginalAmount == 0 {
		return nil, fmt.Errorf("%w: taker %s is not fresh", ErrInvariant, taker.ID)
	}
	plan := &MatchPlan{Taker: taker}
	remaining := taker.OriginalAmount
	var failed error

	book.WalkLevels(taker.Side.Opposite(), func(lvl *PriceLevel) bool {
		if !taker.Crosses(lvl.Price) {
			return false
		}
		lvl.Each(func(maker *Order) bool {
			if maker.UserID == taker.UserID && m.SelfTrade == SelfTradeCancelResting {
				plan.SelfTradeCancels = append(plan.SelfTradeCancels, maker)
				return true
			}
			size := min(remaining, maker.Remaining())
			fill, err := m.fill(taker, maker, size, now)
			if err != nil {
				failed = err
				return false
			}
			plan.Fills = append(plan.Fills, fill)
			remaining -= size
			return remaining > 0
		})
		return failed == nil && remaining > 0
	})
	if failed != nil {
		return nil, failed
	}

	plan.Filled = taker.OriginalAmount - remaining
	switch {
	case remaining == 0:
		plan.Status = StatusFilled
	case taker.TimeInForce == FOK:
		plan.Killed = true
		plan.Status = StatusRejected
	case taker.Type == Market || taker.TimeInForce == IOC:
		plan.Status = StatusCancelled
	case plan.Filled > 0:
		plan.Status = StatusPartial
		plan.Rest = true
	default:
		plan.Status = StatusOpen
		plan.Rest = true
	}
	return plan, nil
}

func (m *Matcher) fill(taker, maker *Order, size uint64, now time.Time) (Fill, error) {
	f := Fill{
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		Price:        maker.Price,
		Size:         size,
		Timestamp:    now,
		MakerFull:    size == maker.Remaining(),
	}
	if !m.Fees.Enabled() {
		return f, nil
	}
	proceeds := size
	f.FeeAsset = OutcomeAsset(taker.Outcome)
	if taker.Side == Sell {
		cost, err := Notional(size, maker.Price, false)
		if err != nil {
			return Fill{}, err
		}
		proceeds = cost
		f.FeeAsset = AssetUSDC
	}
	fee, err := m.Fees.Fee(proceeds, maker.Price)
	if err != nil {
		return Fill{}, err
	}
	rebate, err := m.Fees.Rebate(fee)
	if err != nil {
		return Fill{}, err
	}
	f.Fee = fee
	f.MakerRebate = rebate
	return f, nil
}

// Verify checks that a plan still matches the book it is about to be applied to.
// A remainder that would overflow its price level yields ErrLevelFull, which is
// a rejection of the order rather than a bookkeeping bug.
func (m *Matcher) Verify(book *Book, plan *MatchPlan) error {
	if plan.Killed {
		return fmt.Errorf("%w: killed plan for %s", ErrInvariant, plan.Taker.ID)
	}
	if book.Get(plan.Taker.ID) != nil {
		return fmt.Errorf("%w: taker %s already rests", ErrInvariant, plan.Taker.ID)
	}
	var total uint64
	for _, f := range plan.Fills {
		maker := book.Get(f.MakerOrderID)
		if maker == nil {
			return fmt.Errorf("%w: maker %s left the book", ErrInvariant, f.MakerOrderID)
		}
		if f.Size == 0 || f.Size > maker.Remaining() || f.MakerFull != (f.Size == maker.Remaining()) {
			return fmt.Errorf("%w: fill of %d against %s with %d remaining", ErrInvariant, f.Size, maker.ID, maker.Remaining())
		}
		if f.MakerRebate > f.Fee {
			return fmt.Errorf("%w: rebate %d above fee %d for maker %s", ErrInvariant, f.MakerRebate, f.Fee, maker.ID)
		}
		if f.Price != maker.Price || !plan.Taker.Crosses(f.Price) {
			return fmt.Errorf("%w: fill price %s for maker %s", ErrInvariant, f.Price, maker.ID)
		}
		total += f.Size
	}
	if total != plan.Filled || total > plan.Taker.OriginalAmount {
		return fmt.Errorf("%w: taker fill %d does not equal maker fills %d", ErrInvariant, plan.Filled, total)
	}
	for _, o := range plan.SelfTradeCancels {
		if book.Get(o.ID) != o {
			return fmt.Errorf("%w: self-trade order %s left the book", ErrInvariant, o.ID)
		}
	}
	if plan.Rest {
		return book.CanRest(plan.Taker.Side, plan.Taker.Price, plan.Remaining())
	}
	return nil
}

// Apply commits plan to book: self-trade cancels, maker reductions and removals,
// then the taker's resting remainder. It also advances the taker's fill state.
func (m *Matcher) Apply(book *Book, plan *MatchPlan, now time.Time) error {
	if plan.Killed {
		return fmt.Errorf("%w: killed plan for %s", ErrInvariant, plan.Taker.ID)
	}
	for _, o := range plan.SelfTradeCancels {
		if _, err := book.Remove(o.ID); err != nil {
			return fmt.Errorf("%w: self-trade cancel %s: %v", ErrInvariant, o.ID, err)
		}
		o.Status = StatusCancelled
		o.UpdatedAt = now
	}
	for _, f := range plan.Fills {
		if f.MakerFull {
			maker, err := book.Remove(f.MakerOrderID)
			if err != nil {
				return fmt.Errorf("%w: remove maker %s: %v", ErrInvariant, f.MakerOrderID, err)
			}
			maker.FilledAmount += f.Size
			maker.Status = StatusFilled
			maker.UpdatedAt = now
			continue
		}
		maker, err := book.Reduce(f.MakerOrderID, f.Size)
		if err != nil {
			return fmt.Errorf("%w: reduce maker %s: %v", ErrInvariant, f.MakerOrderID, err)
		}
		maker.UpdatedAt = now
	}

	taker := plan.Taker
	taker.FilledAmount = plan.Filled
	taker.Status = plan.Status
	taker.UpdatedAt = now
	if plan.Rest {
		if err := book.Insert(taker); err != nil {
			return err
		}
	}
	if book.Crossed() {
		return fmt.Errorf("%w: book %s crossed after apply", ErrInvariant, book.Key)
	}
	return nil
}
