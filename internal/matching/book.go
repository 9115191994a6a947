/**
 * @description
 * Order book for one (market, outcome) pair.
 * Price levels are kept in two google/btree trees (bids and asks); each level is a
 * FIFO queue of orders, and an index maps order id to the live order.
 *
 * @dependencies
 * - github.com/google/btree: ordered price levels with O(log n) best-price lookup
 *
 * @notes
 * - A Book is not safe for concurrent use. The owning lane serializes writers and
 *   guards readers with its own RWMutex.
 * - Insert/Remove/Reduce keep TotalSize of every level equal to the sum of its
 *   members' remaining amounts; Check verifies that from scratch.
 */

package matching

import (
	"fmt"

	"github.com/google/btree"
)

const btreeDegree = 32

// DepthLevel is one aggregated row of a depth snapshot.
type DepthLevel struct {
	Price Price  `json:"price"`
	Size  uint64 `json:"size"`
}

// Book holds resting orders for one BookKey.
type Book struct {
	Key BookKey

	bids  *btree.BTreeG[*PriceLevel]
	asks  *btree.BTreeG[*PriceLevel]
	index map[string]*Order
}

func levelLess(a, b *PriceLevel) bool {
	return a.Price < b.Price
}

// NewBook creates an empty book.
func NewBook(key BookKey) *Book {
	return &Book{
		Key:   key,
		bids:  btree.NewG(btreeDegree, levelLess),
		asks:  btree.NewG(btreeDegree, levelLess),
		index: make(map[string]*Order),
	}
}

func (b *Book) tree(side Side) *btree.BTreeG[*PriceLevel] {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest bid level or nil.
func (b *Book) BestBid() *PriceLevel {
	lvl, ok := b.bids.Max()
	if !ok {
		return nil
	}
	return lvl
}

// BestAsk returns the lowest ask level or nil.
func (b *Book) BestAsk() *PriceLevel {
	lvl, ok := b.asks.Min()
	if !ok {
		return nil
	}
	return lvl
}

// Best returns the best level of side.
func (b *Book) Best(side Side) *PriceLevel {
	if side == Buy {
		return b.BestBid()
	}
	return b.BestAsk()
}

// WalkLevels visits the levels of side from best to worst until fn returns false.
func (b *Book) WalkLevels(side Side, fn func(*PriceLevel) bool) {
	if side == Buy {
		b.bids.Descend(func(l *PriceLevel) bool { return fn(l) })
		return
	}
	b.asks.Ascend(func(l *PriceLevel) bool { return fn(l) })
}

// Insert appends o to the back of the queue at its price.
func (b *Book) Insert(o *Order) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("%w: insert of anonymous order", ErrInvariant)
	}
	if _, exists := b.index[o.ID]; exists {
		return fmt.Errorf("%w: order %s already in book", ErrInvariant, o.ID)
	}
	if o.Remaining() == 0 || o.Status.Terminal() {
		return fmt.Errorf("%w: order %s has nothing to rest", ErrInvariant, o.ID)
	}
	if o.Type != Limit || o.Price == 0 || o.Price >= PriceScale {
		return fmt.Errorf("%w: order %s cannot rest at %s", ErrInvariant, o.ID, o.Price)
	}

	tree := b.tree(o.Side)
	lvl, ok := tree.Get(&PriceLevel{Price: o.Price})
	if !ok {
		lvl = newPriceLevel(o.Price)
		tree.ReplaceOrInsert(lvl)
	}
	if err := lvl.append(o); err != nil {
		if lvl.Len() == 0 {
			tree.Delete(lvl)
		}
		return err
	}
	b.index[o.ID] = o
	return nil
}

// CanRest reports whether amount more can rest at price on side without the
// level aggregate overflowing.
func (b *Book) CanRest(side Side, price Price, amount uint64) error {
	lvl, ok := b.tree(side).Get(&PriceLevel{Price: price})
	if !ok {
		return nil
	}
	if _, err := AddAmount(lvl.TotalSize, amount); err != nil {
		return fmt.Errorf("%w: %s %s holds %d", ErrLevelFull, side, price, lvl.TotalSize)
	}
	return nil
}

// Remove takes an order out of the book and drops its level if it empties.
func (b *Book) Remove(orderID string) (*Order, error) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, ErrOrderNotInBook
	}
	lvl := o.level
	if lvl == nil {
		return nil, fmt.Errorf("%w: order %s has no level", ErrInvariant, orderID)
	}
	if err := lvl.unlink(o); err != nil {
		return nil, fmt.Errorf("%w: unlink %s", err, orderID)
	}
	if lvl.Len() == 0 {
		b.tree(o.Side).Delete(lvl)
	}
	delete(b.index, orderID)
	return o, nil
}

// Reduce fills amount of a resting order in place. The order keeps its queue
// position. Reducing by the full remaining amount is a bug; use Remove.
func (b *Book) Reduce(orderID string, amount uint64) (*Order, error) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, ErrOrderNotInBook
	}
	if amount == 0 || amount >= o.Remaining() {
		return nil, fmt.Errorf("%w: reduce %s by %d with %d remaining", ErrInvariant, orderID, amount, o.Remaining())
	}
	if err := o.level.shrink(amount); err != nil {
		return nil, fmt.Errorf("%w: shrink level for %s", err, orderID)
	}
	o.FilledAmount += amount
	o.Status = StatusPartial
	return o, nil
}

// Get returns the live order with orderID or nil.
func (b *Book) Get(orderID string) *Order {
	return b.index[orderID]
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.index)
}

// Depth returns up to limit aggregated levels of side, best first. A limit of
// zero or less returns every level. The slice is freshly built on each call.
func (b *Book) Depth(side Side, limit int) []DepthLevel {
	out := make([]DepthLevel, 0)
	b.WalkLevels(side, func(l *PriceLevel) bool {
		out = append(out, DepthLevel{Price: l.Price, Size: l.TotalSize})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Orders returns the resting orders of side in priority order.
func (b *Book) Orders(side Side) []*Order {
	var out []*Order
	b.WalkLevels(side, func(l *PriceLevel) bool {
		l.Each(func(o *Order) bool {
			out = append(out, o)
			return true
		})
		return true
	})
	return out
}

// Crossed reports whether the best bid meets or exceeds the best ask.
func (b *Book) Crossed() bool {
	bid, ask := b.BestBid(), b.BestAsk()
	return bid != nil && ask != nil && bid.Price >= ask.Price
}

// Check verifies every structural invariant of the book.
func (b *Book) Check() error {
	if b.Crossed() {
		return fmt.Errorf("%w: book %s is crossed", ErrInvariant, b.Key)
	}
	seen := 0
	var failed error
	for _, side := range []Side{Buy, Sell} {
		b.WalkLevels(side, func(l *PriceLevel) bool {
			if err := l.check(); err != nil {
				failed = fmt.Errorf("%w: level %s on %s side of %s", err, l.Price, side, b.Key)
				return false
			}
			l.Each(func(o *Order) bool {
				if b.index[o.ID] != o || o.Side != side {
					failed = fmt.Errorf("%w: order %s misindexed in %s", ErrInvariant, o.ID, b.Key)
					return false
				}
				seen++
				return true
			})
			return failed == nil
		})
		if failed != nil {
			return failed
		}
	}
	if seen != len(b.index) {
		return fmt.Errorf("%w: index holds %d orders, levels hold %d", ErrInvariant, len(b.index), seen)
	}
	return nil
}
