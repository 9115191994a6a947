package matching

import "time"

// Asset names the ledger balance an order reserves.
type Asset string

const (
	AssetUSDC Asset = "USDC"
	AssetYes  Asset = "YES"
	AssetNo   Asset = "NO"
)

// OutcomeAsset maps a book outcome to the token it trades.
func OutcomeAsset(o Outcome) Asset {
	if o == OutcomeNo {
		return AssetNo
	}
	return AssetYes
}

// Order is a resting or historical order. Orders living in a Book are owned by
// the book's lane; everything handed outside the lane is a Snapshot.
type Order struct {
	ID             string      `json:"orderId"`
	ClientOrderID  string      `json:"clientOrderId,omitempty"`
	MarketID       string      `json:"marketId"`
	Outcome        Outcome     `json:"outcome"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"orderType"`
	TimeInForce    TimeInForce `json:"timeInForce"`
	Price          Price       `json:"price"`
	OriginalAmount uint64      `json:"originalAmount"`
	FilledAmount   uint64      `json:"filledAmount"`
	UserID         string      `json:"userId"`
	WalletAddress  string      `json:"walletAddress,omitempty"`
	Status         Status      `json:"status"`
	Sequence       uint64      `json:"sequence"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`

	level *PriceLevel
	prev  *Order
	next  *Order
}

// Remaining is OriginalAmount minus FilledAmount.
func (o *Order) Remaining() uint64 {
	return o.OriginalAmount - o.FilledAmount
}

// LiveRemaining is the amount still working in the book; zero once terminal.
func (o *Order) LiveRemaining() uint64 {
	if o.Status.Terminal() {
		return 0
	}
	return o.Remaining()
}

// CancelledAmount is the part of the order discarded by a cancel or an
// IOC/market expiry.
func (o *Order) CancelledAmount() uint64 {
	if o.Status == StatusCancelled {
		return o.Remaining()
	}
	return 0
}

// Key returns the book this order belongs to.
func (o *Order) Key() BookKey {
	return BookKey{MarketID: o.MarketID, Outcome: o.Outcome}
}

// ReserveAsset is USDC for buys and the outcome token for sells.
func (o *Order) ReserveAsset() Asset {
	if o.Side == Buy {
		return AssetUSDC
	}
	return OutcomeAsset(o.Outcome)
}

// ReservePrice is the per-unit price used to size a buy reserve. Market buys
// have no limit, so they reserve at 1.0.
func (o *Order) ReservePrice() Price {
	if o.Type == Market {
		return PriceScale
	}
	return o.Price
}

// ReserveFor returns the reserve required for a remaining size of amount.
func (o *Order) ReserveFor(amount uint64) (uint64, error) {
	if o.Side == Sell {
		return amount, nil
	}
	return Notional(amount, o.ReservePrice(), true)
}

// Reserve is the balance currently locked on behalf of this order.
func (o *Order) Reserve() (uint64, error) {
	return o.ReserveFor(o.LiveRemaining())
}

// Crosses reports whether a resting price satisfies this order's limit.
// The boundary is inclusive and market orders cross any price.
func (o *Order) Crosses(resting Price) bool {
	if o.Type == Market {
		return true
	}
	if o.Side == Buy {
		return resting <= o.Price
	}
	return resting >= o.Price
}

// Snapshot returns a detached copy safe to hand outside the lane.
func (o *Order) Snapshot() *Order {
	c := *o
	c.level, c.prev, c.next = nil, nil, nil
	return &c
}
