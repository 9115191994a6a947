package matching

import (
	"fmt"
	"strings"
)

const maxClientOrderIDLen = 128

// MarketRules are the per-market constraints applied during validation.
type MarketRules struct {
	TickSize Price
	MinSize  uint64
	Paused   bool
}

// OrderRequest is the loosely typed placement payload as it arrives from a
// caller. Validate turns it into a typed Order; nothing past validation ever
// sees the raw strings.
type OrderRequest struct {
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress,omitempty"`
	MarketID      string `json:"marketId"`
	Outcome       string `json:"outcome"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	Price         string `json:"price,omitempty"`
	Amount        string `json:"amount"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
}

// Validate checks the request against rules and returns an unplaced Order
// (no ID, no sequence). Market orders ignore Price and never rest: unless they
// are FOK they run as IOC.
func (r *OrderRequest) Validate(rules MarketRules) (*Order, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: order payload", ErrMissingField)
	}

	requiredFields := []struct{ name, value string }{
		{"userId", r.UserID},
		{"marketId", r.MarketID},
		{"outcome", r.Outcome},
		{"side", r.Side},
		{"amount", r.Amount},
	}
	for _, f := range requiredFields {
		if strings.TrimSpace(f.value) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if len(r.ClientOrderID) > maxClientOrderIDLen {
		return nil, fmt.Errorf("%w: clientOrderId longer than %d", ErrInvalidOrder, maxClientOrderIDLen)
	}
	if rules.Paused {
		return nil, fmt.Errorf("%w: %s", ErrMarketPaused, r.MarketID)
	}

	outcome, err := ParseOutcome(r.Outcome)
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := ParseOrderType(r.OrderType)
	if err != nil {
		return nil, err
	}
	tif, err := ParseTimeInForce(r.TimeInForce)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if amount < rules.MinSize {
		return nil, fmt.Errorf("%w: amount %d below minimum %d", ErrInvalidAmount, amount, rules.MinSize)
	}

	var price Price
	if orderType == Limit {
		price, err = ParsePrice(r.Price)
		if err != nil {
			return nil, err
		}
		if price == 0 || price >= PriceScale {
			return nil, fmt.Errorf("%w: limit price must be strictly between 0 and 1", ErrInvalidPrice)
		}
		if rules.TickSize > 0 && price%rules.TickSize != 0 {
			return nil, fmt.Errorf("%w: %s is not a multiple of tick %s", ErrInvalidPrice, price, rules.TickSize)
		}
		if side == Buy {
			// the reserve must fit in uint64
			if _, err := Notional(amount, price, true); err != nil {
				return nil, err
			}
		}
	} else if tif != FOK {
		tif = IOC
	}

	return &Order{
		ClientOrderID:  strings.TrimSpace(r.ClientOrderID),
		MarketID:       strings.TrimSpace(r.MarketID),
		Outcome:        outcome,
		Side:           side,
		Type:           orderType,
		TimeInForce:    tif,
		Price:          price,
		OriginalAmount: amount,
		UserID:         strings.TrimSpace(r.UserID),
		WalletAddress:  strings.TrimSpace(r.WalletAddress),
		Status:         StatusOpen,
	}, nil
}
