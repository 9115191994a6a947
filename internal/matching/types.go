/**
 * @description
 * Enumerations shared by the order book, the matching engine and the API layer.
 *
 * @notes
 * - Wire values are lowercase for outcome-independent enums (side, type, status)
 *   and uppercase for Outcome and TimeInForce, matching what clients send.
 * - Parse* helpers normalize case and whitespace before checking membership.
 */

package matching

import (
	"fmt"
	"strings"
)

// Outcome identifies which token of a binary market a book trades.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Side is the direction of an order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side an order of this side crosses against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is limit or market
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// TimeInForce controls what happens to an unfilled remainder.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good-Til-Cancelled
	IOC TimeInForce = "IOC" // Immediate-Or-Cancel
	FOK TimeInForce = "FOK" // Fill-Or-Kill
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

var (
	validOutcomes = map[Outcome]struct{}{
		OutcomeYes: {},
		OutcomeNo:  {},
	}
	validSides = map[Side]struct{}{
		Buy:  {},
		Sell: {},
	}
	validOrderTypes = map[OrderType]struct{}{
		Limit:  {},
		Market: {},
	}
	validTimeInForce = map[TimeInForce]struct{}{
		GTC: {},
		IOC: {},
		FOK: {},
	}
)

// ParseOutcome accepts "YES"/"NO" in any case.
func ParseOutcome(raw string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := validOutcomes[o]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
	}
	return o, nil
}

func ParseSide(raw string) (Side, error) {
	s := Side(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := validSides[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, raw)
	}
	return s, nil
}

// ParseOrderType defaults to limit when raw is empty.
func ParseOrderType(raw string) (OrderType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Limit, nil
	}
	t := OrderType(strings.ToLower(raw))
	if _, ok := validOrderTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, raw)
	}
	return t, nil
}

// ParseTimeInForce defaults to GTC when raw is empty.
func ParseTimeInForce(raw string) (TimeInForce, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return GTC, nil
	}
	tif := TimeInForce(strings.ToUpper(raw))
	if _, ok := validTimeInForce[tif]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeInForce, raw)
	}
	return tif, nil
}

// BookKey identifies one order book.
type BookKey struct {
	MarketID string
	Outcome  Outcome
}

func (k BookKey) String() string {
	return k.MarketID + ":" + string(k.Outcome)
}
