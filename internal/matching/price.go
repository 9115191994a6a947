/**
 * @description
 * Fixed-point numerics for the matching core.
 * Prices are integers on a 10^6 scale (500000 == 0.50), amounts are integers in the
 * smallest on-chain unit (6 decimals for USDC and outcome tokens).
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact parsing/rendering of decimal strings at the API edge
 * - github.com/holiman/uint256: 256-bit intermediates for price x amount products
 *
 * @notes
 * - No floating point is used anywhere a comparison can gate a fill.
 * - Every arithmetic helper reports overflow instead of wrapping.
 */

package matching

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// PriceDecimals is the number of decimal digits carried by a Price.
	PriceDecimals = 6
	// PriceScale is 1.0 expressed as a Price.
	PriceScale Price = 1_000_000
)

// Price is a probability in [0, 1] scaled by PriceScale.
type Price uint64

// ParsePrice converts a decimal string ("0.55") into a Price without rounding.
// Strings with more than PriceDecimals fractional digits are rejected.
func ParsePrice(raw string) (Price, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: price is required", ErrInvalidPrice)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidPrice, raw)
	}
	scaled := d.Shift(PriceDecimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidPrice, raw, PriceDecimals)
	}
	if scaled.Sign() < 0 || scaled.Cmp(decimal.New(int64(PriceScale), 0)) > 0 {
		return 0, fmt.Errorf("%w: %q is outside [0, 1]", ErrInvalidPrice, raw)
	}
	return Price(scaled.IntPart()), nil
}

// MustPrice is ParsePrice for constants and tests.
func MustPrice(raw string) Price {
	p, err := ParsePrice(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal renders the price as an exact decimal.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceDecimals)
}

func (p Price) String() string {
	return p.Decimal().String()
}

// ParseAmount parses a non-negative integer amount in smallest units.
func ParseAmount(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an unsigned integer", ErrInvalidAmount, raw)
	}
	return v, nil
}

// Notional returns amount * price / PriceScale. When roundUp is set the
// division rounds towards +inf, otherwise towards zero.
func Notional(amount uint64, price Price, roundUp bool) (uint64, error) {
	return MulDiv(amount, uint64(price), uint64(PriceScale), roundUp)
}

// MulDiv computes a*b/d with a 256-bit intermediate.
func MulDiv(a, b, d uint64, roundUp bool) (uint64, error) {
	if d == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	x := uint256.NewInt(a)
	prod := new(uint256.Int).Mul(x, uint256.NewInt(b))
	div := uint256.NewInt(d)
	q := new(uint256.Int).Div(prod, div)
	if roundUp && !new(uint256.Int).Mod(prod, div).IsZero() {
		q.AddUint64(q, 1)
	}
	if !q.IsUint64() {
		return 0, fmt.Errorf("%w: %d*%d/%d", ErrOverflow, a, b, d)
	}
	return q.Uint64(), nil
}

// AddAmount returns a+b or ErrOverflow.
func AddAmount(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("%w: %d+%d", ErrOverflow, a, b)
	}
	return sum, nil
}

// SubAmount returns a-b or ErrOverflow when b > a.
func SubAmount(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %d-%d", ErrOverflow, a, b)
	}
	return a - b, nil
}
