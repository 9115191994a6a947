package matching

import "errors"

// Validation errors. All of them wrap ErrInvalidOrder so callers can map the
// whole family to a single rejection class.
var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrMissingField       = wrapInvalid("missing required field")
	ErrInvalidPrice       = wrapInvalid("invalid price")
	ErrInvalidAmount      = wrapInvalid("invalid amount")
	ErrInvalidSide        = wrapInvalid("invalid side")
	ErrInvalidOutcome     = wrapInvalid("invalid outcome")
	ErrInvalidType        = wrapInvalid("invalid order type")
	ErrInvalidTimeInForce = wrapInvalid("invalid time in force")
	ErrUnknownMarket      = wrapInvalid("unknown market")
	ErrMarketPaused       = wrapInvalid("market is paused")
	ErrLevelFull          = wrapInvalid("price level cannot hold the order")
)

var (
	// ErrOverflow signals an arithmetic result outside the uint64 range.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrInvariant signals a bookkeeping bug. A unit of work that hits it is aborted.
	ErrInvariant = errors.New("order book invariant violated")
	// ErrOrderNotInBook is returned by Remove/Reduce for ids absent from the index.
	ErrOrderNotInBook = errors.New("order not in book")
)

type invalidError struct {
	msg string
}

func wrapInvalid(msg string) error {
	return &invalidError{msg: msg}
}

func (e *invalidError) Error() string { return e.msg }

func (e *invalidError) Unwrap() error { return ErrInvalidOrder }
