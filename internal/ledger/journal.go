package ledger

import (
	"fmt"

	"github.com/bankai-project/clob/internal/matching"
)

// EntryKind is the operation a journal entry performs.
type EntryKind string

const (
	EntryLock   EntryKind = "lock"
	EntryUnlock EntryKind = "unlock"
	EntrySettle EntryKind = "settle"
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// Entry is one balance mutation. Amount is the primary amount; Credit is only
// used by settle entries (the amount credited back to available).
type Entry struct {
	Kind   EntryKind
	UserID string
	Asset  matching.Asset
	Amount uint64
	Credit uint64
}

// Journal is an ordered batch of entries against one market partition.
// Zero-amount entries are dropped as they are added.
type Journal struct {
	MarketID string
	Entries  []Entry
}

func NewJournal(marketID string) *Journal {
	return &Journal{MarketID: marketID}
}

func (j *Journal) add(e Entry) *Journal {
	if e.Amount == 0 && e.Credit == 0 {
		return j
	}
	j.Entries = append(j.Entries, e)
	return j
}

// Lock moves amount from available to locked.
func (j *Journal) Lock(userID string, asset matching.Asset, amount uint64) *Journal {
	return j.add(Entry{Kind: EntryLock, UserID: userID, Asset: asset, Amount: amount})
}

// Unlock moves amount from locked to available.
func (j *Journal) Unlock(userID string, asset matching.Asset, amount uint64) *Journal {
	return j.add(Entry{Kind: EntryUnlock, UserID: userID, Asset: asset, Amount: amount})
}

// Settle debits lockedDelta from locked and credits availableDelta to available
// of the same account. availableDelta is the unconsumed part of the reserve.
func (j *Journal) Settle(userID string, asset matching.Asset, lockedDelta, availableDelta uint64) *Journal {
	return j.add(Entry{Kind: EntrySettle, UserID: userID, Asset: asset, Amount: lockedDelta, Credit: availableDelta})
}

// Credit adds amount to available.
func (j *Journal) Credit(userID string, asset matching.Asset, amount uint64) *Journal {
	return j.add(Entry{Kind: EntryCredit, UserID: userID, Asset: asset, Amount: amount})
}

// Debit removes amount from available.
func (j *Journal) Debit(userID string, asset matching.Asset, amount uint64) *Journal {
	return j.add(Entry{Kind: EntryDebit, UserID: userID, Asset: asset, Amount: amount})
}

func (j *Journal) Deposit(userID string, amount uint64) *Journal {
	return j.Credit(userID, USDC, amount)
}

func (j *Journal) Withdraw(userID string, amount uint64) *Journal {
	return j.Debit(userID, USDC, amount)
}

// Split mints a complete set: amount USDC becomes amount YES plus amount NO.
func (j *Journal) Split(userID string, amount uint64) *Journal {
	return j.Debit(userID, USDC, amount).Credit(userID, YES, amount).Credit(userID, NO, amount)
}

// Merge burns a complete set back into USDC.
func (j *Journal) Merge(userID string, amount uint64) *Journal {
	return j.Debit(userID, YES, amount).Debit(userID, NO, amount).Credit(userID, USDC, amount)
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	return len(j.Entries)
}

func apply(a account, e Entry) (account, error) {
	var err error
	switch e.Kind {
	case EntryLock:
		if a.available < e.Amount {
			return a, insufficient(ErrInsufficientBalance, e, a)
		}
		a.available -= e.Amount
		a.locked, err = matching.AddAmount(a.locked, e.Amount)
	case EntryUnlock:
		if a.locked < e.Amount {
			return a, insufficient(ErrInsufficientLocked, e, a)
		}
		a.locked -= e.Amount
		a.available, err = matching.AddAmount(a.available, e.Amount)
	case EntrySettle:
		if a.locked < e.Amount {
			return a, insufficient(ErrInsufficientLocked, e, a)
		}
		if e.Credit > e.Amount {
			return a, fmt.Errorf("%w: settle credit %d exceeds debit %d for %s", ErrInsufficientLocked, e.Credit, e.Amount, e.UserID)
		}
		a.locked -= e.Amount
		a.available, err = matching.AddAmount(a.available, e.Credit)
	case EntryCredit:
		a.available, err = matching.AddAmount(a.available, e.Amount)
	case EntryDebit:
		if a.available < e.Amount {
			return a, insufficient(ErrInsufficientBalance, e, a)
		}
		a.available -= e.Amount
	default:
		return a, fmt.Errorf("unknown journal entry kind %q", e.Kind)
	}
	if err != nil {
		return a, err
	}
	if _, err := matching.AddAmount(a.available, a.locked); err != nil {
		return a, err
	}
	return a, nil
}
