package ledger

import (
	"fmt"

	"github.com/bankai-project/clob/internal/matching"
)

// Tx holds a market partition's write lock while journals are staged on a
// working copy. Commit publishes the staged accounts; Rollback discards them.
// Exactly one of them releases the lock, and calling either again is a no-op.
type Tx struct {
	marketID string
	p        *partition
	staged   map[accountKey]account
	order    []accountKey
	closed   bool
}

// Begin opens a transaction on marketID. The caller must Commit or Rollback.
func (l *Ledger) Begin(marketID string) *Tx {
	p := l.partition(marketID)
	p.mu.Lock()
	return &Tx{marketID: marketID, p: p, staged: make(map[accountKey]account)}
}

func (tx *Tx) current(k accountKey) account {
	if a, ok := tx.staged[k]; ok {
		return a
	}
	return tx.p.accounts[k]
}

// Prepare validates every entry of j in order on top of what the transaction has
// staged so far. When any entry fails, nothing from j is staged.
func (tx *Tx) Prepare(j *Journal) error {
	if tx.closed {
		return ErrTxClosed
	}
	if j.MarketID != tx.marketID {
		return fmt.Errorf("journal for market %s applied to %s", j.MarketID, tx.marketID)
	}
	work := make(map[accountKey]account, len(j.Entries))
	var fresh []accountKey
	for _, e := range j.Entries {
		k := accountKey{userID: e.UserID, asset: e.Asset}
		a, ok := work[k]
		if !ok {
			a = tx.current(k)
			if _, staged := tx.staged[k]; !staged {
				fresh = append(fresh, k)
			}
		}
		next, err := apply(a, e)
		if err != nil {
			return err
		}
		work[k] = next
	}
	for k, a := range work {
		tx.staged[k] = a
	}
	tx.order = append(tx.order, fresh...)
	return nil
}

// Balance reads an account as the transaction currently sees it.
func (tx *Tx) Balance(userID string, asset matching.Asset) Balance {
	a := tx.current(accountKey{userID: userID, asset: asset})
	return Balance{UserID: userID, MarketID: tx.marketID, Asset: asset, Available: a.available, Locked: a.locked}
}

// Changes returns the staged post-state of every touched account in first-touch order.
func (tx *Tx) Changes() []Balance {
	out := make([]Balance, 0, len(tx.order))
	for _, k := range tx.order {
		a := tx.staged[k]
		out = append(out, Balance{UserID: k.userID, MarketID: tx.marketID, Asset: k.asset, Available: a.available, Locked: a.locked})
	}
	return out
}

// Committed returns the state every touched account had before the transaction,
// in first-touch order. It is what a store must be reset to when a unit of work
// fails after its staged state was persisted.
func (tx *Tx) Committed() []Balance {
	out := make([]Balance, 0, len(tx.order))
	for _, k := range tx.order {
		a := tx.p.accounts[k]
		out = append(out, Balance{UserID: k.userID, MarketID: tx.marketID, Asset: k.asset, Available: a.available, Locked: a.locked})
	}
	return out
}

// Accounts returns every account of the partition as the transaction sees it,
// sorted by user then asset.
func (tx *Tx) Accounts() []Balance {
	seen := make(map[accountKey]bool, len(tx.p.accounts)+len(tx.staged))
	out := make([]Balance, 0, len(tx.p.accounts)+len(tx.staged))
	add := func(k accountKey) {
		if seen[k] {
			return
		}
		seen[k] = true
		a := tx.current(k)
		out = append(out, Balance{UserID: k.userID, MarketID: tx.marketID, Asset: k.asset, Available: a.available, Locked: a.locked})
	}
	for k := range tx.p.accounts {
		add(k)
	}
	for _, k := range tx.order {
		add(k)
	}
	sortBalances(out)
	return out
}

// Commit publishes the staged accounts and releases the partition.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	for k, a := range tx.staged {
		tx.p.accounts[k] = a
	}
	tx.close()
	return nil
}

// Rollback discards the staged accounts and releases the partition.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.close()
}

func (tx *Tx) close() {
	tx.closed = true
	tx.staged = nil
	tx.p.mu.Unlock()
}
