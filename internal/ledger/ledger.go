/**
 * @description
 * Balance ledger: available/locked amounts per (user, market, asset).
 *
 * @notes
 * - The ledger is partitioned by market. Each partition has its own RWMutex, so
 *   readers see either the state before or after a journal, never a mix.
 * - Mutations are expressed as a Journal and applied through a Tx: every entry is
 *   validated against a working copy and nothing is published unless all pass.
 * - Amounts are uint64 smallest units. Arithmetic is checked; nothing is clamped.
 */

package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bankai-project/clob/internal/matching"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientLocked means an unlock or settle asked for more than is
	// reserved. It always indicates a bookkeeping bug upstream.
	ErrInsufficientLocked = errors.New("insufficient locked balance")
	ErrOverflow           = matching.ErrOverflow
	ErrTxClosed           = errors.New("ledger transaction already closed")
)

// Asset names of the three balances a market tracks.
const (
	USDC = matching.AssetUSDC
	YES  = matching.AssetYes
	NO   = matching.AssetNo
)

var assetOrder = []matching.Asset{USDC, YES, NO}

// Balance is a point-in-time view of one account.
type Balance struct {
	UserID    string         `json:"userId"`
	MarketID  string         `json:"marketId"`
	Asset     matching.Asset `json:"asset"`
	Available uint64         `json:"available"`
	Locked    uint64         `json:"locked"`
}

// Total is Available + Locked.
func (b Balance) Total() (uint64, error) {
	return matching.AddAmount(b.Available, b.Locked)
}

type accountKey struct {
	userID string
	asset  matching.Asset
}

type account struct {
	available uint64
	locked    uint64
}

type partition struct {
	mu       sync.RWMutex
	accounts map[accountKey]account
}

// Ledger holds every market partition.
type Ledger struct {
	mu         sync.RWMutex
	partitions map[string]*partition
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{partitions: make(map[string]*partition)}
}

func (l *Ledger) partition(marketID string) *partition {
	l.mu.RLock()
	p, ok := l.partitions[marketID]
	l.mu.RUnlock()
	if ok {
		return p
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok = l.partitions[marketID]; ok {
		return p
	}
	p = &partition{accounts: make(map[accountKey]account)}
	l.partitions[marketID] = p
	return p
}

// Balance returns one account. Unknown accounts read as zero.
func (l *Ledger) Balance(userID, marketID string, asset matching.Asset) Balance {
	p := l.partition(marketID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	a := p.accounts[accountKey{userID: userID, asset: asset}]
	return Balance{UserID: userID, MarketID: marketID, Asset: asset, Available: a.available, Locked: a.locked}
}

// Available returns the spendable amount of one account.
func (l *Ledger) Available(userID, marketID string, asset matching.Asset) uint64 {
	return l.Balance(userID, marketID, asset).Available
}

// Balances returns USDC, YES and NO for a user in a market, read under one lock.
func (l *Ledger) Balances(userID, marketID string) []Balance {
	p := l.partition(marketID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Balance, 0, len(assetOrder))
	for _, asset := range assetOrder {
		a := p.accounts[accountKey{userID: userID, asset: asset}]
		out = append(out, Balance{UserID: userID, MarketID: marketID, Asset: asset, Available: a.available, Locked: a.locked})
	}
	return out
}

// Snapshot returns every account of a market, sorted by user then asset.
func (l *Ledger) Snapshot(marketID string) []Balance {
	p := l.partition(marketID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Balance, 0, len(p.accounts))
	for k, a := range p.accounts {
		out = append(out, Balance{UserID: k.userID, MarketID: marketID, Asset: k.asset, Available: a.available, Locked: a.locked})
	}
	sortBalances(out)
	return out
}

// Totals sums available+locked per asset over every account of a market.
func (l *Ledger) Totals(marketID string) (map[matching.Asset]uint64, error) {
	totals := make(map[matching.Asset]uint64, len(assetOrder))
	for _, b := range l.Snapshot(marketID) {
		t, err := b.Total()
		if err != nil {
			return nil, fmt.Errorf("%s %s of %s: %w", marketID, b.Asset, b.UserID, err)
		}
		if totals[b.Asset], err = matching.AddAmount(totals[b.Asset], t); err != nil {
			return nil, fmt.Errorf("%s %s total: %w", marketID, b.Asset, err)
		}
	}
	return totals, nil
}

// Markets lists every market with a partition.
func (l *Ledger) Markets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.partitions))
	for id := range l.partitions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Restore overwrites accounts with persisted values. Used at startup only.
func (l *Ledger) Restore(balances []Balance) {
	for _, b := range balances {
		p := l.partition(b.MarketID)
		p.mu.Lock()
		p.accounts[accountKey{userID: b.UserID, asset: b.Asset}] = account{available: b.Available, locked: b.Locked}
		p.mu.Unlock()
	}
}

// Apply runs a journal in its own transaction. persist, when set, receives the
// post-state of every touched account before the transaction is published; an
// error from it aborts the journal.
func (l *Ledger) Apply(j *Journal, persist func([]Balance) error) ([]Balance, error) {
	tx := l.Begin(j.MarketID)
	defer tx.Rollback()
	if err := tx.Prepare(j); err != nil {
		return nil, err
	}
	changes := tx.Changes()
	if persist != nil {
		if err := persist(changes); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changes, nil
}

func (l *Ledger) single(marketID string, build func(*Journal)) error {
	j := NewJournal(marketID)
	build(j)
	_, err := l.Apply(j, nil)
	return err
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(userID, marketID string, asset matching.Asset, amount uint64) error {
	return l.single(marketID, func(j *Journal) { j.Lock(userID, asset, amount) })
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(userID, marketID string, asset matching.Asset, amount uint64) error {
	return l.single(marketID, func(j *Journal) { j.Unlock(userID, asset, amount) })
}

// Settle debits lockedDelta from locked and credits availableDelta to available.
func (l *Ledger) Settle(userID, marketID string, asset matching.Asset, lockedDelta, availableDelta uint64) error {
	return l.single(marketID, func(j *Journal) { j.Settle(userID, asset, lockedDelta, availableDelta) })
}

// Deposit credits USDC.
func (l *Ledger) Deposit(userID, marketID string, amount uint64) error {
	return l.single(marketID, func(j *Journal) { j.Deposit(userID, amount) })
}

// Withdraw debits available USDC.
func (l *Ledger) Withdraw(userID, marketID string, amount uint64) error {
	return l.single(marketID, func(j *Journal) { j.Withdraw(userID, amount) })
}

// Split converts USDC into one YES and one NO token per unit.
func (l *Ledger) Split(userID, marketID string, amount uint64) error {
	return l.single(marketID, func(j *Journal) { j.Split(userID, amount) })
}

// Merge converts one YES and one NO token back into one USDC per unit.
func (l *Ledger) Merge(userID, marketID string, amount uint64) error {
	return l.single(marketID, func(j *Journal) { j.Merge(userID, amount) })
}

func sortBalances(bs []Balance) {
	rank := func(a matching.Asset) int {
		for i, x := range assetOrder {
			if x == a {
				return i
			}
		}
		return len(assetOrder)
	}
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].UserID != bs[j].UserID {
			return bs[i].UserID < bs[j].UserID
		}
		return rank(bs[i].Asset) < rank(bs[j].Asset)
	})
}

func insufficient(err error, e Entry, a account) error {
	return fmt.Errorf("%w: %s %d %s for %s (available %d, locked %d)", err, e.Kind, e.Amount, e.Asset, e.UserID, a.available, a.locked)
}
