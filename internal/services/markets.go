package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/matching"
)

// MarketInfo is a tradable binary market
type MarketInfo struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	TickSize matching.Price `json:"-"`
	Tick     string         `json:"tickSize"`
	MinSize  uint64         `json:"minSize"`
	Paused   bool           `json:"paused"`
}

// MarketRegistry holds the markets the engine accepts orders for.
type MarketRegistry struct {
	mu            sync.RWMutex
	markets       map[string]MarketInfo
	allowUnlisted bool
}

// NewMarketRegistry validates the configured markets. With allowUnlisted, unknown
// market ids are accepted with no tick or size constraints.
func NewMarketRegistry(cfgs []config.MarketConfig, allowUnlisted bool) (*MarketRegistry, error) {
	r := &MarketRegistry{markets: make(map[string]MarketInfo, len(cfgs)), allowUnlisted: allowUnlisted}
	for _, c := range cfgs {
		var tick matching.Price
		if c.TickSize != "" {
			p, err := matching.ParsePrice(c.TickSize)
			if err != nil || p == 0 || p >= matching.PriceScale {
				return nil, fmt.Errorf("market %s: invalid tick size %q", c.ID, c.TickSize)
			}
			tick = p
		}
		r.markets[c.ID] = MarketInfo{
			ID:       c.ID,
			Title:    c.Title,
			TickSize: tick,
			Tick:     tick.String(),
			MinSize:  c.MinSize,
			Paused:   c.Paused,
		}
	}
	return r, nil
}

// Rules returns the validation rules for a market.
func (r *MarketRegistry) Rules(marketID string) (matching.MarketRules, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[marketID]
	if !ok {
		if r.allowUnlisted && marketID != "" {
			return matching.MarketRules{}, nil
		}
		return matching.MarketRules{}, fmt.Errorf("%w: %s", matching.ErrUnknownMarket, marketID)
	}
	return matching.MarketRules{TickSize: m.TickSize, MinSize: m.MinSize, Paused: m.Paused}, nil
}

// Known reports whether balances may be held in marketID.
func (r *MarketRegistry) Known(marketID string) error {
	_, err := r.Rules(marketID)
	return err
}

// List returns every configured market sorted by id.
func (r *MarketRegistry) List() []MarketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MarketInfo, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPaused halts or resumes new placements in a market. Resting orders stay
// cancellable.
func (r *MarketRegistry) SetPaused(marketID string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", matching.ErrUnknownMarket, marketID)
	}
	m.Paused = paused
	r.markets[marketID] = m
	return nil
}
