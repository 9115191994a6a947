package services

import (
	"context"
	"sync"
)

type clientKey struct {
	userID        string
	clientOrderID string
}

// idemEntry is a placement in flight or completed for one client order id.
// done is closed once result is final; a nil result after done means the
// placement was abandoned and the key is free again.
type idemEntry struct {
	done   chan struct{}
	result *PlaceOrderResult
}

// idempotencyIndex makes placements exactly-once per (user, clientOrderId).
type idempotencyIndex struct {
	mu      sync.Mutex
	entries map[clientKey]*idemEntry
}

func newIdempotencyIndex() *idempotencyIndex {
	return &idempotencyIndex{entries: make(map[clientKey]*idemEntry)}
}

// reserve returns the entry for k and whether the caller now owns it.
func (x *idempotencyIndex) reserve(k clientKey) (*idemEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[k]; ok {
		return e, false
	}
	e := &idemEntry{done: make(chan struct{})}
	x.entries[k] = e
	return e, true
}

// wait blocks until the owner finishes. It returns nil if the owner released the key.
func (x *idempotencyIndex) wait(ctx context.Context, e *idemEntry) (*PlaceOrderResult, error) {
	select {
	case <-e.done:
		return e.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (x *idempotencyIndex) complete(e *idemEntry, res *PlaceOrderResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.result = res
	close(e.done)
}

// release frees k so a later placement can retry it.
func (x *idempotencyIndex) release(k clientKey, e *idemEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	if x.entries[k] == e {
		delete(x.entries, k)
	}
	close(e.done)
}

// forget drops a completed entry once its order leaves memory; later
// duplicates are resolved through the state store.
func (x *idempotencyIndex) forget(k clientKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[k]; ok && e.result != nil {
		delete(x.entries, k)
	}
}
