/**
 * @description
 * Event emission for committed units of work.
 * Every committed place/cancel produces one EventBatch (fills, book deltas and order
 * snapshots) which is queued and fanned out to the configured publishers.
 *
 * @notes
 * - Delivery is at-least-once and fire-and-forget. A failing publisher is logged and
 *   never affects matching.
 * - Batches carry a per-book sequence so consumers can drop duplicates.
 */

package services

import (
	"context"
	"sync"
	"time"

	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/matching"
)

// DeltaKind is add or remove
type DeltaKind string

const (
	DeltaAdd    DeltaKind = "add"
	DeltaRemove DeltaKind = "remove"
)

// FillEvent is published once per execution
type FillEvent struct {
	MakerOrderID string           `json:"makerOrderId"`
	TakerOrderID string           `json:"takerOrderId"`
	MarketID     string           `json:"marketId"`
	Outcome      matching.Outcome `json:"outcome"`
	Price        string           `json:"price"`
	Size         uint64           `json:"size"`
	Timestamp    time.Time        `json:"timestamp"`
	MakerUserID  string           `json:"makerUserId"`
	TakerUserID  string           `json:"takerUserId"`
	TakerSide    matching.Side    `json:"takerSide"`
	Fee          uint64           `json:"fee"`
	MakerRebate  uint64           `json:"makerRebate"`
	FeeAsset     matching.Asset   `json:"feeAsset,omitempty"`
}

// BookDelta is a change to the resting size at one price level
type BookDelta struct {
	MarketID string           `json:"marketId"`
	Outcome  matching.Outcome `json:"outcome"`
	Side     matching.Side    `json:"side"`
	Event    DeltaKind        `json:"event"`
	OrderID  string           `json:"orderId"`
	Price    string           `json:"price"`
	Amount   uint64           `json:"amount"`
}

// OrderEvent is an order snapshot after the unit of work
type OrderEvent struct {
	OrderID        string               `json:"orderId"`
	ClientOrderID  string               `json:"clientOrderId,omitempty"`
	UserID         string               `json:"userId"`
	WalletAddress  string               `json:"walletAddress,omitempty"`
	MarketID       string               `json:"marketId"`
	Outcome        matching.Outcome     `json:"outcome"`
	Side           matching.Side        `json:"side"`
	OrderType      matching.OrderType   `json:"orderType"`
	TimeInForce    matching.TimeInForce `json:"timeInForce"`
	Price          string               `json:"price"`
	OriginalAmount uint64               `json:"originalAmount"`
	FilledAmount   uint64               `json:"filledAmount"`
	Status         matching.Status      `json:"status"`
	Sequence       uint64               `json:"sequence"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// EventBatch is everything one unit of work changed
type EventBatch struct {
	Sequence  uint64           `json:"sequence"`
	MarketID  string           `json:"marketId"`
	Outcome   matching.Outcome `json:"outcome"`
	Timestamp time.Time        `json:"timestamp"`
	Fills     []FillEvent      `json:"fills,omitempty"`
	Deltas    []BookDelta      `json:"deltas,omitempty"`
	Orders    []OrderEvent     `json:"orders,omitempty"`
}

// Empty reports whether the batch carries nothing
func (b *EventBatch) Empty() bool {
	return len(b.Fills) == 0 && len(b.Deltas) == 0 && len(b.Orders) == 0
}

func newFillEvent(key matching.BookKey, f matching.Fill) FillEvent {
	return FillEvent{
		MakerOrderID: f.MakerOrderID,
		TakerOrderID: f.TakerOrderID,
		MarketID:     key.MarketID,
		Outcome:      key.Outcome,
		Price:        f.Price.String(),
		Size:         f.Size,
		Timestamp:    f.Timestamp,
		MakerUserID:  f.MakerUserID,
		TakerUserID:  f.TakerUserID,
		TakerSide:    f.TakerSide,
		Fee:          f.Fee,
		MakerRebate:  f.MakerRebate,
		FeeAsset:     f.FeeAsset,
	}
}

func newOrderEvent(o *matching.Order) OrderEvent {
	return OrderEvent{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		UserID:         o.UserID,
		WalletAddress:  o.WalletAddress,
		MarketID:       o.MarketID,
		Outcome:        o.Outcome,
		Side:           o.Side,
		OrderType:      o.Type,
		TimeInForce:    o.TimeInForce,
		Price:          o.Price.String(),
		OriginalAmount: o.OriginalAmount,
		FilledAmount:   o.FilledAmount,
		Status:         o.Status,
		Sequence:       o.Sequence,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func newDelta(o *matching.Order, kind DeltaKind, amount uint64) BookDelta {
	return BookDelta{
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		Side:     o.Side,
		Event:    kind,
		OrderID:  o.ID,
		Price:    o.Price.String(),
		Amount:   amount,
	}
}

// Publisher is a sink for committed batches
type Publisher interface {
	Name() string
	Publish(ctx context.Context, batch *EventBatch) error
	Close() error
}

// EventEmitter queues batches and hands them to every publisher on a single
// dispatcher goroutine, so batches of one book reach each sink in commit order.
type EventEmitter struct {
	publishers []Publisher
	queue      chan *EventBatch
	timeout    time.Duration
	metrics    *Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewEventEmitter starts the dispatcher. buffer bounds the queue; a full queue
// blocks Emit rather than dropping batches.
func NewEventEmitter(buffer int, metrics *Metrics, publishers ...Publisher) *EventEmitter {
	if buffer <= 0 {
		buffer = 1024
	}
	e := &EventEmitter{
		publishers: publishers,
		queue:      make(chan *EventBatch, buffer),
		timeout:    5 * time.Second,
		metrics:    metrics,
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit enqueues a batch. Empty batches are ignored.
func (e *EventEmitter) Emit(batch *EventBatch) {
	if e == nil || batch == nil || batch.Empty() {
		return
	}
	defer func() {
		// emitting after Close is a shutdown race, not a matching failure
		if r := recover(); r != nil {
			logger.Error("⚠️ Event batch %d for %s:%s dropped after shutdown", batch.Sequence, batch.MarketID, batch.Outcome)
		}
	}()
	e.queue <- batch
}

func (e *EventEmitter) run() {
	defer close(e.done)
	for batch := range e.queue {
		for _, p := range e.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			err := p.Publish(ctx, batch)
			cancel()
			if err != nil {
				logger.Error("⚠️ Failed to publish event batch %d for %s:%s to %s: %v", batch.Sequence, batch.MarketID, batch.Outcome, p.Name(), err)
				e.metrics.eventPublishFailed(p.Name())
				continue
			}
			e.metrics.eventPublished(p.Name())
		}
	}
}

// Close drains the queue, waits for the dispatcher and closes every publisher.
func (e *EventEmitter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.queue)
		<-e.done
		for _, p := range e.publishers {
			if err := p.Close(); err != nil {
				logger.Error("Failed to close publisher %s: %v", p.Name(), err)
			}
		}
	})
}
