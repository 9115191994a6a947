/**
 * @description
 * Order lifecycle manager for the CLOB.
 * Orchestrates each place/cancel as one atomic unit of work spanning the order book,
 * the balance ledger and the live state store, then emits the resulting events.
 *
 * @dependencies
 * - backend/internal/matching: book + crossing
 * - backend/internal/ledger: balances
 * - github.com/google/uuid: order ids
 *
 * @notes
 * - One lane per (market, outcome). Units of work on the same book are serialized
 *   in admission order; different books run in parallel.
 * - Inside a unit: ledger partition lock -> plan -> journal -> store save ->
 *   book write lock -> apply + ledger commit. Nothing is visible until the end.
 * - A caller that stops waiting never aborts an admitted unit of work.
 */

package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/matching"
	"github.com/google/uuid"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrNotOwner         = errors.New("order belongs to another user")
	ErrAlreadyTerminal  = errors.New("order is already filled or cancelled")
	ErrStoreUnavailable = errors.New("live state store unavailable")
)

// ReasonFOKUnsatisfied is reported when a fill-or-kill order cannot fill completely.
const ReasonFOKUnsatisfied = "FOK_UNSATISFIED"

// PlaceOrderParams is the raw placement request
type PlaceOrderParams = matching.OrderRequest

// FillResult is one execution as seen by the taker
type FillResult struct {
	MakerOrderID string    `json:"makerOrderId"`
	Price        string    `json:"price"`
	Size         uint64    `json:"size"`
	Fee          uint64    `json:"fee,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// PlaceOrderResult is returned by PlaceOrder. RemainingAmount is the amount still
// resting in the book; CancelledAmount is what an IOC/market order discarded.
type PlaceOrderResult struct {
	OrderID         string          `json:"orderId,omitempty"`
	ClientOrderID   string          `json:"clientOrderId,omitempty"`
	Status          matching.Status `json:"status"`
	FilledAmount    uint64          `json:"filledAmount"`
	RemainingAmount uint64          `json:"remainingAmount"`
	CancelledAmount uint64          `json:"cancelledAmount"`
	Fills           []FillResult    `json:"fills"`
	Success         bool            `json:"success"`
	Reason          string          `json:"reason,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
}

// CancelResult is returned by CancelOrder
type CancelResult struct {
	OrderID        string          `json:"orderId"`
	Status         matching.Status `json:"status"`
	UnlockedAmount uint64          `json:"unlockedAmount"`
	UnlockedAsset  matching.Asset  `json:"unlockedAsset"`
}

// CancelAllResult is returned by CancelAllOrders. TotalUnlocked sums every asset;
// UnlockedByAsset has the split.
type CancelAllResult struct {
	CancelledCount  int                       `json:"cancelledCount"`
	TotalUnlocked   uint64                    `json:"totalUnlocked"`
	UnlockedByAsset map[matching.Asset]uint64 `json:"unlockedByAsset"`
	OrderIDs        []string                  `json:"orderIds"`
}

// DepthEntry is one aggregated price level
type DepthEntry struct {
	Price string `json:"price"`
	Size  uint64 `json:"size"`
}

// DepthResult is a depth snapshot of one book
type DepthResult struct {
	MarketID string           `json:"marketId"`
	Outcome  matching.Outcome `json:"outcome"`
	Bids     []DepthEntry     `json:"bids"`
	Asks     []DepthEntry     `json:"asks"`
	Sequence uint64           `json:"sequence"`
}

// OrderServiceOptions tunes the engine
type OrderServiceOptions struct {
	LaneQueueSize  int
	SelfTrade      matching.SelfTradePolicy
	Fees           matching.FeeSchedule
	FeeCollectorID string
	OrderRetention time.Duration
	StoreTimeout   time.Duration
}

type OrderService struct {
	Ledger  *ledger.Ledger
	Markets *MarketRegistry
	Store   StateStore
	Emitter *EventEmitter
	Metrics *Metrics

	opts    OrderServiceOptions
	matcher *matching.Matcher

	lanesMu sync.RWMutex
	lanes   map[laneKey]*lane
	closed  bool

	orderIndex sync.Map // order id -> laneKey
	idem       *idempotencyIndex

	now   func() time.Time
	newID func() string
}

// OptionsFromConfig maps engine and fee settings onto service options.
func OptionsFromConfig(cfg *config.Config) (OrderServiceOptions, error) {
	policy, err := matching.ParseSelfTradePolicy(cfg.Engine.SelfTradePolicy)
	if err != nil {
		return OrderServiceOptions{}, err
	}
	return OrderServiceOptions{
		LaneQueueSize:  cfg.Engine.LaneQueueSize,
		SelfTrade:      policy,
		Fees: matching.FeeSchedule{
			CenterRate:      cfg.Fees.CenterTakerRate,
			ExtremeRate:     cfg.Fees.ExtremeTakerRate,
			MakerRebateRate: cfg.Fees.MakerRebateRate,
		},
		FeeCollectorID: cfg.Engine.FeeCollectorID,
		OrderRetention: cfg.Engine.OrderRetention,
		StoreTimeout:   cfg.Engine.StoreTimeout,
	}, nil
}

func NewOrderService(l *ledger.Ledger, markets *MarketRegistry, store StateStore, emitter *EventEmitter, metrics *Metrics, opts OrderServiceOptions) *OrderService {
	if opts.LaneQueueSize <= 0 {
		opts.LaneQueueSize = 1024
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.SelfTrade == "" {
		opts.SelfTrade = matching.SelfTradeAllow
	}
	if store == nil {
		store = NopStore{}
	}
	return &OrderService{
		Ledger:  l,
		Markets: markets,
		Store:   store,
		Emitter: emitter,
		Metrics: metrics,
		opts:    opts,
		matcher: &matching.Matcher{SelfTrade: opts.SelfTrade, Fees: opts.Fees},
		lanes:   make(map[laneKey]*lane),
		idem:    newIdempotencyIndex(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

func (s *OrderService) lane(key laneKey) (*lane, error) {
	s.lanesMu.RLock()
	l, ok := s.lanes[key]
	closed := s.closed
	s.lanesMu.RUnlock()
	if ok {
		return l, nil
	}
	if closed {
		return nil, ErrLaneClosed
	}

	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	if s.closed {
		return nil, ErrLaneClosed
	}
	if l, ok = s.lanes[key]; ok {
		return l, nil
	}
	l = newLane(key, s.opts.LaneQueueSize, s.Metrics)
	s.lanes[key] = l
	return l, nil
}

func (s *OrderService) existingLane(key laneKey) *lane {
	s.lanesMu.RLock()
	defer s.lanesMu.RUnlock()
	return s.lanes[key]
}

// Close stops admitting work and waits for every queued unit of work.
func (s *OrderService) Close() {
	s.lanesMu.Lock()
	s.closed = true
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.lanesMu.Unlock()

	for _, l := range lanes {
		l.close()
	}
}

func (s *OrderService) storeContext() (context.Context, context.CancelFunc) {
	// admitted work must not depend on the caller's deadline
	return context.WithTimeout(context.Background(), s.opts.StoreTimeout)
}

// PlaceOrder validates params and runs the placement as one unit of work on the
// order's book.
func (s *OrderService) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*PlaceOrderResult, error) {
	if strings.TrimSpace(params.MarketID) == "" {
		s.Metrics.orderRejected("validation")
		return nil, fmt.Errorf("%w: marketId", matching.ErrMissingField)
	}
	rules, err := s.Markets.Rules(strings.TrimSpace(params.MarketID))
	if err != nil {
		s.Metrics.orderRejected("validation")
		return nil, err
	}
	order, err := params.Validate(rules)
	if err != nil {
		s.Metrics.orderRejected("validation")
		return nil, err
	}

	var (
		entry *idemEntry
		ck    clientKey
	)
	if order.ClientOrderID != "" {
		ck = clientKey{userID: order.UserID, clientOrderID: order.ClientOrderID}
		for {
			e, owner := s.idem.reserve(ck)
			if owner {
				entry = e
				break
			}
			res, err := s.idem.wait(ctx, e)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return s.duplicateResult(res), nil
			}
		}

		sctx, cancel := s.storeContext()
		existing, err := s.Store.LookupClientOrder(sctx, ck.userID, ck.clientOrderID)
		cancel()
		if err != nil {
			s.idem.release(ck, entry)
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if existing != "" {
			res, err := s.resultFromStored(ctx, existing)
			if err != nil {
				s.idem.release(ck, entry)
				return nil, err
			}
			s.idem.complete(entry, res)
			return s.duplicateResult(res), nil
		}
	}

	now := s.now()
	order.ID = s.newID()
	order.CreatedAt = now
	order.UpdatedAt = now

	l, err := s.lane(order.Key())
	if err != nil {
		if entry != nil {
			s.idem.release(ck, entry)
		}
		return nil, err
	}

	res, err := runInLane(ctx, l, func() (*PlaceOrderResult, error) {
		res, err := s.place(l, order)
		if entry != nil {
			if err == nil && res.Success {
				s.idem.complete(entry, res)
			} else {
				s.idem.release(ck, entry)
			}
		}
		return res, err
	})
	var admission *errAdmission
	if errors.As(err, &admission) {
		if entry != nil {
			s.idem.release(ck, entry)
		}
		return nil, admission.err
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && res == nil {
		return &PlaceOrderResult{OrderID: order.ID, ClientOrderID: order.ClientOrderID},
			fmt.Errorf("order %s admitted, result pending: %w", order.ID, err)
	}
	return res, err
}

// place is the placement unit of work. It runs on the lane goroutine.
func (s *OrderService) place(l *lane, o *matching.Order) (*PlaceOrderResult, error) {
	started := time.Now()
	defer s.Metrics.observeUnit("place", started)
	if err := l.usable(); err != nil {
		return nil, err
	}

	tx := s.Ledger.Begin(o.MarketID)
	defer tx.Rollback()

	reserve, err := o.ReserveFor(o.OriginalAmount)
	if err != nil {
		s.Metrics.orderRejected("overflow")
		return nil, err
	}
	lock := ledger.NewJournal(o.MarketID).Lock(o.UserID, o.ReserveAsset(), reserve)
	if err := tx.Prepare(lock); err != nil {
		s.Metrics.orderRejected("balance")
		return nil, err
	}

	now := s.now()
	plan, err := s.matcher.Plan(l.book, o, now)
	if err != nil {
		return nil, s.invariant(l, "plan", err)
	}
	if plan.Killed {
		s.Metrics.orderRejected("fok")
		return &PlaceOrderResult{
			ClientOrderID: o.ClientOrderID,
			Status:        matching.StatusRejected,
			Fills:         []FillResult{},
			Success:       false,
			Reason:        ReasonFOKUnsatisfied,
		}, nil
	}

	settle := ledger.NewJournal(o.MarketID)
	if err := settlementJournal(settle, l.book, plan, s.opts.FeeCollectorID); err != nil {
		return nil, s.invariant(l, "settlement", err)
	}
	if err := tx.Prepare(settle); err != nil {
		return nil, s.invariant(l, "settlement", err)
	}
	if err := s.matcher.Verify(l.book, plan); err != nil {
		if errors.Is(err, matching.ErrLevelFull) {
			s.Metrics.orderRejected("overflow")
			return nil, err
		}
		return nil, s.invariant(l, "verify", err)
	}

	o.Sequence = l.seq + 1
	touched := previewOrders(l.book, plan, now)
	unit := &UnitState{
		Book:          l.key,
		Sequence:      o.Sequence,
		BatchSequence: l.batchSeq + 1,
		Orders:        touched,
		Balances:      tx.Changes(),
	}
	if o.ClientOrderID != "" {
		unit.Idempotency = []IdempotencyRecord{{UserID: o.UserID, ClientOrderID: o.ClientOrderID, OrderID: o.ID}}
	}
	undo := &UnitState{
		Book:          l.key,
		Sequence:      l.seq,
		BatchSequence: l.batchSeq,
		Orders:        priorOrders(l.book, plan, now),
		Balances:      tx.Committed(),
		Released:      unit.Idempotency,
	}

	batch := &EventBatch{MarketID: l.key.MarketID, Outcome: l.key.Outcome, Timestamp: now}
	for _, m := range plan.SelfTradeCancels {
		batch.Deltas = append(batch.Deltas, newDelta(m, DeltaRemove, m.Remaining()))
	}
	for _, f := range plan.Fills {
		batch.Fills = append(batch.Fills, newFillEvent(l.key, f))
		batch.Deltas = append(batch.Deltas, newDelta(l.book.Get(f.MakerOrderID), DeltaRemove, f.Size))
	}

	sctx, cancel := s.storeContext()
	err = s.Store.Save(sctx, unit)
	cancel()
	if err != nil {
		s.Metrics.orderRejected("store")
		l.log.Errorw("Failed to persist placement", "order", o.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	l.mu.Lock()
	err = s.matcher.Apply(l.book, plan, now)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		l.mu.Unlock()
		return nil, s.abortSaved(l, undo, "apply", err)
	}
	l.seq = o.Sequence
	l.batchSeq = unit.BatchSequence
	l.orders[o.ID] = o
	s.orderIndex.Store(o.ID, l.key)
	if o.Status.Terminal() {
		l.retire(o, now)
	}
	for _, m := range plan.SelfTradeCancels {
		l.retire(m, now)
	}
	for _, f := range plan.Fills {
		if f.MakerFull {
			l.retire(l.orders[f.MakerOrderID], now)
		}
	}
	evicted := l.evict(now, s.opts.OrderRetention)
	resting := l.book.Len()
	l.mu.Unlock()
	s.forget(evicted)

	if plan.Rest {
		batch.Deltas = append(batch.Deltas, newDelta(o, DeltaAdd, o.Remaining()))
	}
	for _, t := range touched {
		batch.Orders = append(batch.Orders, newOrderEvent(t))
	}
	batch.Sequence = unit.BatchSequence
	s.Emitter.Emit(batch)

	s.Metrics.orderPlaced(l.key, string(o.Status))
	s.Metrics.filled(l.key, plan.Filled)
	s.Metrics.bookSize(l.key, resting)

	return placeResult(o, plan.Fills), nil
}

// previewOrders returns snapshots of every order the plan touches, in their
// post-apply state, without mutating the book.
func previewOrders(book *matching.Book, plan *matching.MatchPlan, now time.Time) []*matching.Order {
	out := make([]*matching.Order, 0, len(plan.Fills)+len(plan.SelfTradeCancels)+1)

	taker := plan.Taker.Snapshot()
	taker.FilledAmount = plan.Filled
	taker.Status = plan.Status
	taker.UpdatedAt = now
	out = append(out, taker)

	for _, f := range plan.Fills {
		m := book.Get(f.MakerOrderID).Snapshot()
		m.FilledAmount += f.Size
		m.Status = matching.StatusPartial
		if f.MakerFull {
			m.Status = matching.StatusFilled
		}
		m.UpdatedAt = now
		out = append(out, m)
	}
	for _, c := range plan.SelfTradeCancels {
		m := c.Snapshot()
		m.Status = matching.StatusCancelled
		m.UpdatedAt = now
		out = append(out, m)
	}
	return out
}

// priorOrders returns the orders a plan touches as they are before it is
// applied. The taker, which was never live, is recorded as rejected.
func priorOrders(book *matching.Book, plan *matching.MatchPlan, now time.Time) []*matching.Order {
	out := make([]*matching.Order, 0, len(plan.Fills)+len(plan.SelfTradeCancels)+1)

	taker := plan.Taker.Snapshot()
	taker.FilledAmount = 0
	taker.Status = matching.StatusRejected
	taker.UpdatedAt = now
	out = append(out, taker)

	for _, f := range plan.Fills {
		out = append(out, book.Get(f.MakerOrderID).Snapshot())
	}
	for _, c := range plan.SelfTradeCancels {
		out = append(out, c.Snapshot())
	}
	return out
}

func placeResult(o *matching.Order, fills []matching.Fill) *PlaceOrderResult {
	res := &PlaceOrderResult{
		OrderID:         o.ID,
		ClientOrderID:   o.ClientOrderID,
		Status:          o.Status,
		FilledAmount:    o.FilledAmount,
		RemainingAmount: o.LiveRemaining(),
		CancelledAmount: o.CancelledAmount(),
		Fills:           make([]FillResult, 0, len(fills)),
		Success:         true,
	}
	for _, f := range fills {
		res.Fills = append(res.Fills, FillResult{
			MakerOrderID: f.MakerOrderID,
			Price:        f.Price.String(),
			Size:         f.Size,
			Fee:          f.Fee,
			Timestamp:    f.Timestamp,
		})
	}
	return res
}

// duplicateResult refreshes a stored result with the order's current state.
func (s *OrderService) duplicateResult(res *PlaceOrderResult) *PlaceOrderResult {
	dup := *res
	dup.Fills = append([]FillResult(nil), res.Fills...)
	dup.Duplicate = true
	if o, err := s.GetOrderStatus(context.Background(), res.OrderID); err == nil {
		dup.Status = o.Status
		dup.FilledAmount = o.FilledAmount
		dup.RemainingAmount = o.LiveRemaining()
		dup.CancelledAmount = o.CancelledAmount()
	}
	return &dup
}

func (s *OrderService) resultFromStored(ctx context.Context, orderID string) (*PlaceOrderResult, error) {
	o, err := s.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	res := placeResult(o, nil)
	return res, nil
}

func (s *OrderService) invariant(l *lane, stage string, err error) error {
	if !errors.Is(err, matching.ErrInvariant) {
		err = fmt.Errorf("%w: %s: %v", matching.ErrInvariant, stage, err)
	}
	l.log.Errorw("🚨 Unit of work aborted by consistency check", "stage", stage, "error", err)
	s.Metrics.invariantViolated()
	return err
}

// abortSaved handles a unit of work that failed after its state reached the
// store. The store is reset to undo and the lane is halted: its book may be
// partly changed in memory, and only a restore from the store is trusted again.
func (s *OrderService) abortSaved(l *lane, undo *UnitState, stage string, cause error) error {
	err := s.invariant(l, stage, cause)
	sctx, cancel := s.storeContext()
	defer cancel()
	if serr := s.Store.Save(sctx, undo); serr != nil {
		l.log.Errorw("🚨 Failed to reset the store after an aborted unit of work", "stage", stage, "error", serr)
	}
	l.halt(err)
	return err
}

func (s *OrderService) forget(evicted []*matching.Order) {
	for _, o := range evicted {
		s.orderIndex.Delete(o.ID)
		if o.ClientOrderID != "" {
			s.idem.forget(clientKey{userID: o.UserID, clientOrderID: o.ClientOrderID})
		}
	}
}

func (s *OrderService) locate(ctx context.Context, orderID string) (laneKey, *matching.Order, error) {
	if v, ok := s.orderIndex.Load(orderID); ok {
		return v.(laneKey), nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	o, err := s.Store.LoadOrder(sctx, orderID)
	if err != nil {
		return laneKey{}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if o == nil {
		return laneKey{}, nil, ErrOrderNotFound
	}
	return o.Key(), o, nil
}

// CancelOrder removes a resting order owned by userID and unlocks exactly its
// remaining reserve.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID string) (*CancelResult, error) {
	key, stored, err := s.locate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		// known only to the store: it left memory, so it is terminal
		if stored.UserID != userID {
			return nil, ErrNotOwner
		}
		if stored.Status.Terminal() {
			return nil, ErrAlreadyTerminal
		}
		return nil, ErrOrderNotFound
	}
	l, err := s.lane(key)
	if err != nil {
		return nil, err
	}
	res, err := runInLane(ctx, l, func() (*CancelResult, error) {
		return s.cancel(l, orderID, userID)
	})
	var admission *errAdmission
	if errors.As(err, &admission) {
		return nil, admission.err
	}
	return res, err
}

// cancel is the cancellation unit of work. It runs on the lane goroutine.
func (s *OrderService) cancel(l *lane, orderID, userID string) (*CancelResult, error) {
	started := time.Now()
	defer s.Metrics.observeUnit("cancel", started)
	if err := l.usable(); err != nil {
		return nil, err
	}

	o, ok := l.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if l.book.Get(orderID) != o {
		return nil, s.invariant(l, "cancel", fmt.Errorf("live order %s missing from book", orderID))
	}

	reserve, err := o.Reserve()
	if err != nil {
		return nil, s.invariant(l, "cancel", err)
	}
	asset := o.ReserveAsset()

	tx := s.Ledger.Begin(o.MarketID)
	defer tx.Rollback()
	if err := tx.Prepare(ledger.NewJournal(o.MarketID).Unlock(o.UserID, asset, reserve)); err != nil {
		if errors.Is(err, ledger.ErrInsufficientLocked) {
			return nil, s.invariant(l, "cancel unlock", err)
		}
		return nil, err
	}

	now := s.now()
	preview := o.Snapshot()
	preview.Status = matching.StatusCancelled
	preview.UpdatedAt = now
	unit := &UnitState{
		Book:          l.key,
		Sequence:      l.seq,
		BatchSequence: l.batchSeq + 1,
		Orders:        []*matching.Order{preview},
		Balances:      tx.Changes(),
	}
	sctx, cancel := s.storeContext()
	err = s.Store.Save(sctx, unit)
	cancel()
	if err != nil {
		l.log.Errorw("Failed to persist cancel", "order", o.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	delta := newDelta(o, DeltaRemove, o.Remaining())
	undo := &UnitState{
		Book:          l.key,
		Sequence:      l.seq,
		BatchSequence: l.batchSeq,
		Orders:        []*matching.Order{o.Snapshot()},
		Balances:      tx.Committed(),
	}

	l.mu.Lock()
	if _, err := l.book.Remove(orderID); err != nil {
		l.mu.Unlock()
		return nil, s.abortSaved(l, undo, "cancel remove", err)
	}
	if err := tx.Commit(); err != nil {
		l.mu.Unlock()
		return nil, s.abortSaved(l, undo, "cancel commit", err)
	}
	o.Status = matching.StatusCancelled
	o.UpdatedAt = now
	l.batchSeq = unit.BatchSequence
	l.retire(o, now)
	evicted := l.evict(now, s.opts.OrderRetention)
	resting := l.book.Len()
	l.mu.Unlock()
	s.forget(evicted)

	s.Emitter.Emit(&EventBatch{
		Sequence:  unit.BatchSequence,
		MarketID:  l.key.MarketID,
		Outcome:   l.key.Outcome,
		Timestamp: now,
		Deltas:    []BookDelta{delta},
		Orders:    []OrderEvent{newOrderEvent(preview)},
	})
	s.Metrics.orderCancelled(l.key)
	s.Metrics.bookSize(l.key, resting)

	return &CancelResult{
		OrderID:        o.ID,
		Status:         matching.StatusCancelled,
		UnlockedAmount: reserve,
		UnlockedAsset:  asset,
	}, nil
}

// CancelAllOrders cancels every resting order of userID in a market, optionally
// limited to one outcome. Each cancel is its own unit of work; the returned
// totals cover exactly the cancels that committed. The error joins any failures.
func (s *OrderService) CancelAllOrders(ctx context.Context, userID, marketID string, outcome matching.Outcome) (*CancelAllResult, error) {
	outcomes := []matching.Outcome{matching.OutcomeYes, matching.OutcomeNo}
	if outcome != "" {
		outcomes = []matching.Outcome{outcome}
	}

	total := &CancelAllResult{UnlockedByAsset: make(map[matching.Asset]uint64), OrderIDs: []string{}}
	var errs []error
	for _, oc := range outcomes {
		l := s.existingLane(laneKey{MarketID: marketID, Outcome: oc})
		if l == nil {
			continue
		}
		part, err := runInLane(ctx, l, func() (*CancelAllResult, error) {
			res := &CancelAllResult{UnlockedByAsset: make(map[matching.Asset]uint64)}
			var failures []error
			for _, side := range []matching.Side{matching.Buy, matching.Sell} {
				for _, o := range l.book.Orders(side) {
					if o.UserID != userID {
						continue
					}
					c, err := s.cancel(l, o.ID, userID)
					if err != nil {
						failures = append(failures, fmt.Errorf("cancel %s: %w", o.ID, err))
						continue
					}
					res.CancelledCount++
					res.TotalUnlocked += c.UnlockedAmount
					res.UnlockedByAsset[c.UnlockedAsset] += c.UnlockedAmount
					res.OrderIDs = append(res.OrderIDs, c.OrderID)
				}
			}
			return res, errors.Join(failures...)
		})
		if part != nil {
			total.CancelledCount += part.CancelledCount
			total.TotalUnlocked += part.TotalUnlocked
			for a, v := range part.UnlockedByAsset {
				total.UnlockedByAsset[a] += v
			}
			total.OrderIDs = append(total.OrderIDs, part.OrderIDs...)
		}
		if err != nil {
			var admission *errAdmission
			if errors.As(err, &admission) {
				err = admission.err
			}
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// GetOrderStatus returns a snapshot of an order, falling back to the live state
// store for orders that already left memory.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID string) (*matching.Order, error) {
	key, stored, err := s.locate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}
	if l := s.existingLane(key); l != nil {
		if o := l.order(orderID); o != nil {
			return o, nil
		}
	}
	return nil, ErrOrderNotFound
}

// GetDepth returns up to limit levels per side of one book.
func (s *OrderService) GetDepth(marketID string, outcome matching.Outcome, limit int) (*DepthResult, error) {
	if err := s.Markets.Known(marketID); err != nil {
		return nil, err
	}
	res := &DepthResult{MarketID: marketID, Outcome: outcome, Bids: []DepthEntry{}, Asks: []DepthEntry{}}
	l := s.existingLane(laneKey{MarketID: marketID, Outcome: outcome})
	if l == nil {
		return res, nil
	}
	bids, asks, seq := l.depth(limit)
	res.Sequence = seq
	for _, b := range bids {
		res.Bids = append(res.Bids, DepthEntry{Price: b.Price.String(), Size: b.Size})
	}
	for _, a := range asks {
		res.Asks = append(res.Asks, DepthEntry{Price: a.Price.String(), Size: a.Size})
	}
	return res, nil
}

// GetBalances returns USDC, YES and NO balances of a user in a market.
func (s *OrderService) GetBalances(userID, marketID string) ([]ledger.Balance, error) {
	if err := s.Markets.Known(marketID); err != nil {
		return nil, err
	}
	return s.Ledger.Balances(userID, marketID), nil
}

func (s *OrderService) applyBalanceJournal(ctx context.Context, userID, marketID string, amount uint64, build func(*ledger.Journal)) ([]ledger.Balance, error) {
	if err := s.Markets.Known(marketID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId", matching.ErrMissingField)
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", matching.ErrInvalidAmount)
	}
	j := ledger.NewJournal(marketID)
	build(j)
	_, err := s.Ledger.Apply(j, func(changes []ledger.Balance) error {
		sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()
		if err := s.Store.Save(sctx, &UnitState{Balances: changes}); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Ledger.Balances(userID, marketID), nil
}

// Deposit credits quote currency to a user's market balance.
func (s *OrderService) Deposit(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error) {
	return s.applyBalanceJournal(ctx, userID, marketID, amount, func(j *ledger.Journal) { j.Deposit(userID, amount) })
}

// Withdraw debits available quote currency.
func (s *OrderService) Withdraw(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error) {
	return s.applyBalanceJournal(ctx, userID, marketID, amount, func(j *ledger.Journal) { j.Withdraw(userID, amount) })
}

// Split turns amount USDC into amount YES and amount NO.
func (s *OrderService) Split(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error) {
	return s.applyBalanceJournal(ctx, userID, marketID, amount, func(j *ledger.Journal) { j.Split(userID, amount) })
}

// Merge turns amount YES plus amount NO back into amount USDC.
func (s *OrderService) Merge(ctx context.Context, userID, marketID string, amount uint64) ([]ledger.Balance, error) {
	return s.applyBalanceJournal(ctx, userID, marketID, amount, func(j *ledger.Journal) { j.Merge(userID, amount) })
}

// Restore rebuilds books and balances from the live state store. It must run
// before the service takes traffic.
func (s *OrderService) Restore(ctx context.Context) error {
	snap, err := s.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load live state: %w", err)
	}
	s.Ledger.Restore(snap.Balances)

	restored := 0
	for _, bs := range snap.Books {
		bs := bs
		l, err := s.lane(bs.Key)
		if err != nil {
			return err
		}
		_, err = runInLane(ctx, l, func() (struct{}, error) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.seq = bs.Sequence
			l.batchSeq = bs.BatchSequence
			for _, o := range bs.Orders {
				if err := l.book.Insert(o); err != nil {
					return struct{}{}, fmt.Errorf("failed to restore order %s: %w", o.ID, err)
				}
				l.orders[o.ID] = o
				s.orderIndex.Store(o.ID, l.key)
				if o.Sequence > l.seq {
					l.seq = o.Sequence
				}
			}
			return struct{}{}, l.book.Check()
		})
		if err != nil {
			return err
		}
		restored += len(bs.Orders)
		s.Metrics.bookSize(bs.Key, len(bs.Orders))
	}
	logger.Info("✅ Restored %d books, %d resting orders and %d balances", len(snap.Books), restored, len(snap.Balances))
	return nil
}

// Audit checks every book's structure and that each user's locked balance
// equals the reserves of their resting orders. Each market is checked while no
// unit of work on it is in flight.
func (s *OrderService) Audit() error {
	s.lanesMu.RLock()
	byMarket := make(map[string][]*lane)
	for key, l := range s.lanes {
		byMarket[key.MarketID] = append(byMarket[key.MarketID], l)
	}
	s.lanesMu.RUnlock()

	markets := s.Ledger.Markets()
	for m := range byMarket {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	var errs []error
	seen := make(map[string]bool)
	for _, marketID := range markets {
		if seen[marketID] {
			continue
		}
		seen[marketID] = true
		errs = append(errs, s.auditMarket(marketID, byMarket[marketID])...)
	}
	return errors.Join(errs...)
}

type reserveKey struct {
	userID string
	asset  matching.Asset
}

func (s *OrderService) auditMarket(marketID string, lanes []*lane) []error {
	tx := s.Ledger.Begin(marketID)
	defer tx.Rollback()

	var errs []error
	reserved := make(map[reserveKey]uint64)
	for _, l := range lanes {
		l.mu.RLock()
		if err := l.book.Check(); err != nil {
			errs = append(errs, err)
		}
		for _, side := range []matching.Side{matching.Buy, matching.Sell} {
			for _, o := range l.book.Orders(side) {
				r, err := o.Reserve()
				if err != nil {
					errs = append(errs, err)
					continue
				}
				k := reserveKey{o.UserID, o.ReserveAsset()}
				if reserved[k], err = matching.AddAmount(reserved[k], r); err != nil {
					errs = append(errs, err)
				}
			}
		}
		l.mu.RUnlock()
	}

	for _, b := range tx.Accounts() {
		want := reserved[reserveKey{b.UserID, b.Asset}]
		if b.Locked != want {
			errs = append(errs, fmt.Errorf("%w: %s %s locked %d in %s, resting orders reserve %d",
				matching.ErrInvariant, b.UserID, b.Asset, b.Locked, marketID, want))
		}
		delete(reserved, reserveKey{b.UserID, b.Asset})
	}
	for k, v := range reserved {
		if v > 0 {
			errs = append(errs, fmt.Errorf("%w: %s %s has resting reserve %d in %s but no balance",
				matching.ErrInvariant, k.userID, k.asset, v, marketID))
		}
	}
	return errs
}
