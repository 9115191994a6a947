package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/matching"
	"go.uber.org/zap"
)

var (
	// ErrLaneClosed is returned when a job is submitted after shutdown began.
	ErrLaneClosed = errors.New("order book lane is closed")
	// ErrLaneHalted is returned by every unit of work on a lane whose book can no
	// longer be trusted. The engine must be restarted to restore it.
	ErrLaneHalted = errors.New("order book lane is halted")
)

type laneKey = matching.BookKey

type retiredOrder struct {
	id string
	at time.Time
}

// lane serializes every unit of work against one book. Jobs run one at a time on
// the lane goroutine in admission order. The lane goroutine is the only writer of
// book and orders; mu lets concurrent readers see them between units of work.
type lane struct {
	key laneKey
	log *zap.SugaredLogger

	mu       sync.RWMutex
	book     *matching.Book
	orders   map[string]*matching.Order
	retired  []retiredOrder
	seq      uint64
	batchSeq uint64
	// halted is set by the lane goroutine only
	halted error

	jobs    chan func()
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	metrics *Metrics
}

func newLane(key laneKey, queueSize int, metrics *Metrics) *lane {
	l := &lane{
		key:     key,
		log:     logger.With("lane", key.String()),
		book:    matching.NewBook(key),
		orders:  make(map[string]*matching.Order),
		jobs:    make(chan func(), queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
	}
	go l.run()
	return l
}

func (l *lane) run() {
	defer close(l.done)
	for job := range l.jobs {
		job()
		l.metrics.laneQueued(l.key, len(l.jobs))
	}
}

// admit queues job. It blocks while the queue is full and gives up when ctx ends.
func (l *lane) admit(ctx context.Context, job func()) error {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return ErrLaneClosed
	}
	select {
	case l.jobs <- job:
		l.metrics.laneQueued(l.key, len(l.jobs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops admission and waits for queued jobs to finish.
func (l *lane) close() {
	l.closeMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.jobs)
	}
	l.closeMu.Unlock()
	<-l.done
}

// errAdmission wraps failures that happened before the job was queued.
type errAdmission struct{ err error }

func (e *errAdmission) Error() string { return e.err.Error() }
func (e *errAdmission) Unwrap() error { return e.err }

// runInLane executes fn on the lane. Once admitted fn always runs to completion;
// a caller whose ctx ends while waiting gets ctx.Err() and the result is dropped.
// A panic inside fn is turned into matching.ErrInvariant.
func runInLane[T any](ctx context.Context, l *lane, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	results := make(chan outcome, 1)
	job := func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				l.log.Errorw("🚨 Unit of work panicked", "panic", r, "stack", string(debug.Stack()))
				l.metrics.invariantViolated()
				out = outcome{err: fmt.Errorf("%w: panic in lane %s: %v", matching.ErrInvariant, l.key, r)}
			}
			results <- out
		}()
		out.value, out.err = fn()
	}

	var zero T
	if err := l.admit(ctx, job); err != nil {
		return zero, &errAdmission{err: err}
	}
	select {
	case out := <-results:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (l *lane) halt(cause error) {
	l.halted = cause
	l.log.Errorw("🚨 Lane halted, restart the engine to restore the book", "cause", cause)
}

// usable fails once the lane is halted. Called on the lane goroutine.
func (l *lane) usable() error {
	if l.halted != nil {
		return fmt.Errorf("%w: %s: %v", ErrLaneHalted, l.key, l.halted)
	}
	return nil
}

// retire schedules a terminal order for eviction from memory. Caller holds mu.
func (l *lane) retire(o *matching.Order, now time.Time) {
	l.retired = append(l.retired, retiredOrder{id: o.ID, at: now})
}

// evict drops retired orders older than retention and returns them. Caller holds mu.
func (l *lane) evict(now time.Time, retention time.Duration) []*matching.Order {
	var out []*matching.Order
	n := 0
	for _, r := range l.retired {
		if now.Sub(r.at) < retention {
			break
		}
		if o, ok := l.orders[r.id]; ok {
			delete(l.orders, r.id)
			out = append(out, o)
		}
		n++
	}
	l.retired = l.retired[n:]
	return out
}

// order returns a snapshot of an order known to the lane.
func (l *lane) order(id string) *matching.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	if !ok {
		return nil
	}
	return o.Snapshot()
}

// depth returns both sides under one read lock.
func (l *lane) depth(limit int) (bids, asks []matching.DepthLevel, seq uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.Depth(matching.Buy, limit), l.book.Depth(matching.Sell, limit), l.batchSeq
}
