package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/matching"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarket = "m1"

var testMarkets = []config.MarketConfig{
	{ID: testMarket, Title: "Test market", TickSize: "0.01", MinSize: 1},
	{ID: "halted", TickSize: "0.01", Paused: true},
}

func newTestService(t *testing.T, store StateStore, opts OrderServiceOptions) (*OrderService, *ChannelPublisher) {
	t.Helper()
	markets, err := NewMarketRegistry(testMarkets, false)
	require.NoError(t, err)

	events := NewChannelPublisher(1024)
	emitter := NewEventEmitter(1024, nil, events)
	t.Cleanup(emitter.Close)

	if opts.OrderRetention == 0 {
		opts.OrderRetention = time.Minute
	}
	svc := NewOrderService(ledger.New(), markets, store, emitter, nil, opts)
	t.Cleanup(svc.Close)
	return svc, events
}

func newRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client, time.Hour), mr
}

func limitReq(user, side, price string, amount uint64) PlaceOrderParams {
	return PlaceOrderParams{
		UserID:    user,
		MarketID:  testMarket,
		Outcome:   "YES",
		Side:      side,
		OrderType: "limit",
		Price:     price,
		Amount:    fmt.Sprint(amount),
	}
}

func mustPlace(t *testing.T, svc *OrderService, req PlaceOrderParams) *PlaceOrderResult {
	t.Helper()
	res, err := svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func fund(t *testing.T, svc *OrderService, user string, usdc, split uint64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Deposit(ctx, user, testMarket, usdc)
	require.NoError(t, err)
	if split > 0 {
		_, err = svc.Split(ctx, user, testMarket, split)
		require.NoError(t, err)
	}
}

func bal(svc *OrderService, user string, asset matching.Asset) ledger.Balance {
	return svc.Ledger.Balance(user, testMarket, asset)
}

func nextBatch(t *testing.T, events *ChannelPublisher) *EventBatch {
	t.Helper()
	select {
	case b := <-events.Batches():
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event batch")
		return nil
	}
}

func TestPlaceRestingBuyLocksReserve(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "u1", 100, 0)

	res := mustPlace(t, svc, limitReq("u1", "buy", "0.40", 100))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, matching.StatusOpen, res.Status)
	assert.Equal(t, uint64(100), res.RemainingAmount)
	assert.Empty(t, res.Fills)

	b := bal(svc, "u1", ledger.USDC)
	assert.Equal(t, uint64(60), b.Available)
	assert.Equal(t, uint64(40), b.Locked)

	depth, err := svc.GetDepth(testMarket, matching.OutcomeYes, 10)
	require.NoError(t, err)
	assert.Equal(t, []DepthEntry{{Price: "0.4", Size: 100}}, depth.Bids)
	assert.Empty(t, depth.Asks)
	require.NoError(t, svc.Audit())
}

func TestCrossingOrderSettlesAtMakerPrice(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "seller", 100, 100)
	fund(t, svc, "buyer", 100, 0)

	maker := mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))
	taker := mustPlace(t, svc, limitReq("buyer", "buy", "0.55", 30))

	assert.Equal(t, matching.StatusFilled, taker.Status)
	require.Len(t, taker.Fills, 1)
	assert.Equal(t, maker.OrderID, taker.Fills[0].MakerOrderID)
	assert.Equal(t, "0.5", taker.Fills[0].Price)
	assert.Equal(t, uint64(30), taker.Fills[0].Size)

	// reserve ceil(30*0.55)=17, cost 15, refund 2
	assert.Equal(t, ledger.Balance{UserID: "buyer", MarketID: testMarket, Asset: ledger.USDC, Available: 85}, bal(svc, "buyer", ledger.USDC))
	assert.Equal(t, uint64(30), bal(svc, "buyer", ledger.YES).Available)

	sellerYes := bal(svc, "seller", ledger.YES)
	assert.Equal(t, uint64(50), sellerYes.Available)
	assert.Equal(t, uint64(20), sellerYes.Locked)
	assert.Equal(t, uint64(15), bal(svc, "seller", ledger.USDC).Available)

	makerState, err := svc.GetOrderStatus(context.Background(), maker.OrderID)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPartial, makerState.Status)
	assert.Equal(t, uint64(30), makerState.FilledAmount)

	totals, err := svc.Ledger.Totals(testMarket)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), totals[ledger.USDC])
	assert.Equal(t, uint64(100), totals[ledger.YES])
	assert.Equal(t, uint64(100), totals[ledger.NO])
	require.NoError(t, svc.Audit())
}

func TestIOCUnlocksUnfilledRemainder(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "seller", 50, 50)
	fund(t, svc, "buyer", 100, 0)

	mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))
	req := limitReq("buyer", "buy", "0.50", 80)
	req.TimeInForce = "IOC"
	res := mustPlace(t, svc, req)

	assert.Equal(t, matching.StatusCancelled, res.Status)
	assert.Equal(t, uint64(50), res.FilledAmount)
	assert.Equal(t, uint64(0), res.RemainingAmount)
	assert.Equal(t, uint64(30), res.CancelledAmount)

	b := bal(svc, "buyer", ledger.USDC)
	assert.Equal(t, uint64(75), b.Available)
	assert.Zero(t, b.Locked)

	depth, err := svc.GetDepth(testMarket, matching.OutcomeYes, 0)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
	assert.Empty(t, depth.Asks)
	require.NoError(t, svc.Audit())
}

func TestFOKRejectionChangesNothing(t *testing.T) {
	svc, events := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "seller", 50, 50)
	fund(t, svc, "buyer", 100, 0)

	mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))
	nextBatch(t, events)

	req := limitReq("buyer", "buy", "0.50", 80)
	req.TimeInForce = "FOK"
	res := mustPlace(t, svc, req)

	assert.False(t, res.Success)
	assert.Equal(t, ReasonFOKUnsatisfied, res.Reason)
	assert.Equal(t, matching.StatusRejected, res.Status)
	assert.Empty(t, res.OrderID)
	assert.Empty(t, res.Fills)

	assert.Equal(t, uint64(100), bal(svc, "buyer", ledger.USDC).Available)
	assert.Zero(t, bal(svc, "buyer", ledger.USDC).Locked)
	assert.Equal(t, uint64(50), bal(svc, "seller", ledger.YES).Locked)

	depth, err := svc.GetDepth(testMarket, matching.OutcomeYes, 0)
	require.NoError(t, err)
	assert.Equal(t, []DepthEntry{{Price: "0.5", Size: 50}}, depth.Asks)

	select {
	case b := <-events.Batches():
		t.Fatalf("unexpected batch %d after FOK rejection", b.Sequence)
	case <-time.After(50 * time.Millisecond):
	}

	// a satisfiable FOK fills completely
	req.Amount = "50"
	res = mustPlace(t, svc, req)
	assert.True(t, res.Success)
	assert.Equal(t, matching.StatusFilled, res.Status)
}

func TestMarketBuyReservesAtFullPrice(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "seller", 50, 50)
	fund(t, svc, "buyer", 100, 0)

	mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))
	res := mustPlace(t, svc, PlaceOrderParams{
		UserID:    "buyer",
		MarketID:  testMarket,
		Outcome:   "YES",
		Side:      "buy",
		OrderType: "market",
		Amount:    "30",
	})
	assert.Equal(t, matching.StatusFilled, res.Status)
	assert.Equal(t, uint64(85), bal(svc, "buyer", ledger.USDC).Available)
	assert.Zero(t, bal(svc, "buyer", ledger.USDC).Locked)

	// a market buy larger than its balance at price 1.0 is refused
	_, err := svc.PlaceOrder(context.Background(), PlaceOrderParams{
		UserID: "buyer", MarketID: testMarket, Outcome: "YES", Side: "buy", OrderType: "market", Amount: "90",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.NoError(t, svc.Audit())
}

func TestPlaceOrderRejections(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	ctx := context.Background()

	_, err := svc.PlaceOrder(ctx, limitReq("broke", "buy", "0.40", 10))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	req := limitReq("u1", "buy", "0.40", 10)
	req.MarketID = "nope"
	_, err = svc.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, matching.ErrUnknownMarket)
	assert.ErrorIs(t, err, matching.ErrInvalidOrder)

	req.MarketID = "halted"
	_, err = svc.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, matching.ErrMarketPaused)

	req.MarketID = ""
	_, err = svc.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, matching.ErrMissingField)

	_, err = svc.PlaceOrder(ctx, limitReq("u1", "buy", "0.405", 10))
	assert.ErrorIs(t, err, matching.ErrInvalidPrice)
}

func TestCancelOrderUnlocksReserve(t *testing.T) {
	svc, events := newTestService(t, nil, OrderServiceOptions{})
	ctx := context.Background()
	fund(t, svc, "u1", 100, 0)

	res := mustPlace(t, svc, limitReq("u1", "buy", "0.40", 100))
	nextBatch(t, events)

	_, err := svc.CancelOrder(ctx, res.OrderID, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)

	cancelled, err := svc.CancelOrder(ctx, res.OrderID, "u1")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusCancelled, cancelled.Status)
	assert.Equal(t, uint64(40), cancelled.UnlockedAmount)
	assert.Equal(t, ledger.USDC, cancelled.UnlockedAsset)

	b := bal(svc, "u1", ledger.USDC)
	assert.Equal(t, uint64(100), b.Available)
	assert.Zero(t, b.Locked)

	batch := nextBatch(t, events)
	require.Len(t, batch.Deltas, 1)
	assert.Equal(t, DeltaRemove, batch.Deltas[0].Event)
	assert.Equal(t, uint64(100), batch.Deltas[0].Amount)

	_, err = svc.CancelOrder(ctx, res.OrderID, "u1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = svc.CancelOrder(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	require.NoError(t, svc.Audit())
}

func TestCancelPartiallyFilledSellUnlocksRemainder(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "seller", 100, 100)
	fund(t, svc, "buyer", 100, 0)

	maker := mustPlace(t, svc, limitReq("seller", "sell", "0.60", 100))
	mustPlace(t, svc, limitReq("buyer", "buy", "0.60", 40))

	res, err := svc.CancelOrder(context.Background(), maker.OrderID, "seller")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), res.UnlockedAmount)
	assert.Equal(t, ledger.YES, res.UnlockedAsset)
	assert.Equal(t, uint64(60), bal(svc, "seller", ledger.YES).Available)
	assert.Zero(t, bal(svc, "seller", ledger.YES).Locked)
	require.NoError(t, svc.Audit())
}

func TestCancelAllOrders(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "u1", 100, 0)
	fund(t, svc, "u2", 100, 0)

	mustPlace(t, svc, limitReq("u1", "buy", "0.40", 50))
	mustPlace(t, svc, limitReq("u1", "buy", "0.30", 10))
	noReq := limitReq("u1", "buy", "0.20", 10)
	noReq.Outcome = "NO"
	mustPlace(t, svc, noReq)
	other := mustPlace(t, svc, limitReq("u2", "buy", "0.40", 10))

	res, err := svc.CancelAllOrders(context.Background(), "u1", testMarket, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.CancelledCount)
	assert.Equal(t, uint64(25), res.TotalUnlocked)
	assert.Equal(t, uint64(25), res.UnlockedByAsset[ledger.USDC])
	assert.Len(t, res.OrderIDs, 3)

	assert.Equal(t, uint64(100), bal(svc, "u1", ledger.USDC).Available)
	o, err := svc.GetOrderStatus(context.Background(), other.OrderID)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusOpen, o.Status)

	res, err = svc.CancelAllOrders(context.Background(), "u1", testMarket, matching.OutcomeYes)
	require.NoError(t, err)
	assert.Zero(t, res.CancelledCount)
	require.NoError(t, svc.Audit())
}

func TestSelfTradeCancelResting(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{SelfTrade: matching.SelfTradeCancelResting})
	fund(t, svc, "u1", 200, 100)

	ask := mustPlace(t, svc, limitReq("u1", "sell", "0.50", 50))
	bid := mustPlace(t, svc, limitReq("u1", "buy", "0.50", 20))

	assert.Empty(t, bid.Fills)
	assert.Equal(t, matching.StatusOpen, bid.Status)

	o, err := svc.GetOrderStatus(context.Background(), ask.OrderID)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusCancelled, o.Status)

	assert.Equal(t, uint64(100), bal(svc, "u1", ledger.YES).Available)
	assert.Zero(t, bal(svc, "u1", ledger.YES).Locked)
	assert.Equal(t, uint64(10), bal(svc, "u1", ledger.USDC).Locked)

	depth, err := svc.GetDepth(testMarket, matching.OutcomeYes, 0)
	require.NoError(t, err)
	assert.Empty(t, depth.Asks)
	assert.Equal(t, []DepthEntry{{Price: "0.5", Size: 20}}, depth.Bids)
	require.NoError(t, svc.Audit())
}

func TestTakerFeeSplitsBetweenMakerAndCollector(t *testing.T) {
	svc, events := newTestService(t, nil, OrderServiceOptions{
		Fees:           matching.FeeSchedule{CenterRate: 32_000, ExtremeRate: 2_000, MakerRebateRate: 200_000},
		FeeCollectorID: "fees",
	})
	fund(t, svc, "seller", 1000, 1000)
	fund(t, svc, "buyer", 1000, 0)

	mustPlace(t, svc, limitReq("seller", "sell", "0.50", 1000))
	res := mustPlace(t, svc, limitReq("buyer", "buy", "0.50", 1000))
	require.Len(t, res.Fills, 1)
	assert.Equal(t, uint64(32), res.Fills[0].Fee)

	// 20% of the 32 YES fee, rounded down, goes back to the maker
	assert.Equal(t, uint64(968), bal(svc, "buyer", ledger.YES).Available)
	assert.Equal(t, ledger.Balance{UserID: "seller", MarketID: testMarket, Asset: ledger.YES, Available: 6}, bal(svc, "seller", ledger.YES))
	assert.Equal(t, uint64(26), bal(svc, "fees", ledger.YES).Available)
	assert.Equal(t, uint64(500), bal(svc, "seller", ledger.USDC).Available)

	nextBatch(t, events)
	fill := nextBatch(t, events)
	require.Len(t, fill.Fills, 1)
	assert.Equal(t, uint64(32), fill.Fills[0].Fee)
	assert.Equal(t, uint64(6), fill.Fills[0].MakerRebate)

	// seller-side taker pays in USDC
	fund(t, svc, "bidder", 1000, 0)
	mustPlace(t, svc, limitReq("bidder", "buy", "0.50", 900))
	res = mustPlace(t, svc, limitReq("buyer", "sell", "0.50", 900))
	require.Len(t, res.Fills, 1)
	// proceeds 450 USDC, fee 14, rebate 2
	assert.Equal(t, uint64(14), res.Fills[0].Fee)
	assert.Equal(t, uint64(936), bal(svc, "buyer", ledger.USDC).Available)
	assert.Equal(t, uint64(552), bal(svc, "bidder", ledger.USDC).Available)
	assert.Equal(t, uint64(900), bal(svc, "bidder", ledger.YES).Available)
	assert.Equal(t, uint64(12), bal(svc, "fees", ledger.USDC).Available)

	totals, err := svc.Ledger.Totals(testMarket)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), totals[ledger.USDC])
	assert.Equal(t, uint64(1000), totals[ledger.YES])
	require.NoError(t, svc.Audit())
}

func TestClientOrderIDIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "u1", 100, 0)

	req := limitReq("u1", "buy", "0.40", 100)
	req.ClientOrderID = "c-1"

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*PlaceOrderResult
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.PlaceOrder(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, 8)
	originals := 0
	for _, r := range results {
		assert.Equal(t, results[0].OrderID, r.OrderID)
		if !r.Duplicate {
			originals++
		}
	}
	assert.Equal(t, 1, originals)
	assert.Equal(t, uint64(40), bal(svc, "u1", ledger.USDC).Locked)

	// the same client id from another user is independent
	fund(t, svc, "u2", 100, 0)
	req.UserID = "u2"
	other := mustPlace(t, svc, req)
	assert.False(t, other.Duplicate)
	assert.NotEqual(t, results[0].OrderID, other.OrderID)
}

func TestFOKReleasesClientOrderID(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "u1", 100, 0)

	req := limitReq("u1", "buy", "0.40", 100)
	req.ClientOrderID = "retry-me"
	req.TimeInForce = "FOK"
	res := mustPlace(t, svc, req)
	assert.False(t, res.Success)

	req.TimeInForce = "GTC"
	res = mustPlace(t, svc, req)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
}

func TestEventBatchesFollowCommitOrder(t *testing.T) {
	svc, events := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "seller", 100, 100)
	fund(t, svc, "buyer", 100, 0)

	maker := mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))
	taker := mustPlace(t, svc, limitReq("buyer", "buy", "0.50", 80))

	first := nextBatch(t, events)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Empty(t, first.Fills)
	require.Len(t, first.Deltas, 1)
	assert.Equal(t, DeltaAdd, first.Deltas[0].Event)
	require.Len(t, first.Orders, 1)
	assert.Equal(t, maker.OrderID, first.Orders[0].OrderID)

	second := nextBatch(t, events)
	assert.Equal(t, uint64(2), second.Sequence)
	require.Len(t, second.Fills, 1)
	assert.Equal(t, maker.OrderID, second.Fills[0].MakerOrderID)
	assert.Equal(t, taker.OrderID, second.Fills[0].TakerOrderID)
	assert.Equal(t, "0.5", second.Fills[0].Price)

	require.Len(t, second.Deltas, 2)
	assert.Equal(t, DeltaRemove, second.Deltas[0].Event)
	assert.Equal(t, maker.OrderID, second.Deltas[0].OrderID)
	assert.Equal(t, DeltaAdd, second.Deltas[1].Event)
	assert.Equal(t, uint64(30), second.Deltas[1].Amount)

	statuses := map[string]matching.Status{}
	for _, o := range second.Orders {
		statuses[o.OrderID] = o.Status
	}
	assert.Equal(t, matching.StatusFilled, statuses[maker.OrderID])
	assert.Equal(t, matching.StatusPartial, statuses[taker.OrderID])
}

func TestConcurrentTradingConservesBalances(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	users := []string{"u0", "u1", "u2", "u3"}
	for _, u := range users {
		fund(t, svc, u, 10_000, 5_000)
	}

	prices := []string{"0.45", "0.50", "0.55"}
	sides := []string{"buy", "sell"}
	var wg sync.WaitGroup
	for n, u := range users {
		wg.Add(1)
		go func(n int, user string) {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				req := limitReq(user, sides[(n+i)%2], prices[(n+i)%3], uint64(10+i))
				if i%7 == 0 {
					req.TimeInForce = "IOC"
				}
				if i%5 == 0 {
					req.Outcome = "NO"
				}
				res, err := svc.PlaceOrder(context.Background(), req)
				if err != nil {
					assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
					continue
				}
				if i%3 == 0 && res.Status == matching.StatusOpen {
					_, err := svc.CancelOrder(context.Background(), res.OrderID, user)
					if err != nil {
						assert.ErrorIs(t, err, ErrAlreadyTerminal)
					}
				}
			}
		}(n, u)
	}
	wg.Wait()

	require.NoError(t, svc.Audit())
	totals, err := svc.Ledger.Totals(testMarket)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), totals[ledger.USDC])
	assert.Equal(t, uint64(20_000), totals[ledger.YES])
	assert.Equal(t, uint64(20_000), totals[ledger.NO])

	for _, oc := range []matching.Outcome{matching.OutcomeYes, matching.OutcomeNo} {
		depth, err := svc.GetDepth(testMarket, oc, 1)
		require.NoError(t, err)
		if len(depth.Bids) > 0 && len(depth.Asks) > 0 {
			bid, _ := matching.ParsePrice(depth.Bids[0].Price)
			ask, _ := matching.ParsePrice(depth.Asks[0].Price)
			assert.Less(t, uint64(bid), uint64(ask), "book %s crossed", oc)
		}
	}
}

func TestRestoreRebuildsBooksAndBalances(t *testing.T) {
	store, _ := newRedisStore(t)
	svc, _ := newTestService(t, store, OrderServiceOptions{})
	fund(t, svc, "seller", 100, 100)
	fund(t, svc, "buyer", 100, 0)

	ask := mustPlace(t, svc, limitReq("seller", "sell", "0.60", 50))
	req := limitReq("buyer", "buy", "0.40", 100)
	req.ClientOrderID = "bid-1"
	bid := mustPlace(t, svc, req)
	mustPlace(t, svc, limitReq("buyer", "buy", "0.60", 20))
	svc.Close()

	restored, _ := newTestService(t, store, OrderServiceOptions{})
	require.NoError(t, restored.Restore(context.Background()))
	require.NoError(t, restored.Audit())

	depth, err := restored.GetDepth(testMarket, matching.OutcomeYes, 0)
	require.NoError(t, err)
	assert.Equal(t, []DepthEntry{{Price: "0.4", Size: 100}}, depth.Bids)
	assert.Equal(t, []DepthEntry{{Price: "0.6", Size: 30}}, depth.Asks)
	assert.Equal(t, uint64(3), depth.Sequence)

	for _, user := range []string{"seller", "buyer"} {
		assert.Equal(t, svc.Ledger.Balances(user, testMarket), restored.Ledger.Balances(user, testMarket))
	}

	o, err := restored.GetOrderStatus(context.Background(), ask.OrderID)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPartial, o.Status)
	assert.Equal(t, uint64(20), o.FilledAmount)

	dup := mustPlace(t, restored, req)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, bid.OrderID, dup.OrderID)

	res, err := restored.CancelOrder(context.Background(), bid.OrderID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), res.UnlockedAmount)
	require.NoError(t, restored.Audit())
}

func TestTerminalOrdersResolveFromStoreAfterEviction(t *testing.T) {
	store, _ := newRedisStore(t)
	svc, _ := newTestService(t, store, OrderServiceOptions{OrderRetention: time.Nanosecond})
	fund(t, svc, "seller", 50, 50)
	fund(t, svc, "buyer", 100, 0)

	maker := mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))
	mustPlace(t, svc, limitReq("buyer", "buy", "0.50", 50))
	// the next unit of work sweeps retired orders
	time.Sleep(time.Millisecond)
	mustPlace(t, svc, limitReq("buyer", "buy", "0.10", 10))

	o, err := svc.GetOrderStatus(context.Background(), maker.OrderID)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusFilled, o.Status)

	_, err = svc.CancelOrder(context.Background(), maker.OrderID, "seller")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	_, err = svc.CancelOrder(context.Background(), maker.OrderID, "buyer")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestStoreFailureAbortsPlacement(t *testing.T) {
	store, mr := newRedisStore(t)
	svc, _ := newTestService(t, store, OrderServiceOptions{StoreTimeout: 200 * time.Millisecond})
	fund(t, svc, "u1", 100, 0)

	mr.SetError("LOADING")
	_, err := svc.PlaceOrder(context.Background(), limitReq("u1", "buy", "0.40", 100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	mr.SetError("")

	b := bal(svc, "u1", ledger.USDC)
	assert.Equal(t, uint64(100), b.Available)
	assert.Zero(t, b.Locked)
	depth, err := svc.GetDepth(testMarket, matching.OutcomeYes, 0)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
}

func TestBalanceOperations(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "u1", "unknown", 10)
	assert.ErrorIs(t, err, matching.ErrUnknownMarket)
	_, err = svc.Deposit(ctx, "u1", testMarket, 0)
	assert.ErrorIs(t, err, matching.ErrInvalidAmount)

	fund(t, svc, "u1", 100, 40)
	balances, err := svc.Merge(ctx, "u1", testMarket, 10)
	require.NoError(t, err)
	require.Len(t, balances, 3)
	assert.Equal(t, uint64(70), balances[0].Available)
	assert.Equal(t, uint64(30), balances[1].Available)
	assert.Equal(t, uint64(30), balances[2].Available)

	_, err = svc.Withdraw(ctx, "u1", testMarket, 71)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	balances, err = svc.Withdraw(ctx, "u1", testMarket, 70)
	require.NoError(t, err)
	assert.Zero(t, balances[0].Available)
}

func TestRestingRemainderThatOverflowsLevelIsRejected(t *testing.T) {
	store, _ := newRedisStore(t)
	svc, _ := newTestService(t, store, OrderServiceOptions{})
	const huge = uint64(1) << 63
	fund(t, svc, "a", huge, huge)
	fund(t, svc, "b", huge, huge)

	mustPlace(t, svc, limitReq("a", "sell", "0.50", huge))
	_, err := svc.PlaceOrder(context.Background(), limitReq("b", "sell", "0.50", huge))
	require.ErrorIs(t, err, matching.ErrLevelFull)
	assert.NotErrorIs(t, err, matching.ErrInvariant)

	assert.Equal(t, ledger.Balance{UserID: "b", MarketID: testMarket, Asset: ledger.YES, Available: huge}, bal(svc, "b", ledger.YES))
	require.NoError(t, svc.Audit())

	// the rejected order never reached the store
	restored, _ := newTestService(t, store, OrderServiceOptions{})
	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, bal(svc, "b", ledger.YES), bal(restored, "b", ledger.YES))
	depth, err := restored.GetDepth(testMarket, matching.OutcomeYes, 5)
	require.NoError(t, err)
	assert.Equal(t, []DepthEntry{{Price: "0.5", Size: huge}}, depth.Asks)
	require.NoError(t, restored.Audit())
}

// hookStore runs afterSave once the wrapped store accepted a unit of work.
type hookStore struct {
	StateStore
	afterSave func(*UnitState)
}

func (h *hookStore) Save(ctx context.Context, unit *UnitState) error {
	if err := h.StateStore.Save(ctx, unit); err != nil {
		return err
	}
	if h.afterSave != nil {
		h.afterSave(unit)
	}
	return nil
}

func TestFailureAfterSaveResetsStoreAndHaltsLane(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	store := &hookStore{StateStore: redisStore}
	svc, _ := newTestService(t, store, OrderServiceOptions{})
	fund(t, svc, "seller", 100, 100)
	fund(t, svc, "buyer", 100, 0)
	maker := mustPlace(t, svc, limitReq("seller", "sell", "0.50", 50))

	key := matching.BookKey{MarketID: testMarket, Outcome: matching.OutcomeYes}
	var once sync.Once
	store.afterSave = func(*UnitState) {
		once.Do(func() {
			// the book changes under the unit of work between save and apply
			l := svc.existingLane(key)
			l.mu.Lock()
			_, err := l.book.Remove(maker.OrderID)
			l.mu.Unlock()
			assert.NoError(t, err)
		})
	}

	req := limitReq("buyer", "buy", "0.50", 30)
	req.ClientOrderID = "c-1"
	_, err := svc.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, matching.ErrInvariant)
	assert.Equal(t, uint64(100), bal(svc, "buyer", ledger.USDC).Available)

	_, err = svc.PlaceOrder(context.Background(), limitReq("buyer", "buy", "0.40", 1))
	assert.ErrorIs(t, err, ErrLaneHalted)
	_, err = svc.CancelOrder(context.Background(), maker.OrderID, "seller")
	assert.ErrorIs(t, err, ErrLaneHalted)

	// the store holds the state from before the failed placement
	ctx := context.Background()
	id, err := redisStore.LookupClientOrder(ctx, "buyer", "c-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	restored, _ := newTestService(t, redisStore, OrderServiceOptions{})
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, ledger.Balance{UserID: "buyer", MarketID: testMarket, Asset: ledger.USDC, Available: 100}, bal(restored, "buyer", ledger.USDC))
	assert.Zero(t, bal(restored, "buyer", ledger.YES).Available)
	assert.Equal(t, uint64(50), bal(restored, "seller", ledger.YES).Locked)
	depth, err := restored.GetDepth(testMarket, matching.OutcomeYes, 5)
	require.NoError(t, err)
	assert.Equal(t, []DepthEntry{{Price: "0.5", Size: 50}}, depth.Asks)
	assert.Empty(t, depth.Bids)
	require.NoError(t, restored.Audit())

	status, err := restored.GetOrderStatus(ctx, maker.OrderID)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusOpen, status.Status)
}

func TestTimedOutCallerKeepsAdmittedOrder(t *testing.T) {
	svc, _ := newTestService(t, nil, OrderServiceOptions{})
	fund(t, svc, "u1", 100, 0)

	l, err := svc.lane(matching.BookKey{MarketID: testMarket, Outcome: matching.OutcomeYes})
	require.NoError(t, err)
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = runInLane(context.Background(), l, func() (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := svc.PlaceOrder(ctx, limitReq("u1", "buy", "0.40", 100))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	require.NotEmpty(t, res.OrderID)

	close(release)
	require.Eventually(t, func() bool {
		o, err := svc.GetOrderStatus(context.Background(), res.OrderID)
		return err == nil && o.Status == matching.StatusOpen
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(40), bal(svc, "u1", ledger.USDC).Locked)
}
