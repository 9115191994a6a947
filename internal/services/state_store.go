/**
 * @description
 * Live state store for the matching engine.
 * Every unit of work writes the orders and balances it changed to Redis in one
 * MULTI/EXEC transaction before the in-memory book and ledger are committed, so a
 * restarted engine can rebuild every book from Redis alone.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: TxPipelined (MULTI/EXEC), hashes, sorted sets
 *
 * @notes
 * Key layout:
 *   clob:order:{orderId}         order JSON (terminal orders expire after TerminalTTL)
 *   clob:live:{outcome}:{market} ZSET of resting order ids scored by admission sequence
 *   clob:seq:{outcome}:{market}  HASH {order, batch} lane counters
 *   clob:books                   SET of "{outcome}:{market}" with live state
 *   clob:bal:{market}            HASH "{asset}:{userId}" -> "available:locked"
 *   clob:balance_markets         SET of markets with balances
 *   clob:idem:{userId}           HASH clientOrderId -> orderId
 */

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/matching"
	"github.com/redis/go-redis/v9"
)

const (
	keyBooks          = "clob:books"
	keyBalanceMarkets = "clob:balance_markets"
)

// IdempotencyRecord binds a client order id to the engine order id
type IdempotencyRecord struct {
	UserID        string
	ClientOrderID string
	OrderID       string
}

// UnitState is everything one unit of work changed. Book is zero for
// balance-only operations.
type UnitState struct {
	Book          matching.BookKey
	Sequence      uint64
	BatchSequence uint64
	Orders        []*matching.Order
	Balances      []ledger.Balance
	Idempotency   []IdempotencyRecord
	// Released client order ids are deleted.
	Released []IdempotencyRecord
}

// BookState is a persisted book: its resting orders in admission order and its counters
type BookState struct {
	Key           matching.BookKey
	Sequence      uint64
	BatchSequence uint64
	Orders        []*matching.Order
}

// Snapshot is the whole live state as loaded at startup
type Snapshot struct {
	Books    []BookState
	Balances []ledger.Balance
}

// StateStore persists live engine state
type StateStore interface {
	Save(ctx context.Context, unit *UnitState) error
	Load(ctx context.Context) (*Snapshot, error)
	// LoadOrder returns nil, nil for unknown ids.
	LoadOrder(ctx context.Context, orderID string) (*matching.Order, error)
	// LookupClientOrder returns "" for unknown client order ids.
	LookupClientOrder(ctx context.Context, userID, clientOrderID string) (string, error)
}

// NopStore keeps nothing. Used when the engine runs without Redis.
type NopStore struct{}

func (NopStore) Save(context.Context, *UnitState) error { return nil }

func (NopStore) Load(context.Context) (*Snapshot, error) { return &Snapshot{}, nil }

func (NopStore) LoadOrder(context.Context, string) (*matching.Order, error) { return nil, nil }

func (NopStore) LookupClientOrder(context.Context, string, string) (string, error) { return "", nil }

// RedisStateStore implements StateStore on Redis
type RedisStateStore struct {
	Redis       *redis.Client
	TerminalTTL time.Duration
}

func NewRedisStateStore(client *redis.Client, terminalTTL time.Duration) *RedisStateStore {
	if terminalTTL <= 0 {
		terminalTTL = 7 * 24 * time.Hour
	}
	return &RedisStateStore{Redis: client, TerminalTTL: terminalTTL}
}

func orderKey(id string) string { return "clob:order:" + id }

func bookMember(k matching.BookKey) string { return string(k.Outcome) + ":" + k.MarketID }

func liveKey(k matching.BookKey) string { return "clob:live:" + bookMember(k) }

func seqKey(k matching.BookKey) string { return "clob:seq:" + bookMember(k) }

func balanceKey(marketID string) string { return "clob:bal:" + marketID }

func idemKey(userID string) string { return "clob:idem:" + userID }

func parseBookMember(member string) (matching.BookKey, error) {
	outcome, market, ok := strings.Cut(member, ":")
	if !ok || market == "" {
		return matching.BookKey{}, fmt.Errorf("malformed book member %q", member)
	}
	o, err := matching.ParseOutcome(outcome)
	if err != nil {
		return matching.BookKey{}, err
	}
	return matching.BookKey{MarketID: market, Outcome: o}, nil
}

func encodeBalance(b ledger.Balance) string {
	return strconv.FormatUint(b.Available, 10) + ":" + strconv.FormatUint(b.Locked, 10)
}

func decodeBalance(marketID, field, value string) (ledger.Balance, error) {
	asset, user, ok := strings.Cut(field, ":")
	if !ok {
		return ledger.Balance{}, fmt.Errorf("malformed balance field %q", field)
	}
	avail, locked, ok := strings.Cut(value, ":")
	if !ok {
		return ledger.Balance{}, fmt.Errorf("malformed balance value %q", value)
	}
	a, err := strconv.ParseUint(avail, 10, 64)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("balance %s: %w", field, err)
	}
	l, err := strconv.ParseUint(locked, 10, 64)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("balance %s: %w", field, err)
	}
	return ledger.Balance{UserID: user, MarketID: marketID, Asset: matching.Asset(asset), Available: a, Locked: l}, nil
}

// Save writes a unit of work atomically
func (s *RedisStateStore) Save(ctx context.Context, unit *UnitState) error {
	payloads := make([][]byte, len(unit.Orders))
	for i, o := range unit.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", o.ID, err)
		}
		payloads[i] = data
	}

	_, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hasBook := unit.Book.MarketID != ""
		if hasBook {
			pipe.SAdd(ctx, keyBooks, bookMember(unit.Book))
			pipe.HSet(ctx, seqKey(unit.Book), "order", unit.Sequence, "batch", unit.BatchSequence)
		}
		for i, o := range unit.Orders {
			if o.Status.Terminal() {
				pipe.Set(ctx, orderKey(o.ID), payloads[i], s.TerminalTTL)
				pipe.ZRem(ctx, liveKey(o.Key()), o.ID)
				continue
			}
			pipe.Set(ctx, orderKey(o.ID), payloads[i], 0)
			pipe.ZAdd(ctx, liveKey(o.Key()), redis.Z{Score: float64(o.Sequence), Member: o.ID})
		}
		for _, b := range unit.Balances {
			pipe.SAdd(ctx, keyBalanceMarkets, b.MarketID)
			pipe.HSet(ctx, balanceKey(b.MarketID), string(b.Asset)+":"+b.UserID, encodeBalance(b))
		}
		for _, r := range unit.Idempotency {
			pipe.HSet(ctx, idemKey(r.UserID), r.ClientOrderID, r.OrderID)
		}
		for _, r := range unit.Released {
			pipe.HDel(ctx, idemKey(r.UserID), r.ClientOrderID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save unit of work: %w", err)
	}
	return nil
}

// Load reads every live book and balance
func (s *RedisStateStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	members, err := s.Redis.SMembers(ctx, keyBooks).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	sort.Strings(members)
	for _, member := range members {
		key, err := parseBookMember(member)
		if err != nil {
			return nil, err
		}
		book, err := s.loadBook(ctx, key)
		if err != nil {
			return nil, err
		}
		snap.Books = append(snap.Books, *book)
	}

	markets, err := s.Redis.SMembers(ctx, keyBalanceMarkets).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list balance markets: %w", err)
	}
	sort.Strings(markets)
	for _, marketID := range markets {
		fields, err := s.Redis.HGetAll(ctx, balanceKey(marketID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load balances for %s: %w", marketID, err)
		}
		for field, value := range fields {
			b, err := decodeBalance(marketID, field, value)
			if err != nil {
				return nil, err
			}
			snap.Balances = append(snap.Balances, b)
		}
	}
	return snap, nil
}

func (s *RedisStateStore) loadBook(ctx context.Context, key matching.BookKey) (*BookState, error) {
	state := &BookState{Key: key}

	counters, err := s.Redis.HGetAll(ctx, seqKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load counters for %s: %w", key, err)
	}
	if v, ok := counters["order"]; ok {
		if state.Sequence, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("bad order sequence for %s: %w", key, err)
		}
	}
	if v, ok := counters["batch"]; ok {
		if state.BatchSequence, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("bad batch sequence for %s: %w", key, err)
		}
	}

	ids, err := s.Redis.ZRange(ctx, liveKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live orders for %s: %w", key, err)
	}
	if len(ids) == 0 {
		return state, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = orderKey(id)
	}
	values, err := s.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load live orders for %s: %w", key, err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("live order %s of %s is missing", ids[i], key)
		}
		var o matching.Order
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w", ids[i], err)
		}
		state.Orders = append(state.Orders, &o)
	}
	sort.Slice(state.Orders, func(i, j int) bool { return state.Orders[i].Sequence < state.Orders[j].Sequence })
	return state, nil
}

// LoadOrder reads a single order
func (s *RedisStateStore) LoadOrder(ctx context.Context, orderID string) (*matching.Order, error) {
	raw, err := s.Redis.Get(ctx, orderKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	var o matching.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order %s: %w", orderID, err)
	}
	return &o, nil
}

// LookupClientOrder resolves a client order id
func (s *RedisStateStore) LookupClientOrder(ctx context.Context, userID, clientOrderID string) (string, error) {
	id, err := s.Redis.HGet(ctx, idemKey(userID), clientOrderID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up client order %s: %w", clientOrderID, err)
	}
	return id, nil
}
