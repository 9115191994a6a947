package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/bankai-project/clob/internal/config"
	"github.com/bankai-project/clob/internal/db"
	"github.com/bankai-project/clob/internal/ledger"
	"github.com/bankai-project/clob/internal/matching"
	"github.com/bankai-project/clob/internal/services"
)

// audit rebuilds the engine from the Redis live state without serving traffic,
// checks every book against the ledger and prints a summary. It never writes.
func main() {
	depth := flag.Int("depth", 5, "price levels to print per side")
	flag.Parse()

	log.Println("🔍 Auditing live engine state...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	redisClient, err := db.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	// every market found in Redis is audited, listed or not
	markets, err := services.NewMarketRegistry(cfg.Markets, true)
	if err != nil {
		log.Fatalf("invalid market configuration: %v", err)
	}
	opts, err := services.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid engine configuration: %v", err)
	}
	store := services.NewRedisStateStore(redisClient, 0)
	engine := services.NewOrderService(ledger.New(), markets, readOnlyStore{store}, nil, nil, opts)
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := engine.Restore(ctx); err != nil {
		log.Fatalf("restore failed: %v", err)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		log.Fatalf("failed to reload snapshot: %v", err)
	}
	for _, book := range snap.Books {
		d, err := engine.GetDepth(book.Key.MarketID, book.Key.Outcome, *depth)
		if err != nil {
			log.Printf("⚠️ %s: %v", book.Key, err)
			continue
		}
		fmt.Printf("%s  orders=%d  batch=%d\n", book.Key, len(book.Orders), d.Sequence)
		for _, lvl := range d.Asks {
			fmt.Printf("    ask %8s  %d\n", lvl.Price, lvl.Size)
		}
		for _, lvl := range d.Bids {
			fmt.Printf("    bid %8s  %d\n", lvl.Price, lvl.Size)
		}
	}
	for _, market := range engine.Ledger.Markets() {
		totals, err := engine.Ledger.Totals(market)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Printf("%s  USDC=%d YES=%d NO=%d\n", market,
			totals[matching.AssetUSDC], totals[matching.AssetYes], totals[matching.AssetNo])
	}

	if err := engine.Audit(); err != nil {
		log.Fatalf("❌ audit failed:\n%v", err)
	}
	log.Println("✅ Books and balances are consistent.")
}

// readOnlyStore refuses writes so an audit can never mutate live state.
type readOnlyStore struct {
	services.StateStore
}

func (readOnlyStore) Save(context.Context, *services.UnitState) error {
	return fmt.Errorf("audit is read-only")
}
