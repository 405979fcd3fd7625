package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/env"
	"github.com/troikatech/call-escalation/pkg/mongo"
	"github.com/troikatech/call-escalation/pkg/postgres"
)

func main() {
	fmt.Println("========================================")
	fmt.Println("Session Store Diagnostic Tool")
	fmt.Println("========================================")
	fmt.Println()

	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("Store driver: %s\n", cfg.StoreDriver)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var store session.Store
	switch cfg.StoreDriver {
	case "mongo":
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.DBName)
		if err != nil {
			fail("connect", err)
		}
		defer client.Disconnect(context.Background())
		if store, err = session.NewMongoStore(ctx, client); err != nil {
			fail("ensure indexes", err)
		}
	case "postgres":
		pool, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolConfig{})
		if err != nil {
			fail("connect", err)
		}
		defer pool.Close()
		pg := session.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			fail("migrate", err)
		}
		store = pg
	default:
		fmt.Println("Nothing to check for the memory store.")
		return
	}

	fmt.Println("Test 1: Ping...")
	if err := store.Ping(ctx); err != nil {
		fail("ping", err)
	}
	fmt.Println("✅ SUCCESS")
	fmt.Println()

	fmt.Println("Test 2: Pending escalations older than the timeout...")
	stale, err := store.ListPendingEscalations(ctx, time.Now().Add(-cfg.EscalationTimeout), 20)
	if err != nil {
		fail("list pending", err)
	}
	if len(stale) == 0 {
		fmt.Println("✅ none - the sweeper is keeping up")
	} else {
		fmt.Printf("⚠️  %d stale pending escalation(s):\n", len(stale))
		for _, e := range stale {
			fmt.Printf("  %s  created %s  claimed=%v\n", e.ID, e.CreatedAt.Format(time.RFC3339), e.RelayClaimedAt != nil)
		}
	}
}

func fail(step string, err error) {
	fmt.Printf("❌ ERROR (%s): %v\n", step, err)
	fmt.Println()
	fmt.Println("Check STORE_DRIVER, MONGO_URI/DB_NAME or POSTGRES_DSN in .env")
	os.Exit(1)
}
