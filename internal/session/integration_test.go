//go:build integration

package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	mongopkg "github.com/troikatech/call-escalation/pkg/mongo"
	"github.com/troikatech/call-escalation/pkg/postgres"
)

// Run with: go test -tags integration ./internal/session/
// MONGO_TEST_URI and POSTGRES_TEST_DSN select the databases; unset ones are skipped.

func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dbName := "escalations_test_" + strings.ToLower(NewID())
	client, err := mongopkg.NewClient(ctx, uri, dbName)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Collection(callsCollection).Database().Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	store, err := NewMongoStore(ctx, client)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	runStoreContract(t, store)
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, dsn, postgres.PoolConfig{MaxConns: 8})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)

	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runStoreContract(t, store)
}
