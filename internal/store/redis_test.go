package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forecastex/match-engine/internal/model"
	"github.com/forecastex/match-engine/internal/store"
)

// With Redis unreachable every lookup misses and every write is dropped, so
// the cached wrapper must behave exactly like its primary.
func TestCachedStore_FallsBackToPrimary(t *testing.T) {
	ms := store.NewMemoryStore()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	cs := store.NewCachedStore(ms, rdb, time.Minute)
	userID, contractID := seed(t, ms)
	ctx := context.Background()

	tx, err := cs.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	insertOrder(t, tx, &model.Order{
		UserID: userID, ContractID: contractID,
		Side: model.SideSell, ContractSide: model.SideYes, Type: model.TypeLimit,
		Price: d(0.40), Quantity: 10, Status: model.OrderOpen,
	})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	orders, err := cs.OpenOrders(ctx, contractID, model.SideYes)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("orders: %d", len(orders))
	}

	c, err := cs.GetContract(ctx, contractID)
	if err != nil {
		t.Fatalf("contract: %v", err)
	}
	if c.ID != contractID {
		t.Errorf("contract id: %d", c.ID)
	}
}
