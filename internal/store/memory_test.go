package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastex/match-engine/internal/model"
	"github.com/forecastex/match-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T, ms *store.MemoryStore) (userID, contractID int64) {
	t.Helper()
	ctx := context.Background()
	u := &model.User{Username: "alice", Balance: 100_00}
	if err := ms.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	m := &model.Market{Title: "test", Status: model.MarketOpen}
	if err := ms.CreateMarket(ctx, m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	c := &model.Contract{MarketID: m.ID, Outcome: "yes", Status: model.MarketOpen}
	if err := ms.CreateContract(ctx, c); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return u.ID, c.ID
}

func insertOrder(t *testing.T, tx store.Tx, o *model.Order) *model.Order {
	t.Helper()
	if err := tx.InsertOrder(context.Background(), o); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	userID, contractID := seed(t, ms)
	ctx := context.Background()

	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	u, err := tx.GetUserForUpdate(ctx, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	u.Balance = 0
	if err := tx.UpdateUser(ctx, u); err != nil {
		t.Fatalf("update user: %v", err)
	}
	insertOrder(t, tx, &model.Order{
		UserID: userID, ContractID: contractID,
		Side: model.SideBuy, ContractSide: model.SideYes, Type: model.TypeLimit,
		Price: d(0.50), Quantity: 10, Status: model.OrderOpen,
	})
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := ms.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Balance != 100_00 {
		t.Errorf("rollback leaked balance update: %d", got.Balance)
	}
	if _, err := ms.GetOrder(ctx, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rollback leaked order: %v", err)
	}
}

func TestMemoryStore_CommitFailureDiscardsWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	userID, _ := seed(t, ms)
	ctx := context.Background()

	ms.FailCommits(1, store.ErrConflict)

	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	u, _ := tx.GetUserForUpdate(ctx, userID)
	u.Balance = 0
	tx.UpdateUser(ctx, u)

	if err := tx.Commit(ctx); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected injected conflict, got %v", err)
	}

	got, _ := ms.GetUser(ctx, userID)
	if got.Balance != 100_00 {
		t.Errorf("failed commit applied writes: %d", got.Balance)
	}
}

func TestMemoryStore_MatchCandidateOrdering(t *testing.T) {
	ms := store.NewMemoryStore()
	userID, contractID := seed(t, ms)
	other := &model.User{Username: "bob", Balance: 100_00}
	if err := ms.CreateUser(context.Background(), other); err != nil {
		t.Fatalf("create user: %v", err)
	}
	ctx := context.Background()

	base := time.Now().UTC()
	asks := []struct {
		price   float64
		created time.Time
	}{
		{0.50, base},
		{0.40, base.Add(2 * time.Second)}, // cheapest, placed last
		{0.40, base.Add(1 * time.Second)}, // same price, placed earlier
		{0.60, base},
	}

	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, a := range asks {
		insertOrder(t, tx, &model.Order{
			UserID: other.ID, ContractID: contractID,
			Side: model.SideSell, ContractSide: model.SideYes, Type: model.TypeLimit,
			Price: d(a.price), Quantity: 10, Status: model.OrderOpen,
			CreatedAt: a.created,
		})
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	taker := &model.Order{
		UserID: userID, ContractID: contractID,
		Side: model.SideBuy, ContractSide: model.SideYes,
		Price: d(0.55), Quantity: 100,
	}
	got, err := tx.MatchCandidatesForUpdate(ctx, taker)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}

	// Price ascending, then created_at ascending; 0.60 is not eligible.
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	if !got[0].Price.Equal(d(0.40)) || !got[0].CreatedAt.Equal(base.Add(1*time.Second)) {
		t.Errorf("candidate 0: %s at %s", got[0].Price, got[0].CreatedAt)
	}
	if !got[1].Price.Equal(d(0.40)) || !got[1].CreatedAt.Equal(base.Add(2*time.Second)) {
		t.Errorf("candidate 1: %s at %s", got[1].Price, got[1].CreatedAt)
	}
	if !got[2].Price.Equal(d(0.50)) {
		t.Errorf("candidate 2: %s", got[2].Price)
	}
}

func TestMemoryStore_CandidatesExcludeOwnAndTerminal(t *testing.T) {
	ms := store.NewMemoryStore()
	userID, contractID := seed(t, ms)
	other := &model.User{Username: "bob", Balance: 100_00}
	if err := ms.CreateUser(context.Background(), other); err != nil {
		t.Fatalf("create user: %v", err)
	}
	ctx := context.Background()

	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Own ask and a cancelled ask must both be skipped.
	insertOrder(t, tx, &model.Order{
		UserID: userID, ContractID: contractID,
		Side: model.SideSell, ContractSide: model.SideYes, Type: model.TypeLimit,
		Price: d(0.40), Quantity: 10, Status: model.OrderOpen,
	})
	insertOrder(t, tx, &model.Order{
		UserID: other.ID, ContractID: contractID,
		Side: model.SideSell, ContractSide: model.SideYes, Type: model.TypeLimit,
		Price: d(0.45), Quantity: 10, Status: model.OrderOpen,
	})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	o, err := tx.GetOrderForUpdate(ctx, 2)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	o.Status = model.OrderCancelled
	tx.UpdateOrder(ctx, o)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	got, err := tx.MatchCandidatesForUpdate(ctx, &model.Order{
		UserID: userID, ContractID: contractID,
		Side: model.SideBuy, ContractSide: model.SideYes,
		Price: d(0.99), Quantity: 100,
	})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %d", len(got))
	}
}

func TestMemoryStore_BooksAreSideScoped(t *testing.T) {
	ms := store.NewMemoryStore()
	userID, contractID := seed(t, ms)
	other := &model.User{Username: "bob", Balance: 100_00}
	if err := ms.CreateUser(context.Background(), other); err != nil {
		t.Fatalf("create user: %v", err)
	}
	ctx := context.Background()

	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	// A NO-side ask must never match a YES-side bid.
	insertOrder(t, tx, &model.Order{
		UserID: other.ID, ContractID: contractID,
		Side: model.SideSell, ContractSide: model.SideNo, Type: model.TypeLimit,
		Price: d(0.40), Quantity: 10, Status: model.OrderOpen,
	})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	got, err := tx.MatchCandidatesForUpdate(ctx, &model.Order{
		UserID: userID, ContractID: contractID,
		Side: model.SideBuy, ContractSide: model.SideYes,
		Price: d(0.99), Quantity: 100,
	})
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("YES bid matched NO book: %d candidates", len(got))
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	orders, err := ms.OpenOrders(ctx, contractID, model.SideNo)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("NO book lost its order: %d", len(orders))
	}
}

func TestMemoryStore_UsersForUpdateMissingUser(t *testing.T) {
	ms := store.NewMemoryStore()
	userID, _ := seed(t, ms)
	ctx := context.Background()

	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.UsersForUpdate(ctx, []int64{userID, 999}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
