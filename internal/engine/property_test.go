package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/forecastex/match-engine/internal/engine"
	"github.com/forecastex/match-engine/internal/metrics"
	"github.com/forecastex/match-engine/internal/model"
	"github.com/forecastex/match-engine/internal/store"
)

func newRapidCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

// priceGen draws a valid limit price in whole cents between $0.01 and $0.99.
func priceGen(t *rapid.T, label string) decimal.Decimal {
	cents := rapid.Int64Range(1, 99).Draw(t, label)
	return decimal.New(cents, -2)
}

// TestProperty_FundConservation drives a random stream of orders and
// cancellations through the engine and checks after every operation that
// no money is created or destroyed: the sum of balances plus outstanding
// BUY reservations stays constant until resolution, and resolution adds
// exactly one dollar per outstanding share.
func TestProperty_FundConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		eng, ms := newRapidEnv(t)
		marketID, contractID := seedRapidMarket(t, ms)
		ctx := context.Background()

		const startBalance = 10_000_00
		var userIDs []int64
		nUsers := rapid.IntRange(2, 4).Draw(t, "users")
		for i := 0; i < nUsers; i++ {
			u := &model.User{Username: fmt.Sprintf("u%d", i), Balance: startBalance}
			if err := ms.CreateUser(ctx, u); err != nil {
				t.Fatalf("create user: %v", err)
			}
			userIDs = append(userIDs, u.ID)
			// Half the users start with shares to sell.
			if i%2 == 1 {
				qty := rapid.Int64Range(10, 200).Draw(t, fmt.Sprintf("shares%d", i))
				seedRapidPosition(t, ms, u.ID, contractID, model.SideYes, qty)
			}
		}

		initial := rapidTotalFunds(t, ms, userIDs, contractID)
		var placedOrders []int64

		nOps := rapid.IntRange(5, 40).Draw(t, "ops")
		for i := 0; i < nOps; i++ {
			userID := userIDs[rapid.IntRange(0, len(userIDs)-1).Draw(t, fmt.Sprintf("user%d", i))]
			op := rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("op%d", i))

			var err error
			var order *model.Order
			switch op {
			case 0: // limit buy
				order, _, err = eng.PlaceOrder(ctx, engine.PlaceOrderParams{
					UserID: userID, ContractID: contractID,
					Side: model.SideBuy, ContractSide: model.SideYes,
					Type: model.TypeLimit,
					Price: priceGen(t, fmt.Sprintf("bid%d", i)),
					Quantity: rapid.Int64Range(1, 50).Draw(t, fmt.Sprintf("bqty%d", i)),
				})
			case 1: // limit sell
				order, _, err = eng.PlaceOrder(ctx, engine.PlaceOrderParams{
					UserID: userID, ContractID: contractID,
					Side: model.SideSell, ContractSide: model.SideYes,
					Type: model.TypeLimit,
					Price: priceGen(t, fmt.Sprintf("ask%d", i)),
					Quantity: rapid.Int64Range(1, 50).Draw(t, fmt.Sprintf("sqty%d", i)),
				})
			case 2: // market order
				side := model.SideBuy
				if rapid.Bool().Draw(t, fmt.Sprintf("mside%d", i)) {
					side = model.SideSell
				}
				order, _, err = eng.PlaceOrder(ctx, engine.PlaceOrderParams{
					UserID: userID, ContractID: contractID,
					Side: side, ContractSide: model.SideYes,
					Type: model.TypeMarket,
					Quantity: rapid.Int64Range(1, 50).Draw(t, fmt.Sprintf("mqty%d", i)),
				})
			case 3: // cancel a random earlier order
				if len(placedOrders) > 0 {
					id := placedOrders[rapid.IntRange(0, len(placedOrders)-1).Draw(t, fmt.Sprintf("cx%d", i))]
					_, err = eng.CancelOrder(ctx, id, userID)
				}
			}
			if err != nil && !isBusinessError(err) {
				t.Fatalf("op %d: unexpected error: %v", i, err)
			}
			if order != nil {
				placedOrders = append(placedOrders, order.ID)
			}

			if got := rapidTotalFunds(t, ms, userIDs, contractID); got != initial {
				t.Fatalf("op %d: conservation broken: %d != %d", i, got, initial)
			}
			checkNonNegative(t, ms, userIDs, contractID)
		}

		// Resolution injects exactly $1 per share held in an active
		// position at settlement time, nothing more.
		var outstanding int64
		for _, id := range userIDs {
			pos, err := ms.GetPosition(ctx, id, contractID, model.SideYes)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				t.Fatalf("get position: %v", err)
			}
			outstanding += pos.Quantity
		}

		if err := ms.SetMarketResolution(ctx, marketID, model.ResultYes); err != nil {
			t.Fatalf("set resolution: %v", err)
		}
		if err := eng.ResolveMarket(ctx, marketID); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		want := initial + outstanding*100
		if got := rapidTotalFunds(t, ms, userIDs, contractID); got != want {
			t.Fatalf("post-resolution conservation: %d != %d", got, want)
		}
	})
}

// TestProperty_FillsNeverExceedQuantity checks that however the book is
// churned, no order reports more filled than requested and terminal
// statuses line up with fill counts.
func TestProperty_FillsNeverExceedQuantity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		eng, ms := newRapidEnv(t)
		_, contractID := seedRapidMarket(t, ms)
		ctx := context.Background()

		buyer := &model.User{Username: "buyer", Balance: 10_000_00}
		seller := &model.User{Username: "seller", Balance: 10_000_00}
		for _, u := range []*model.User{buyer, seller} {
			if err := ms.CreateUser(ctx, u); err != nil {
				t.Fatalf("create user: %v", err)
			}
		}
		seedRapidPosition(t, ms, seller.ID, contractID, model.SideYes, 1000)

		var orderIDs []int64
		nOps := rapid.IntRange(2, 30).Draw(t, "ops")
		for i := 0; i < nOps; i++ {
			sell := rapid.Bool().Draw(t, fmt.Sprintf("sell%d", i))
			p := engine.PlaceOrderParams{
				ContractID: contractID, ContractSide: model.SideYes,
				Type: model.TypeLimit,
				Price: priceGen(t, fmt.Sprintf("p%d", i)),
				Quantity: rapid.Int64Range(1, 40).Draw(t, fmt.Sprintf("q%d", i)),
			}
			if sell {
				p.UserID, p.Side = seller.ID, model.SideSell
			} else {
				p.UserID, p.Side = buyer.ID, model.SideBuy
			}
			order, _, err := eng.PlaceOrder(ctx, p)
			if err != nil {
				if isBusinessError(err) {
					continue
				}
				t.Fatalf("place: %v", err)
			}
			orderIDs = append(orderIDs, order.ID)
		}

		for _, id := range orderIDs {
			o, err := ms.GetOrder(ctx, id)
			if err != nil {
				t.Fatalf("get order %d: %v", id, err)
			}
			if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
				t.Fatalf("order %d: filled %d of %d", id, o.FilledQuantity, o.Quantity)
			}
			if o.Status == model.OrderFilled && o.FilledQuantity != o.Quantity {
				t.Fatalf("order %d: filled status with %d/%d", id, o.FilledQuantity, o.Quantity)
			}
			if o.Status == model.OrderOpen && o.FilledQuantity != 0 {
				t.Fatalf("order %d: open status with fills", id)
			}
		}
	})
}

// --- Helpers (rapid.T variants of the scenario-test seeders) ---

func newRapidEnv(t *rapid.T) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return engine.New(ms, newRapidCollector()), ms
}

func seedRapidMarket(t *rapid.T, ms *store.MemoryStore) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	market := &model.Market{Title: "prop", Status: model.MarketOpen}
	if err := ms.CreateMarket(ctx, market); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	contract := &model.Contract{MarketID: market.ID, Outcome: "yes", Status: model.MarketOpen}
	if err := ms.CreateContract(ctx, contract); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	return market.ID, contract.ID
}

func seedRapidPosition(t *rapid.T, ms *store.MemoryStore, userID, contractID int64, side model.ContractSide, qty int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := ms.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = tx.UpsertPosition(ctx, &model.Position{
		UserID: userID, ContractID: contractID, ContractSide: side,
		Quantity: qty, AvgPrice: decimal.New(50, -2),
		RealisedPnL: decimal.Zero, IsActive: true,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func rapidTotalFunds(t *rapid.T, ms *store.MemoryStore, userIDs []int64, contractID int64) int64 {
	t.Helper()
	ctx := context.Background()
	var sum int64
	for _, id := range userIDs {
		u, err := ms.GetUser(ctx, id)
		if err != nil {
			t.Fatalf("get user %d: %v", id, err)
		}
		sum += u.Balance
	}
	for _, side := range []model.ContractSide{model.SideYes, model.SideNo} {
		orders, err := ms.OpenOrders(ctx, contractID, side)
		if err != nil {
			t.Fatalf("open orders: %v", err)
		}
		for i := range orders {
			o := &orders[i]
			if o.Side == model.SideBuy {
				sum += model.Cents(o.Price, o.Quantity) - model.Cents(o.Price, o.FilledQuantity)
			}
		}
	}
	return sum
}

func checkNonNegative(t *rapid.T, ms *store.MemoryStore, userIDs []int64, contractID int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range userIDs {
		u, err := ms.GetUser(ctx, id)
		if err != nil {
			t.Fatalf("get user %d: %v", id, err)
		}
		if u.Balance < 0 {
			t.Fatalf("user %d has negative balance %d", id, u.Balance)
		}
		for _, side := range []model.ContractSide{model.SideYes, model.SideNo} {
			pos, err := ms.GetPosition(ctx, id, contractID, side)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				t.Fatalf("get position: %v", err)
			}
			if pos.Quantity < 0 {
				t.Fatalf("user %d has negative %s position %d", id, side, pos.Quantity)
			}
		}
	}
}

func isBusinessError(err error) bool {
	return errors.Is(err, engine.ErrInvalidOrder) ||
		errors.Is(err, engine.ErrInsufficientFunds) ||
		errors.Is(err, engine.ErrInsufficientPosition) ||
		errors.Is(err, engine.ErrContractNotTradable)
}
