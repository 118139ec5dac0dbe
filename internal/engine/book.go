package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/forecastex/match-engine/internal/model"
)

// OrderBook aggregates resting orders on one side of a contract into price
// levels. Bids come back sorted by price descending, asks ascending; level
// quantity is the summed remaining quantity at that price. Read-only and
// unlocked: the view is a snapshot and never feeds a trading decision.
func (e *Engine) OrderBook(ctx context.Context, contractID int64, side model.ContractSide) (*model.OrderBook, error) {
	orders, err := e.store.OpenOrders(ctx, contractID, side)
	if err != nil {
		return nil, err
	}

	bidQty := make(map[string]int64)
	askQty := make(map[string]int64)
	prices := make(map[string]decimal.Decimal)
	for i := range orders {
		o := &orders[i]
		key := o.Price.String()
		prices[key] = o.Price
		if o.Side == model.SideBuy {
			bidQty[key] += o.Remaining()
		} else {
			askQty[key] += o.Remaining()
		}
	}

	book := &model.OrderBook{
		ContractID:   contractID,
		ContractSide: side,
		Bids:         levels(bidQty, prices, true),
		Asks:         levels(askQty, prices, false),
	}
	return book, nil
}

func levels(qty map[string]int64, prices map[string]decimal.Decimal, desc bool) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(qty))
	for key, q := range qty {
		out = append(out, model.PriceLevel{Price: prices[key], Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// ContractStats derives the market-display summary for one side of a
// contract: best prices, trade totals, and book depth. MarketPrice is the
// midpoint of the best YES bid and best YES ask regardless of which side
// the stats are for, and is nil while either side of the YES book is empty.
func (e *Engine) ContractStats(ctx context.Context, contractID int64, side model.ContractSide) (*model.ContractStats, error) {
	book, err := e.OrderBook(ctx, contractID, side)
	if err != nil {
		return nil, err
	}

	stats := &model.ContractStats{
		ContractID:   contractID,
		ContractSide: side,
		BidDepth:     len(book.Bids),
		AskDepth:     len(book.Asks),
	}
	if len(book.Bids) > 0 {
		p := book.Bids[0].Price
		stats.HighestBid = &p
	}
	if len(book.Asks) > 0 {
		p := book.Asks[0].Price
		stats.BestAsk = &p
		stats.LowestAsk = &p
	}

	yesBook := book
	if side != model.SideYes {
		yesBook, err = e.OrderBook(ctx, contractID, model.SideYes)
		if err != nil {
			return nil, err
		}
	}
	if len(yesBook.Bids) > 0 && len(yesBook.Asks) > 0 {
		mid := yesBook.Bids[0].Price.Add(yesBook.Asks[0].Price).DivRound(decimal.NewFromInt(2), 4)
		stats.MarketPrice = &mid
	}

	trades, err := e.store.TradesForSide(ctx, contractID, side)
	if err != nil {
		return nil, err
	}
	stats.TotalVolume = int64(len(trades))
	stats.TotalValue = decimal.Zero
	for i := range trades {
		t := &trades[i]
		stats.TotalValue = stats.TotalValue.Add(t.Price.Mul(decimal.NewFromInt(t.Quantity)))
	}
	if len(trades) > 0 {
		p := trades[len(trades)-1].Price
		stats.LastTradePrice = &p
	}
	return stats, nil
}
