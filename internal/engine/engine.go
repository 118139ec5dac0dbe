// Package engine implements the order matching and settlement core for
// binary-outcome prediction markets. Each contract has independent YES and
// NO books; users trade shares at prices between $0.01 and $0.99.
//
// Every mutating operation runs inside a locked store transaction acquired
// through the retry manager, so a committed operation is exactly the set of
// mutations the matching pass produced; partial application is never
// observable. Balances and positions are only read under row locks; nothing
// is cached across transaction boundaries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastex/match-engine/internal/metrics"
	"github.com/forecastex/match-engine/internal/model"
	"github.com/forecastex/match-engine/internal/store"
)

// Price bounds for tradable contracts: one cent to ninety-nine cents.
// Market orders are priced at the relevant bound so that every resting
// opposite order is price-eligible.
var (
	minPrice = decimal.NewFromFloat(0.01)
	maxPrice = decimal.NewFromFloat(0.99)
)

// payoutPerShareCents is the settlement value of a winning share.
const payoutPerShareCents = 100

// Engine is the matching and settlement core. It holds no trading state of
// its own; all state lives in the store and is mutated under row locks.
type Engine struct {
	store   store.Store
	metrics *metrics.Collector
	runner  *txRunner
}

// New creates an Engine backed by the given store, reporting to the given
// metrics collector.
func New(st store.Store, m *metrics.Collector) *Engine {
	return &Engine{
		store:   st,
		metrics: m,
		runner:  newTxRunner(st, m),
	}
}

// PlaceOrderParams carries the caller-supplied fields of a new order.
// Price may be zero-valued for market orders.
type PlaceOrderParams struct {
	UserID       int64
	ContractID   int64
	Side         model.OrderSide
	ContractSide model.ContractSide
	Type         model.OrderType
	Price        decimal.Decimal
	Quantity     int64
}

// PlaceOrder validates, places, and matches a new order.
//
// Validation happens before any lock is taken. Under lock the contract must
// be open; a BUY debits the full reservation quantity × price up front, a
// SELL requires an existing position covering the order. The matching pass
// then consumes price-eligible resting orders in price-time priority, and
// the unfilled portion either rests (limit) or is cancelled (market).
//
// Returns the order as committed and the trades the matching pass produced.
func (e *Engine) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, []model.Trade, error) {
	key := e.metrics.StartOrder()

	order, trades, retries, err := e.placeOrder(ctx, p)

	e.metrics.CompleteOrder(key, metrics.OrderOutcome{
		Success:  err == nil,
		Retries:  retries,
		Trades:   len(trades),
		Quantity: p.Quantity,
	})
	if err != nil {
		return nil, nil, err
	}
	return order, trades, nil
}

func (e *Engine) placeOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, []model.Trade, int, error) {
	if err := validateOrderParams(&p); err != nil {
		return nil, nil, 0, err
	}

	var (
		order  *model.Order
		trades []model.Trade
	)
	retries, err := e.runner.run(ctx, "place_order", func(tx store.Tx) error {
		order, trades = nil, nil

		contract, err := tx.GetContractForUpdate(ctx, p.ContractID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrContractNotTradable
			}
			return err
		}
		if contract.Status != model.MarketOpen {
			return ErrContractNotTradable
		}

		user, err := tx.GetUserForUpdate(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("place_order: %w", err)
		}

		if p.Side == model.SideBuy {
			required := model.Cents(p.Price, p.Quantity)
			if user.Balance < required {
				return ErrInsufficientFunds
			}
			// Reserve immediately to prevent double-spending.
			user.Balance -= required
			if err := tx.UpdateUser(ctx, user); err != nil {
				return err
			}
		} else {
			pos, err := tx.GetPositionForUpdate(ctx, p.UserID, p.ContractID, p.ContractSide)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrInsufficientPosition
				}
				return err
			}
			if !pos.IsActive || pos.Quantity < p.Quantity {
				return ErrInsufficientPosition
			}
		}

		order = &model.Order{
			UserID:       p.UserID,
			ContractID:   p.ContractID,
			Side:         p.Side,
			ContractSide: p.ContractSide,
			Type:         p.Type,
			Price:        p.Price,
			Quantity:     p.Quantity,
			Status:       model.OrderOpen,
			CreatedAt:    time.Now().UTC(),
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		trades, err = e.match(ctx, tx, order, user)
		return err
	})
	return order, trades, retries, err
}

// validateOrderParams rejects malformed parameters before any lock is
// taken. Market orders get the bound price recorded for reservation and
// settlement bookkeeping: a market BUY reserves at the $0.99 ceiling, a
// market SELL is priced at the $0.01 floor; both make every resting
// opposite order eligible.
func validateOrderParams(p *PlaceOrderParams) error {
	if p.Side != model.SideBuy && p.Side != model.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if p.ContractSide != model.SideYes && p.ContractSide != model.SideNo {
		return fmt.Errorf("%w: contract side must be YES or NO", ErrInvalidOrder)
	}
	if p.Type != model.TypeLimit && p.Type != model.TypeMarket {
		return fmt.Errorf("%w: order type must be limit or market", ErrInvalidOrder)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	if p.Type == model.TypeMarket {
		if p.Side == model.SideBuy {
			p.Price = maxPrice
		} else {
			p.Price = minPrice
		}
		return nil
	}

	if p.Price.LessThan(minPrice) || p.Price.GreaterThan(maxPrice) {
		return fmt.Errorf("%w: price must be between $0.01 and $0.99", ErrInvalidOrder)
	}
	if p.Price.Exponent() < -4 {
		return fmt.Errorf("%w: price precision is limited to 4 decimal places", ErrInvalidOrder)
	}
	return nil
}

// match runs the price-time-priority matching loop for a freshly inserted
// order. Resting opposite orders are locked as a batch, then their owners
// (ascending user id) before any balance is touched. Trades always execute
// at the resting order's price.
func (e *Engine) match(ctx context.Context, tx store.Tx, taker *model.Order, takerUser *model.User) ([]model.Trade, error) {
	candidates, err := tx.MatchCandidatesForUpdate(ctx, taker)
	if err != nil {
		return nil, err
	}

	var trades []model.Trade
	if len(candidates) > 0 {
		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.UserID)
		}
		counterparties, err := tx.UsersForUpdate(ctx, ids)
		if err != nil {
			return nil, err
		}

		for _, resting := range candidates {
			if taker.Remaining() <= 0 {
				break
			}
			if resting.Remaining() <= 0 {
				continue
			}

			qty := min(taker.Remaining(), resting.Remaining())
			trade, err := e.executeTrade(ctx, tx, taker, resting, takerUser, counterparties[resting.UserID], resting.Price, qty)
			if err != nil {
				return nil, err
			}
			trades = append(trades, *trade)
		}
	}

	if err := e.finalizeTaker(ctx, tx, taker, takerUser); err != nil {
		return nil, err
	}
	return trades, nil
}

// finalizeTaker sets the taker's terminal interim status after the matching
// loop. A market order's unmatched remainder never rests: it is cancelled
// and, for a BUY, the remaining reservation refunded.
func (e *Engine) finalizeTaker(ctx context.Context, tx store.Tx, taker *model.Order, takerUser *model.User) error {
	switch {
	case taker.FilledQuantity == taker.Quantity:
		taker.Status = model.OrderFilled
	case taker.FilledQuantity > 0:
		taker.Status = model.OrderPartiallyFilled
	default:
		taker.Status = model.OrderOpen
	}

	if taker.Type == model.TypeMarket && taker.Remaining() > 0 {
		taker.Status = model.OrderCancelled
		if taker.Side == model.SideBuy {
			takerUser.Balance += remainingReservation(taker)
			if err := tx.UpdateUser(ctx, takerUser); err != nil {
				return err
			}
		}
	}

	return tx.UpdateOrder(ctx, taker)
}

// remainingReservation is the unreleased portion of a BUY order's reserved
// funds: the full reservation minus the cents already released by fills.
// Computing the difference of the two truncations (rather than truncating
// quantity − filled directly) keeps reserve = Σ releases + refund exact.
func remainingReservation(o *model.Order) int64 {
	return model.Cents(o.Price, o.Quantity) - model.Cents(o.Price, o.FilledQuantity)
}

// executeTrade records one match and settles both sides. Both users are
// already locked. The buyer's funds were reserved at the buy order's own
// price, so the fill releases that slice of the reservation: the trade
// value goes to the seller and any price improvement returns to the buyer.
func (e *Engine) executeTrade(ctx context.Context, tx store.Tx, taker, resting *model.Order, takerUser, restingUser *model.User, price decimal.Decimal, qty int64) (*model.Trade, error) {
	if restingUser == nil {
		return nil, fmt.Errorf("execute_trade: counterparty user %d: %w", resting.UserID, store.ErrNotFound)
	}

	var buyOrder, sellOrder *model.Order
	var buyer, seller *model.User
	if taker.Side == model.SideBuy {
		buyOrder, sellOrder = taker, resting
		buyer, seller = takerUser, restingUser
	} else {
		buyOrder, sellOrder = resting, taker
		buyer, seller = restingUser, takerUser
	}

	trade := &model.Trade{
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		ContractID:  taker.ContractID,
		Price:       price,
		Quantity:    qty,
		ExecutedAt:  time.Now().UTC(),
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}

	// Release the buyer's reservation slice for this fill.
	released := model.Cents(buyOrder.Price, buyOrder.FilledQuantity+qty) -
		model.Cents(buyOrder.Price, buyOrder.FilledQuantity)

	taker.FilledQuantity += qty
	resting.FilledQuantity += qty
	for _, o := range []*model.Order{taker, resting} {
		if o.FilledQuantity == o.Quantity {
			o.Status = model.OrderFilled
		} else {
			o.Status = model.OrderPartiallyFilled
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, err
		}
	}

	tradeValue := model.Cents(price, qty)
	seller.Balance += tradeValue
	if improvement := released - tradeValue; improvement > 0 {
		buyer.Balance += improvement
	}
	for _, u := range []*model.User{buyer, seller} {
		if err := tx.UpdateUser(ctx, u); err != nil {
			return nil, err
		}
	}

	if err := e.applyPositionChange(ctx, tx, buyOrder.UserID, taker.ContractID, taker.ContractSide, qty, price); err != nil {
		return nil, err
	}
	if err := e.applyPositionChange(ctx, tx, sellOrder.UserID, taker.ContractID, taker.ContractSide, -qty, price); err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"contract", taker.ContractID,
		"contract_side", taker.ContractSide,
		"qty", qty,
		"price", price.String(),
		"buyer", buyer.ID,
		"seller", seller.ID,
	)
	return trade, nil
}

// applyPositionChange applies one fill to a (user, contract, contract_side)
// position. Increases re-weight the average price; decreases realise PnL
// against the unchanged average. A decrease never drives quantity below
// zero.
func (e *Engine) applyPositionChange(ctx context.Context, tx store.Tx, userID, contractID int64, side model.ContractSide, qtyChange int64, price decimal.Decimal) error {
	now := time.Now().UTC()

	pos, err := tx.GetPositionForUpdate(ctx, userID, contractID, side)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if qtyChange <= 0 {
			return fmt.Errorf("position decrease without position: %w", err)
		}
		return tx.UpsertPosition(ctx, &model.Position{
			UserID:       userID,
			ContractID:   contractID,
			ContractSide: side,
			Quantity:     qtyChange,
			AvgPrice:     price,
			RealisedPnL:  decimal.Zero,
			IsActive:     true,
			UpdatedAt:    now,
		})
	}

	if qtyChange > 0 {
		oldValue := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Quantity))
		newValue := price.Mul(decimal.NewFromInt(qtyChange))
		newQty := pos.Quantity + qtyChange
		pos.AvgPrice = oldValue.Add(newValue).DivRound(decimal.NewFromInt(newQty), 4)
		pos.Quantity = newQty
		pos.IsActive = true
	} else {
		sold := -qtyChange
		if sold > pos.Quantity {
			sold = pos.Quantity
		}
		pnl := decimal.NewFromInt(sold).Mul(price.Sub(pos.AvgPrice))
		pos.RealisedPnL = pos.RealisedPnL.Add(pnl)
		pos.Quantity -= sold
	}
	pos.UpdatedAt = now
	return tx.UpsertPosition(ctx, pos)
}

// CancelOrder cancels an open or partially filled order owned by userID and
// refunds any remaining BUY reservation. Returns false without error when
// the order is missing, owned by someone else, or already terminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) (bool, error) {
	var cancelled bool
	_, err := e.runner.run(ctx, "cancel_order", func(tx store.Tx) error {
		cancelled = false

		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if order.UserID != userID || order.Status.Terminal() {
			return nil
		}

		if order.Side == model.SideBuy {
			if refund := remainingReservation(order); refund > 0 {
				user, err := tx.GetUserForUpdate(ctx, userID)
				if err != nil {
					return err
				}
				user.Balance += refund
				if err := tx.UpdateUser(ctx, user); err != nil {
					return err
				}
			}
		}

		order.Status = model.OrderCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if cancelled {
		slog.Info("order cancelled", "order", orderID, "user", userID)
	}
	return cancelled, nil
}

// ResolveMarket settles every contract in a market whose external lifecycle
// has already marked it resolved with a result. Settlement is all-or-nothing
// per market and idempotent: open orders are closed out with refunds, then
// every active position with shares pays out per the result; positions
// already inactive are skipped on re-entry.
func (e *Engine) ResolveMarket(ctx context.Context, marketID int64) error {
	_, err := e.runner.run(ctx, "resolve_market", func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return fmt.Errorf("resolve_market: %w", err)
		}
		if market.Status != model.MarketResolved || market.Result == "" {
			return ErrMarketNotResolved
		}

		contracts, err := tx.ContractsByMarket(ctx, marketID)
		if err != nil {
			return err
		}
		for _, c := range contracts {
			if err := e.settleContract(ctx, tx, c, market.Result); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// CloseContract closes out every open order on a contract without paying
// positions: orders move to market_closed and remaining BUY reservations
// are refunded. Invoked when the lifecycle manager closes trading ahead of
// resolution.
func (e *Engine) CloseContract(ctx context.Context, contractID int64) error {
	_, err := e.runner.run(ctx, "close_contract", func(tx store.Tx) error {
		contract, err := tx.GetContractForUpdate(ctx, contractID)
		if err != nil {
			return fmt.Errorf("close_contract: %w", err)
		}
		return e.closeOutOrders(ctx, tx, contract.ID)
	})
	return err
}

// closeOutOrders is the shared settlement primitive for close and resolve:
// every non-terminal order on the contract becomes market_closed, with the
// remaining reservation refunded for BUY orders. Safe to run repeatedly:
// terminal orders are not revisited.
func (e *Engine) closeOutOrders(ctx context.Context, tx store.Tx, contractID int64) error {
	orders, err := tx.OpenOrdersForUpdate(ctx, contractID)
	if err != nil {
		return err
	}

	for _, o := range orders {
		if o.Side == model.SideBuy {
			if refund := remainingReservation(o); refund > 0 {
				user, err := tx.GetUserForUpdate(ctx, o.UserID)
				if err != nil {
					return err
				}
				user.Balance += refund
				if err := tx.UpdateUser(ctx, user); err != nil {
					return err
				}
			}
		}
		o.Status = model.OrderMarketClosed
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// settleContract closes the contract's books and pays out its active
// positions. Winning shares settle at $1.00 each; losing shares at zero;
// UNDECIDED refunds cost basis with no PnL.
func (e *Engine) settleContract(ctx context.Context, tx store.Tx, contract *model.Contract, result model.MarketResult) error {
	if err := e.closeOutOrders(ctx, tx, contract.ID); err != nil {
		return err
	}

	positions, err := tx.PayablePositionsForUpdate(ctx, contract.ID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.UserID)
	}
	users, err := tx.UsersForUpdate(ctx, ids)
	if err != nil {
		return err
	}

	for _, pos := range positions {
		user := users[pos.UserID]
		if user == nil {
			return fmt.Errorf("settle contract %d: user %d: %w", contract.ID, pos.UserID, store.ErrNotFound)
		}

		costBasis := pos.CostBasisCents()
		var payout, pnl int64
		switch {
		case result == model.ResultUndecided:
			payout = costBasis
		case string(pos.ContractSide) == string(result):
			payout = pos.Quantity * payoutPerShareCents
			pnl = payout - costBasis
		default:
			pnl = -costBasis
		}

		user.Balance += payout
		pos.RealisedPnL = pos.RealisedPnL.Add(model.DollarsFromCents(pnl))
		pos.IsActive = false
		pos.UpdatedAt = time.Now().UTC()

		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		slog.Info("position settled",
			"user", user.ID,
			"contract", contract.ID,
			"contract_side", pos.ContractSide,
			"qty", pos.Quantity,
			"result", result,
			"payout_cents", payout,
			"pnl_cents", pnl,
		)
	}
	return nil
}
