// Package model defines the core domain types shared across the match engine.
// All prices use shopspring/decimal, never float64 for money. Balances are
// int64 minor units (cents).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether an order buys or sells shares.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// ContractSide is the outcome leg of a binary contract being traded.
type ContractSide string

const (
	SideYes ContractSide = "YES"
	SideNo  ContractSide = "NO"
)

// OrderType distinguishes limit orders from market orders.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderMarketClosed    OrderStatus = "market_closed"
)

// Terminal reports whether the status admits no further fills.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderMarketClosed:
		return true
	}
	return false
}

// MarketStatus is the lifecycle state of a market and its contracts.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// MarketResult is the outcome a resolved market settled to.
type MarketResult string

const (
	ResultYes       MarketResult = "YES"
	ResultNo        MarketResult = "NO"
	ResultUndecided MarketResult = "UNDECIDED"
)

// User holds an account balance in minor units. Balance is never negative;
// placing a BUY order debits the reservation up front.
type User struct {
	ID        int64     `json:"user_id" db:"user_id"`
	Username  string    `json:"username" db:"username"`
	Balance   int64     `json:"balance" db:"balance"` // cents
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Market groups one or more binary contracts under a single question.
// The engine reads status/result; only external lifecycle management and
// resolution payout mutate them.
type Market struct {
	ID     int64        `json:"market_id" db:"market_id"`
	Title  string       `json:"title" db:"title"`
	Status MarketStatus `json:"status" db:"status"`
	Result MarketResult `json:"result,omitempty" db:"result"`
}

// Contract is one tradable binary outcome within a market. Each contract
// has an independent YES and NO order book.
type Contract struct {
	ID       int64        `json:"contract_id" db:"contract_id"`
	MarketID int64        `json:"market_id" db:"market_id"`
	Outcome  string       `json:"outcome" db:"outcome"`
	Status   MarketStatus `json:"status" db:"status"`
}

// Order is a request to trade shares of one side of a contract. Created on
// placement, mutated only by the matching core, never deleted.
type Order struct {
	ID             int64           `json:"order_id" db:"order_id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	ContractID     int64           `json:"contract_id" db:"contract_id"`
	Side           OrderSide       `json:"side" db:"side"`
	ContractSide   ContractSide    `json:"contract_side" db:"contract_side"`
	Type           OrderType       `json:"order_type" db:"order_type"`
	Price          decimal.Decimal `json:"price" db:"price"` // (0,1), 4 decimal places
	Quantity       int64           `json:"quantity" db:"quantity"`
	FilledQuantity int64           `json:"filled_quantity" db:"filled_quantity"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Remaining is the unfilled share count.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Trade is the immutable record of one match. Append-only.
type Trade struct {
	ID          int64           `json:"trade_id" db:"trade_id"`
	BuyOrderID  int64           `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id" db:"sell_order_id"`
	ContractID  int64           `json:"contract_id" db:"contract_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// Position is a user's holding on one side of one contract.
// Unique per (user_id, contract_id, contract_side). Quantity never negative.
type Position struct {
	ID           int64           `json:"position_id" db:"position_id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	ContractID   int64           `json:"contract_id" db:"contract_id"`
	ContractSide ContractSide    `json:"contract_side" db:"contract_side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price" db:"avg_price"`
	RealisedPnL  decimal.Decimal `json:"realised_pnl" db:"realised_pnl"` // dollars
	IsActive     bool            `json:"is_active" db:"is_active"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasisCents is quantity × avg_price in minor units, truncated toward
// zero. Used for resolution refunds and PnL.
func (p *Position) CostBasisCents() int64 {
	return Cents(p.AvgPrice, p.Quantity)
}

// PriceLevel is one aggregated rung of an order book view.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// OrderBook is the read-only aggregation of resting orders by price level.
// Bids are sorted by price descending, asks ascending.
type OrderBook struct {
	ContractID   int64        `json:"contract_id"`
	ContractSide ContractSide `json:"contract_side"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// ContractStats is the derived per-side view used by market displays.
// MarketPrice is defined only from the YES book (midpoint of best YES bid
// and best YES ask) and is nil when either side is empty.
type ContractStats struct {
	ContractID     int64            `json:"contract_id"`
	ContractSide   ContractSide     `json:"contract_side"`
	BestAsk        *decimal.Decimal `json:"best_ask_price"`
	HighestBid     *decimal.Decimal `json:"highest_bid"`
	LowestAsk      *decimal.Decimal `json:"lowest_ask"`
	MarketPrice    *decimal.Decimal `json:"market_price"`
	LastTradePrice *decimal.Decimal `json:"last_trade_price"`
	TotalVolume    int64            `json:"total_volume"` // trade count
	TotalValue     decimal.Decimal  `json:"total_value"`  // Σ price × quantity, dollars
	BidDepth       int              `json:"bid_depth"`
	AskDepth       int              `json:"ask_depth"`
}

var hundred = decimal.NewFromInt(100)

// Cents converts price × quantity to minor units, truncating toward zero.
// Prices carry four decimal places, so the product may be fractional cents;
// the truncation matches the ledger's integer balance column.
func Cents(price decimal.Decimal, quantity int64) int64 {
	return price.Mul(decimal.NewFromInt(quantity)).Mul(hundred).IntPart()
}

// DollarsFromCents renders an integer minor-unit amount as exact dollars.
func DollarsFromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Div(hundred)
}
