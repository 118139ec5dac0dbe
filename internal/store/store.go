// Package store defines the persistence interface for the match engine.
// Implementations include PostgreSQL (source of truth, row-level locking via
// SELECT ... FOR UPDATE) and in-memory (for testing and development).
//
// Every mutating engine operation runs inside a Tx. A Tx acquires row locks
// in the canonical order (contract → placing user → placing position →
// matching orders → counterparty users ascending → counterparty positions)
// and either commits atomically or rolls back with no partial effects.
package store

import (
	"context"
	"errors"

	"github.com/forecastex/match-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when the backing store rejects a transaction
	// because it could not be serialized against a concurrent commit.
	ErrConflict = errors.New("store: serialization conflict")

	// ErrDeadlock is returned when the backing store aborted the
	// transaction to break a lock cycle.
	ErrDeadlock = errors.New("store: deadlock detected")
)

// IsConflict reports whether err is a retryable concurrency failure.
// Validation and business-rule errors are never conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDeadlock)
}

// Store is the persistence interface. Begin opens a locked transaction for
// mutating operations; the remaining methods are read-only views that never
// feed trading decisions. Balances and positions are only read under lock
// inside a Tx.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// --- Seeding / lifecycle (invoked by external management, not the engine) ---

	CreateUser(ctx context.Context, u *model.User) error
	CreateMarket(ctx context.Context, m *model.Market) error
	CreateContract(ctx context.Context, c *model.Contract) error
	SetMarketResolution(ctx context.Context, marketID int64, result model.MarketResult) error

	// --- Read-only views ---

	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetMarket(ctx context.Context, id int64) (*model.Market, error)
	GetContract(ctx context.Context, id int64) (*model.Contract, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetPosition(ctx context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error)

	// OpenOrders returns open and partially filled orders with remaining
	// quantity for one side of one contract's book, unsorted.
	OpenOrders(ctx context.Context, contractID int64, side model.ContractSide) ([]model.Order, error)

	// TradesForSide returns trades whose buy order traded the given
	// contract side, in execution order.
	TradesForSide(ctx context.Context, contractID int64, side model.ContractSide) ([]model.Trade, error)
}

// Tx is a single atomic attempt at one engine operation. All ...ForUpdate
// methods acquire exclusive row locks held until Commit or Rollback.
type Tx interface {
	// --- Locked reads ---

	GetMarketForUpdate(ctx context.Context, id int64) (*model.Market, error)
	GetContractForUpdate(ctx context.Context, id int64) (*model.Contract, error)
	GetUserForUpdate(ctx context.Context, id int64) (*model.User, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*model.Order, error)

	// GetPositionForUpdate returns ErrNotFound when the user holds no
	// position row for that (contract, side).
	GetPositionForUpdate(ctx context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error)

	// MatchCandidatesForUpdate locks and returns the resting orders the
	// taker may match, already price-eligible, excluding the taker's own
	// orders, sorted by price-time priority: for an incoming BUY, asks at
	// price ≤ taker price ordered price asc then created_at asc; for an
	// incoming SELL, bids at price ≥ taker price ordered price desc then
	// created_at asc.
	MatchCandidatesForUpdate(ctx context.Context, taker *model.Order) ([]*model.Order, error)

	// UsersForUpdate locks the given user rows in ascending id order and
	// returns them keyed by id.
	UsersForUpdate(ctx context.Context, ids []int64) (map[int64]*model.User, error)

	// OpenOrdersForUpdate locks every open/partially filled order on the
	// contract, both sides, both books.
	OpenOrdersForUpdate(ctx context.Context, contractID int64) ([]*model.Order, error)

	// PayablePositionsForUpdate locks active positions with quantity > 0
	// on the contract, ordered by position id.
	PayablePositionsForUpdate(ctx context.Context, contractID int64) ([]*model.Position, error)

	ContractsByMarket(ctx context.Context, marketID int64) ([]*model.Contract, error)

	// --- Mutations (visible to other transactions only after Commit) ---

	InsertOrder(ctx context.Context, o *model.Order) error
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertTrade(ctx context.Context, t *model.Trade) error
	UpdateUser(ctx context.Context, u *model.User) error
	UpsertPosition(ctx context.Context, p *model.Position) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
