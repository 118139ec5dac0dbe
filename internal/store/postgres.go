package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forecastex/match-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices and PnL are stored as NUMERIC for exact decimal precision;
// balances are BIGINT cents. Row locks come from SELECT ... FOR UPDATE and
// the canonical lock order is enforced by the Tx method call sequence in
// the engine, so two concurrent placements lock rows in the same order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// mapErr converts driver errors to the store's sentinel taxonomy so the
// retry manager can classify them without importing pgx.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "40P01": // deadlock_detected
			return fmt.Errorf("%w: %s", ErrDeadlock, pgErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, balance, created_at)
		 VALUES ($1, $2, $3) RETURNING user_id`,
		u.Username, u.Balance, u.CreatedAt,
	).Scan(&u.ID)
	return mapErr(err)
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO markets (title, status, result)
		 VALUES ($1, $2, $3) RETURNING market_id`,
		m.Title, m.Status, nullString(string(m.Result)),
	).Scan(&m.ID)
	return mapErr(err)
}

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contracts (market_id, outcome, status)
		 VALUES ($1, $2, $3) RETURNING contract_id`,
		c.MarketID, c.Outcome, c.Status,
	).Scan(&c.ID)
	return mapErr(err)
}

func (s *PostgresStore) SetMarketResolution(ctx context.Context, marketID int64, result model.MarketResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, result = $3 WHERE market_id = $1`,
		marketID, model.MarketResolved, string(result),
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set resolution for market %d: %w", marketID, ErrNotFound)
	}
	return nil
}

const userCols = `user_id, username, balance, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Username, &u.Balance, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE user_id = $1`, id))
}

const marketCols = `market_id, title, status, COALESCE(result, '')`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	if err := row.Scan(&m.ID, &m.Title, &m.Status, &m.Result); err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE market_id = $1`, id))
}

const contractCols = `contract_id, market_id, outcome, status`

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	if err := row.Scan(&c.ID, &c.MarketID, &c.Outcome, &c.Status); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id int64) (*model.Contract, error) {
	return scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractCols+` FROM contracts WHERE contract_id = $1`, id))
}

const orderCols = `order_id, user_id, contract_id, side, contract_side, order_type,
	price::TEXT, quantity, filled_quantity, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price string
	if err := row.Scan(&o.ID, &o.UserID, &o.ContractID, &o.Side, &o.ContractSide,
		&o.Type, &price, &o.Quantity, &o.FilledQuantity, &o.Status, &o.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("order %d: bad price %q: %w", o.ID, price, err)
	}
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE order_id = $1`, id))
}

const positionCols = `position_id, user_id, contract_id, contract_side, quantity,
	avg_price::TEXT, realised_pnl::TEXT, is_active, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avgPrice, pnl string
	if err := row.Scan(&p.ID, &p.UserID, &p.ContractID, &p.ContractSide, &p.Quantity,
		&avgPrice, &pnl, &p.IsActive, &p.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	var err error
	if p.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return nil, fmt.Errorf("position %d: bad avg_price %q: %w", p.ID, avgPrice, err)
	}
	if p.RealisedPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("position %d: bad realised_pnl %q: %w", p.ID, pnl, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error) {
	return scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND contract_id = $2 AND contract_side = $3`,
		userID, contractID, side))
}

func (s *PostgresStore) OpenOrders(ctx context.Context, contractID int64, side model.ContractSide) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE contract_id = $1 AND contract_side = $2
		   AND status IN ($3, $4) AND filled_quantity < quantity`,
		contractID, side, model.OrderOpen, model.OrderPartiallyFilled)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, mapErr(rows.Err())
}

func (s *PostgresStore) TradesForSide(ctx context.Context, contractID int64, side model.ContractSide) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.trade_id, t.buy_order_id, t.sell_order_id, t.contract_id,
		        t.price::TEXT, t.quantity, t.executed_at
		 FROM trades t
		 JOIN orders b ON b.order_id = t.buy_order_id
		 WHERE t.contract_id = $1 AND b.contract_side = $2
		 ORDER BY t.executed_at, t.trade_id`,
		contractID, side)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price string
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.ContractID,
			&price, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, mapErr(err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("trade %d: bad price %q: %w", t.ID, price, err)
		}
		trades = append(trades, t)
	}
	return trades, mapErr(rows.Err())
}

// pgTx is one locked transaction attempt.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarketForUpdate(ctx context.Context, id int64) (*model.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE market_id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetContractForUpdate(ctx context.Context, id int64) (*model.Contract, error) {
	return scanContract(t.tx.QueryRow(ctx,
		`SELECT `+contractCols+` FROM contracts WHERE contract_id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetUserForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE user_id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE order_id = $1 FOR UPDATE`, id))
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error) {
	return scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND contract_id = $2 AND contract_side = $3 FOR UPDATE`,
		userID, contractID, side))
}

// MatchCandidatesForUpdate locks resting opposite-side orders eligible to
// trade against the taker, in price-time priority. Trades execute at the
// resting price, so eligibility is resting ask ≤ taker bid (incoming BUY)
// or resting bid ≥ taker ask (incoming SELL). The taker's own resting
// orders are excluded to prevent self-trades.
func (t *pgTx) MatchCandidatesForUpdate(ctx context.Context, taker *model.Order) ([]*model.Order, error) {
	var (
		opposite model.OrderSide
		priceCmp string
		ordering string
	)
	if taker.Side == model.SideBuy {
		opposite = model.SideSell
		priceCmp = "price <= $4::NUMERIC"
		ordering = "price ASC, created_at ASC, order_id ASC"
	} else {
		opposite = model.SideBuy
		priceCmp = "price >= $4::NUMERIC"
		ordering = "price DESC, created_at ASC, order_id ASC"
	}

	rows, err := t.tx.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE contract_id = $1 AND contract_side = $2 AND side = $3
		   AND `+priceCmp+`
		   AND user_id <> $5
		   AND status IN ($6, $7) AND filled_quantity < quantity
		 ORDER BY `+ordering+`
		 FOR UPDATE`,
		taker.ContractID, taker.ContractSide, opposite,
		taker.Price.String(), taker.UserID,
		model.OrderOpen, model.OrderPartiallyFilled)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, mapErr(rows.Err())
}

func (t *pgTx) UsersForUpdate(ctx context.Context, ids []int64) (map[int64]*model.User, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE user_id = ANY($1)
		 ORDER BY user_id
		 FOR UPDATE`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	users := make(map[int64]*model.User, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users[u.ID] = u
	}
	return users, mapErr(rows.Err())
}

func (t *pgTx) OpenOrdersForUpdate(ctx context.Context, contractID int64) ([]*model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		 WHERE contract_id = $1 AND status IN ($2, $3)
		 ORDER BY order_id
		 FOR UPDATE`,
		contractID, model.OrderOpen, model.OrderPartiallyFilled)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, mapErr(rows.Err())
}

func (t *pgTx) PayablePositionsForUpdate(ctx context.Context, contractID int64) ([]*model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE contract_id = $1 AND is_active AND quantity > 0
		 ORDER BY position_id
		 FOR UPDATE`, contractID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, mapErr(rows.Err())
}

func (t *pgTx) ContractsByMarket(ctx context.Context, marketID int64) ([]*model.Contract, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+contractCols+` FROM contracts
		 WHERE market_id = $1 ORDER BY contract_id
		 FOR UPDATE`, marketID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var contracts []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, mapErr(rows.Err())
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, contract_id, side, contract_side, order_type,
		                     price, quantity, filled_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)
		 RETURNING order_id`,
		o.UserID, o.ContractID, o.Side, o.ContractSide, o.Type,
		o.Price.String(), o.Quantity, o.FilledQuantity, o.Status, o.CreatedAt,
	).Scan(&o.ID)
	return mapErr(err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET filled_quantity = $2, status = $3 WHERE order_id = $1`,
		o.ID, o.FilledQuantity, o.Status)
	return mapErr(err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO trades (buy_order_id, sell_order_id, contract_id, price, quantity, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 RETURNING trade_id`,
		tr.BuyOrderID, tr.SellOrderID, tr.ContractID,
		tr.Price.String(), tr.Quantity, tr.ExecutedAt,
	).Scan(&tr.ID)
	return mapErr(err)
}

func (t *pgTx) UpdateUser(ctx context.Context, u *model.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2 WHERE user_id = $1`,
		u.ID, u.Balance)
	return mapErr(err)
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO positions (user_id, contract_id, contract_side, quantity,
		                        avg_price, realised_pnl, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_id, contract_id, contract_side) DO UPDATE SET
		   quantity = EXCLUDED.quantity,
		   avg_price = EXCLUDED.avg_price,
		   realised_pnl = EXCLUDED.realised_pnl,
		   is_active = EXCLUDED.is_active,
		   updated_at = EXCLUDED.updated_at
		 RETURNING position_id`,
		p.UserID, p.ContractID, p.ContractSide, p.Quantity,
		p.AvgPrice.String(), p.RealisedPnL.String(), p.IsActive, p.UpdatedAt,
	).Scan(&p.ID)
	return mapErr(err)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return mapErr(t.tx.Rollback(ctx))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
