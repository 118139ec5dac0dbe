package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forecastex/match-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the derived read views: order books, trade lists, and the
// mostly-static market and contract rows. Balances, orders, and positions
// are never cached; everything the matching core trades on is read under
// row locks in the primary. Committing a transaction invalidates the book
// views of every contract it touched, and the TTL bounds staleness for
// invalidations lost to a Redis hiccup.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Begin opens a transaction on the primary. The wrapper tracks which
// contracts the transaction writes so Commit can invalidate their views.
func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, store: s, touched: make(map[int64]struct{})}, nil
}

// --- Seeding / lifecycle (write to primary, drop stale views) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.primary.CreateMarket(ctx, m)
}

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := s.primary.CreateContract(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractKey(c.ID))
	return nil
}

func (s *CachedStore) SetMarketResolution(ctx context.Context, marketID int64, result model.MarketResult) error {
	if err := s.primary.SetMarketResolution(ctx, marketID, result); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

// --- Read-through views ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}
	got, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) GetContract(ctx context.Context, id int64) (*model.Contract, error) {
	var c model.Contract
	if s.lookup(ctx, contractKey(id), &c) {
		return &c, nil
	}
	got, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, contractKey(id), got)
	return got, nil
}

func (s *CachedStore) OpenOrders(ctx context.Context, contractID int64, side model.ContractSide) ([]model.Order, error) {
	var orders []model.Order
	if s.lookup(ctx, bookCacheKey(contractID, side), &orders) {
		return orders, nil
	}
	orders, err := s.primary.OpenOrders(ctx, contractID, side)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, bookCacheKey(contractID, side), orders)
	return orders, nil
}

func (s *CachedStore) TradesForSide(ctx context.Context, contractID int64, side model.ContractSide) ([]model.Trade, error) {
	var trades []model.Trade
	if s.lookup(ctx, tradesKey(contractID, side), &trades) {
		return trades, nil
	}
	trades, err := s.primary.TradesForSide(ctx, contractID, side)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tradesKey(contractID, side), trades)
	return trades, nil
}

// --- Passthrough (never cached: trading state) ---

func (s *CachedStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, contractID, side)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidateContract(ctx context.Context, contractID int64) {
	s.rdb.Del(ctx,
		contractKey(contractID),
		bookCacheKey(contractID, model.SideYes),
		bookCacheKey(contractID, model.SideNo),
		tradesKey(contractID, model.SideYes),
		tradesKey(contractID, model.SideNo),
	)
}

func marketKey(id int64) string   { return fmt.Sprintf("market:%d", id) }
func contractKey(id int64) string { return fmt.Sprintf("contract:%d", id) }
func bookCacheKey(id int64, side model.ContractSide) string {
	return fmt.Sprintf("book:%d:%s", id, side)
}
func tradesKey(id int64, side model.ContractSide) string {
	return fmt.Sprintf("trades:%d:%s", id, side)
}

// cachedTx passes every call to the primary transaction and remembers the
// contracts whose books it writes.
type cachedTx struct {
	Tx
	store   *CachedStore
	touched map[int64]struct{}
}

func (t *cachedTx) InsertOrder(ctx context.Context, o *model.Order) error {
	t.touched[o.ContractID] = struct{}{}
	return t.Tx.InsertOrder(ctx, o)
}

func (t *cachedTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	t.touched[o.ContractID] = struct{}{}
	return t.Tx.UpdateOrder(ctx, o)
}

func (t *cachedTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	t.touched[tr.ContractID] = struct{}{}
	return t.Tx.InsertTrade(ctx, tr)
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	for id := range t.touched {
		t.store.invalidateContract(ctx, id)
	}
	return nil
}
