package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/forecastex/match-engine/internal/model"
)

// bookEntry is one resting order in a side's B-tree index. Price and
// created_at are immutable for the life of an order, so the entry doubles
// as a stable delete key.
type bookEntry struct {
	Price     string // 4-decimal fixed string, lexicographically price-ordered
	CreatedAt time.Time
	OrderID   int64
}

// bidLess orders the bid side price descending, then created_at ascending.
// Ascend() therefore walks bids best-first (richest, then oldest).
func bidLess(a, b bookEntry) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// askLess orders the ask side price ascending, then created_at ascending.
// Ascend() walks asks best-first (cheapest, then oldest).
func askLess(a, b bookEntry) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// book holds the two resting-order indexes for one (contract, contract_side).
type book struct {
	bids *btree.BTreeG[bookEntry] // BUY orders
	asks *btree.BTreeG[bookEntry] // SELL orders
}

func newBook() *book {
	const degree = 32
	return &book{
		bids: btree.NewG[bookEntry](degree, bidLess),
		asks: btree.NewG[bookEntry](degree, askLess),
	}
}

type bookKey struct {
	ContractID int64
	Side       model.ContractSide
}

type posKey struct {
	UserID     int64
	ContractID int64
	Side       model.ContractSide
}

// MemoryStore implements Store with in-memory maps guarded by a single
// transaction lock. Used for testing and development; PostgreSQL is the
// production store. Because the lock serializes whole transactions, genuine
// serialization conflicts cannot occur; FailCommits injects them for
// exercising the retry path.
type MemoryStore struct {
	mu sync.Mutex

	nextUserID     int64
	nextMarketID   int64
	nextContractID int64
	nextOrderID    int64
	nextTradeID    int64
	nextPositionID int64

	users     map[int64]*model.User
	markets   map[int64]*model.Market
	contracts map[int64]*model.Contract
	orders    map[int64]*model.Order
	trades    []model.Trade
	positions map[posKey]*model.Position
	books     map[bookKey]*book

	failCommits int
	failErr     error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]*model.User),
		markets:   make(map[int64]*model.Market),
		contracts: make(map[int64]*model.Contract),
		orders:    make(map[int64]*model.Order),
		positions: make(map[posKey]*model.Position),
		books:     make(map[bookKey]*book),
	}
}

// FailCommits makes the next n commits fail with err after discarding the
// transaction's staged writes. Used by retry-manager tests.
func (s *MemoryStore) FailCommits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
	s.failErr = err
}

// Begin acquires the transaction lock. The returned Tx stages all writes
// and applies them atomically on Commit.
func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{
		s:         s,
		users:     make(map[int64]*model.User),
		markets:   make(map[int64]*model.Market),
		contracts: make(map[int64]*model.Contract),
		orders:    make(map[int64]*model.Order),
		positions: make(map[posKey]*model.Position),
	}, nil
}

// --- Seeding ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMarketID++
	m.ID = s.nextMarketID
	if m.Status == "" {
		m.Status = model.MarketOpen
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[c.MarketID]; !ok {
		return fmt.Errorf("market %d: %w", c.MarketID, ErrNotFound)
	}
	s.nextContractID++
	c.ID = s.nextContractID
	if c.Status == "" {
		c.Status = model.MarketOpen
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

// SetMarketResolution marks a market and its contracts resolved with the
// given result. Stands in for the external lifecycle manager.
func (s *MemoryStore) SetMarketResolution(_ context.Context, marketID int64, result model.MarketResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("market %d: %w", marketID, ErrNotFound)
	}
	m.Status = model.MarketResolved
	m.Result = result
	for _, c := range s.contracts {
		if c.MarketID == marketID {
			c.Status = model.MarketResolved
		}
	}
	return nil
}

// --- Read-only views ---

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetContract(_ context.Context, id int64) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey{userID, contractID, side}]
	if !ok {
		return nil, fmt.Errorf("position %d/%d/%s: %w", userID, contractID, side, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, contractID int64, side model.ContractSide) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.ContractID == contractID && o.ContractSide == side &&
			!o.Status.Terminal() && o.Remaining() > 0 {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *MemoryStore) TradesForSide(_ context.Context, contractID int64, side model.ContractSide) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.ContractID != contractID {
			continue
		}
		buy, ok := s.orders[t.BuyOrderID]
		if !ok || buy.ContractSide != side {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// --- In-transaction state ---

// memTx stages all writes against the store while holding its transaction
// lock. Reads copy rows into the stage so subsequent mutations through the
// returned pointers are captured; nothing touches the base maps until Commit.
type memTx struct {
	s    *MemoryStore
	done bool

	users     map[int64]*model.User
	markets   map[int64]*model.Market
	contracts map[int64]*model.Contract
	orders    map[int64]*model.Order
	trades    []model.Trade
	positions map[posKey]*model.Position
}

func (tx *memTx) stageUser(id int64) (*model.User, bool) {
	if u, ok := tx.users[id]; ok {
		return u, true
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	tx.users[id] = &cp
	return &cp, true
}

func (tx *memTx) stageOrder(id int64) (*model.Order, bool) {
	if o, ok := tx.orders[id]; ok {
		return o, true
	}
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, false
	}
	cp := *o
	tx.orders[id] = &cp
	return &cp, true
}

func (tx *memTx) stagePosition(k posKey) (*model.Position, bool) {
	if p, ok := tx.positions[k]; ok {
		return p, true
	}
	p, ok := tx.s.positions[k]
	if !ok {
		return nil, false
	}
	cp := *p
	tx.positions[k] = &cp
	return &cp, true
}

func (tx *memTx) GetMarketForUpdate(_ context.Context, id int64) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m, nil
	}
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	cp := *m
	tx.markets[id] = &cp
	return &cp, nil
}

func (tx *memTx) GetContractForUpdate(_ context.Context, id int64) (*model.Contract, error) {
	if c, ok := tx.contracts[id]; ok {
		return c, nil
	}
	c, ok := tx.s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %d: %w", id, ErrNotFound)
	}
	cp := *c
	tx.contracts[id] = &cp
	return &cp, nil
}

func (tx *memTx) GetUserForUpdate(_ context.Context, id int64) (*model.User, error) {
	u, ok := tx.stageUser(id)
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (tx *memTx) GetOrderForUpdate(_ context.Context, id int64) (*model.Order, error) {
	o, ok := tx.stageOrder(id)
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return o, nil
}

func (tx *memTx) GetPositionForUpdate(_ context.Context, userID, contractID int64, side model.ContractSide) (*model.Position, error) {
	p, ok := tx.stagePosition(posKey{userID, contractID, side})
	if !ok {
		return nil, fmt.Errorf("position %d/%d/%s: %w", userID, contractID, side, ErrNotFound)
	}
	return p, nil
}

func (tx *memTx) MatchCandidatesForUpdate(_ context.Context, taker *model.Order) ([]*model.Order, error) {
	bk, ok := tx.s.books[bookKey{taker.ContractID, taker.ContractSide}]
	if !ok {
		return nil, nil
	}

	var out []*model.Order
	walk := func(e bookEntry) bool {
		o, ok := tx.stageOrder(e.OrderID)
		if !ok {
			return true
		}
		// Price-eligibility cutoff: entries arrive best-first.
		if taker.Side == model.SideBuy && o.Price.GreaterThan(taker.Price) {
			return false
		}
		if taker.Side == model.SideSell && o.Price.LessThan(taker.Price) {
			return false
		}
		// Self-trade prevention and staleness guard.
		if o.UserID == taker.UserID || o.Status.Terminal() || o.Remaining() <= 0 {
			return true
		}
		out = append(out, o)
		return true
	}

	if taker.Side == model.SideBuy {
		// Asks at price ≤ taker price, cheapest then oldest first.
		bk.asks.Ascend(walk)
	} else {
		// Bids at price ≥ taker price, richest then oldest first.
		bk.bids.Ascend(walk)
	}
	return out, nil
}

func (tx *memTx) UsersForUpdate(_ context.Context, ids []int64) (map[int64]*model.User, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[int64]*model.User, len(sorted))
	for _, id := range sorted {
		u, ok := tx.stageUser(id)
		if !ok {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		out[id] = u
	}
	return out, nil
}

func (tx *memTx) OpenOrdersForUpdate(_ context.Context, contractID int64) ([]*model.Order, error) {
	var ids []int64
	for id, o := range tx.s.orders {
		if o.ContractID == contractID && !o.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*model.Order, 0, len(ids))
	for _, id := range ids {
		o, _ := tx.stageOrder(id)
		if o != nil && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (tx *memTx) PayablePositionsForUpdate(_ context.Context, contractID int64) ([]*model.Position, error) {
	var keys []posKey
	for k, p := range tx.s.positions {
		if p.ContractID == contractID && p.IsActive && p.Quantity > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return tx.s.positions[keys[i]].ID < tx.s.positions[keys[j]].ID
	})

	out := make([]*model.Position, 0, len(keys))
	for _, k := range keys {
		p, _ := tx.stagePosition(k)
		if p != nil && p.IsActive && p.Quantity > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memTx) ContractsByMarket(_ context.Context, marketID int64) ([]*model.Contract, error) {
	var ids []int64
	for id, c := range tx.s.contracts {
		if c.MarketID == marketID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*model.Contract, 0, len(ids))
	for _, id := range ids {
		c, err := tx.GetContractForUpdate(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- Mutations ---

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	tx.s.nextOrderID++
	o.ID = tx.s.nextOrderID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	tx.orders[o.ID] = o
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	tx.orders[o.ID] = o
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.s.nextTradeID++
	t.ID = tx.s.nextTradeID
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) UpdateUser(_ context.Context, u *model.User) error {
	tx.users[u.ID] = u
	return nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if p.ID == 0 {
		tx.s.nextPositionID++
		p.ID = tx.s.nextPositionID
	}
	tx.positions[posKey{p.UserID, p.ContractID, p.ContractSide}] = p
	return nil
}

// Commit applies staged writes to the base maps, refreshes the book
// indexes, and releases the transaction lock.
func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.s.mu.Unlock()

	if tx.s.failCommits > 0 {
		tx.s.failCommits--
		return tx.s.failErr
	}

	for id, u := range tx.users {
		cp := *u
		tx.s.users[id] = &cp
	}
	for id, m := range tx.markets {
		cp := *m
		tx.s.markets[id] = &cp
	}
	for id, c := range tx.contracts {
		cp := *c
		tx.s.contracts[id] = &cp
	}
	for k, p := range tx.positions {
		cp := *p
		tx.s.positions[k] = &cp
	}
	tx.s.trades = append(tx.s.trades, tx.trades...)

	for id, o := range tx.orders {
		cp := *o
		tx.s.orders[id] = &cp
		tx.s.reindexOrder(&cp)
	}
	return nil
}

// Rollback discards staged writes and releases the transaction lock.
func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.s.mu.Unlock()
	return nil
}

// reindexOrder keeps the book B-trees consistent with an order's committed
// state: resting while open with remaining quantity, absent otherwise.
// Market-order remainders never rest because they commit in a terminal
// status.
func (s *MemoryStore) reindexOrder(o *model.Order) {
	k := bookKey{o.ContractID, o.ContractSide}
	bk, ok := s.books[k]
	if !ok {
		bk = newBook()
		s.books[k] = bk
	}

	entry := bookEntry{
		Price:     o.Price.StringFixed(4),
		CreatedAt: o.CreatedAt,
		OrderID:   o.ID,
	}

	tree := bk.asks
	if o.Side == model.SideBuy {
		tree = bk.bids
	}

	if !o.Status.Terminal() && o.Remaining() > 0 {
		tree.ReplaceOrInsert(entry)
	} else {
		tree.Delete(entry)
	}
}
