package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotx/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex serializes units of work, so every
// transaction is trivially isolated; a snapshot taken at transaction start
// is restored on error, so all-or-nothing holds here too.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[int64]*model.User
	assets map[int64]map[string]*model.Asset
	orders map[int64]*model.Order
	trades []model.Trade

	// orders already referenced by a trade, mirroring the unique
	// constraints on trades(buy_order_id) and trades(sell_order_id).
	traded map[int64]bool

	nextUserID  int64
	nextOrderID int64
	nextTradeID int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*model.User),
		assets: make(map[int64]map[string]*model.Asset),
		orders: make(map[int64]*model.Order),
		traded: make(map[int64]bool),
	}
}

type memSnapshot struct {
	users  map[int64]*model.User
	assets map[int64]map[string]*model.Asset
	orders map[int64]*model.Order
	trades []model.Trade
	traded map[int64]bool

	nextUserID  int64
	nextOrderID int64
	nextTradeID int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		users:       make(map[int64]*model.User, len(s.users)),
		assets:      make(map[int64]map[string]*model.Asset, len(s.assets)),
		orders:      make(map[int64]*model.Order, len(s.orders)),
		trades:      append([]model.Trade(nil), s.trades...),
		traded:      make(map[int64]bool, len(s.traded)),
		nextUserID:  s.nextUserID,
		nextOrderID: s.nextOrderID,
		nextTradeID: s.nextTradeID,
	}
	for id, u := range s.users {
		cp := *u
		snap.users[id] = &cp
	}
	for id, held := range s.assets {
		m := make(map[string]*model.Asset, len(held))
		for sym, a := range held {
			cp := *a
			m[sym] = &cp
		}
		snap.assets[id] = m
	}
	for id, o := range s.orders {
		cp := *o
		snap.orders[id] = &cp
	}
	for id := range s.traded {
		snap.traded[id] = true
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.users = snap.users
	s.assets = snap.assets
	s.orders = snap.orders
	s.trades = snap.trades
	s.traded = snap.traded
	s.nextUserID = snap.nextUserID
	s.nextOrderID = snap.nextOrderID
	s.nextTradeID = snap.nextTradeID
}

func (s *MemoryStore) RunInTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateUser(_ context.Context, name, email, passwordHash string, balance decimal.Decimal) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return nil, fmt.Errorf("user %s already exists", email)
		}
	}
	s.nextUserID++
	u := &model.User{
		ID:           s.nextUserID,
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      balance,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserAssets(_ context.Context, userID int64) ([]model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assets []model.Asset
	for _, a := range s.assets[userID] {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets, nil
}

func (s *MemoryStore) UpsertAsset(_ context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.assets[userID]
	if held == nil {
		held = make(map[string]*model.Asset)
		s.assets[userID] = held
	}
	if a, ok := held[symbol]; ok {
		a.Amount = amount
		return nil
	}
	held[symbol] = &model.Asset{
		ID:           int64(len(held) + 1),
		UserID:       userID,
		Symbol:       symbol,
		Amount:       amount,
		LockedAmount: decimal.Zero,
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, userID int64, symbol string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID == userID && o.Symbol == symbol && o.Status == model.StatusOpen {
			orders = append(orders, *o)
		}
	}
	// Newest first.
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// --- Transactional operations ---
//
// The store mutex is held for the whole RunInTx call, so memTx methods
// mutate state directly; the snapshot covers rollback.

type memTx struct {
	s *MemoryStore
}

func (t *memTx) LockUserBalance(_ context.Context, userID int64) (decimal.Decimal, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return decimal.Decimal{}, ErrNotFound
	}
	return u.Balance, nil
}

func (t *memTx) UpdateUserBalance(_ context.Context, userID int64, balance decimal.Decimal) error {
	u, ok := t.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Balance = balance
	return nil
}

func (t *memTx) CreditUserBalance(_ context.Context, userID int64, amount decimal.Decimal) error {
	u, ok := t.s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Balance = u.Balance.Add(amount)
	return nil
}

func (t *memTx) LockAsset(_ context.Context, userID int64, symbol string) (*model.Asset, error) {
	a, ok := t.s.assets[userID][symbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) MoveAsset(_ context.Context, userID int64, symbol string, amountDelta, lockedDelta decimal.Decimal) error {
	a, ok := t.s.assets[userID][symbol]
	if !ok {
		return ErrNotFound
	}
	a.Amount = a.Amount.Add(amountDelta)
	a.LockedAmount = a.LockedAmount.Add(lockedDelta)
	return nil
}

func (t *memTx) CreditAsset(_ context.Context, userID int64, symbol string, qty decimal.Decimal) error {
	held := t.s.assets[userID]
	if held == nil {
		held = make(map[string]*model.Asset)
		t.s.assets[userID] = held
	}
	if a, ok := held[symbol]; ok {
		a.Amount = a.Amount.Add(qty)
		return nil
	}
	held[symbol] = &model.Asset{
		ID:           int64(len(held) + 1),
		UserID:       userID,
		Symbol:       symbol,
		Amount:       qty,
		LockedAmount: decimal.Zero,
	}
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	t.s.nextOrderID++
	o.ID = t.s.nextOrderID
	o.CreatedAt = time.Now().UTC()
	cp := *o
	t.s.orders[o.ID] = &cp
	return nil
}

func (t *memTx) LockOpenOrder(_ context.Context, orderID, userID int64) (*model.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok || o.UserID != userID || o.Status != model.StatusOpen {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) MatchCandidates(_ context.Context, symbol string, incoming model.Side, price decimal.Decimal) ([]model.Order, error) {
	var candidates []model.Order
	for _, o := range t.s.orders {
		if o.Symbol != symbol || o.Side != incoming.Opposite() || o.Status != model.StatusOpen {
			continue
		}
		if incoming == model.SideBuy && o.Price.GreaterThan(price) {
			continue
		}
		if incoming == model.SideSell && o.Price.LessThan(price) {
			continue
		}
		candidates = append(candidates, *o)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Price.Equal(b.Price) {
			if incoming == model.SideBuy {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return candidates, nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, orderID int64, status model.OrderStatus) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if t.s.traded[tr.BuyOrderID] || t.s.traded[tr.SellOrderID] {
		return fmt.Errorf("order already referenced by a trade")
	}
	t.s.nextTradeID++
	tr.ID = t.s.nextTradeID
	tr.CreatedAt = time.Now().UTC()
	t.s.trades = append(t.s.trades, *tr)
	t.s.traded[tr.BuyOrderID] = true
	t.s.traded[tr.SellOrderID] = true
	return nil
}

// Trades returns a copy of all recorded trades, oldest first. Test helper.
func (s *MemoryStore) Trades() []model.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Trade(nil), s.trades...)
}
