package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/spotx/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for profile reads (user row and holdings). Units of work pass
// through to the primary; the users they touch are invalidated after the
// transaction succeeds, never before, so the cache cannot observe
// uncommitted state.
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

func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	for userID := range rec.touched {
		s.rdb.Del(ctx, userKey(userID), assetsKey(userID))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) GetUserAssets(ctx context.Context, userID int64) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetsKey(userID)).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.GetUserAssets(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetsKey(userID), data, s.ttl)
	}
	return assets, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, name, email, passwordHash string, balance decimal.Decimal) (*model.User, error) {
	return s.primary.CreateUser(ctx, name, email, passwordHash, balance)
}

func (s *CachedStore) UpsertAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	if err := s.primary.UpsertAsset(ctx, userID, symbol, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey(userID))
	return nil
}

// --- Passthrough (not cached; order listings must reflect the book) ---

func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.primary.GetUserByEmail(ctx, email)
}

func (s *CachedStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, userID int64, symbol string) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, userID, symbol)
}

// recordingTx tracks which users a unit of work mutates so their cached
// profile reads can be invalidated after commit.
type recordingTx struct {
	Tx
	touched map[int64]bool
}

func (r *recordingTx) touch(userID int64) {
	if r.touched == nil {
		r.touched = make(map[int64]bool)
	}
	r.touched[userID] = true
}

func (r *recordingTx) UpdateUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	r.touch(userID)
	return r.Tx.UpdateUserBalance(ctx, userID, balance)
}

func (r *recordingTx) CreditUserBalance(ctx context.Context, userID int64, amount decimal.Decimal) error {
	r.touch(userID)
	return r.Tx.CreditUserBalance(ctx, userID, amount)
}

func (r *recordingTx) MoveAsset(ctx context.Context, userID int64, symbol string, amountDelta, lockedDelta decimal.Decimal) error {
	r.touch(userID)
	return r.Tx.MoveAsset(ctx, userID, symbol, amountDelta, lockedDelta)
}

func (r *recordingTx) CreditAsset(ctx context.Context, userID int64, symbol string, qty decimal.Decimal) error {
	r.touch(userID)
	return r.Tx.CreditAsset(ctx, userID, symbol, qty)
}

func userKey(id int64) string   { return fmt.Sprintf("user:%d", id) }
func assetsKey(id int64) string { return fmt.Sprintf("assets:%d", id) }
