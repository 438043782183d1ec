// Package store defines the persistence contracts for the exchange engine.
// Implementations include PostgreSQL (source of truth), a Redis read-through
// cache wrapper, and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/spotx/exchange-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when the store aborts a unit of work due to
	// lock contention or a serialization failure. The whole operation is
	// safe to retry; nothing was applied.
	ErrConflict = errors.New("store: transaction conflict")
)

// Store is the persistence interface. Every state-mutating engine operation
// runs inside RunInTx: all-or-nothing, isolated from concurrent units of
// work touching the same rows.
type Store interface {
	// RunInTx executes fn inside one atomic unit of work. If fn returns an
	// error the transaction is rolled back and the error returned as-is.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Users ---

	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	CreateUser(ctx context.Context, name, email, passwordHash string, balance decimal.Decimal) (*model.User, error)

	// --- Holdings ---

	GetUserAssets(ctx context.Context, userID int64) ([]model.Asset, error)

	// UpsertAsset sets the available amount of a (user, symbol) holding,
	// creating the row if absent. Used by seeding and deposits.
	UpsertAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error

	// --- Orders ---

	GetOrder(ctx context.Context, id int64) (*model.Order, error)

	// ListOpenOrders returns the caller's OPEN orders for a pair, newest
	// first.
	ListOpenOrders(ctx context.Context, userID int64, symbol string) ([]model.Order, error)
}

// Tx is the set of row-level operations available inside a unit of work.
// Lock* methods acquire exclusive row locks held until commit or rollback;
// the engine acquires the requester's own balance/holding first, then
// candidate counter-orders in priority order, so lock order is consistent
// across concurrent operations.
type Tx interface {
	// LockUserBalance locks the user's cash balance row and returns the
	// current balance.
	LockUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error)

	// UpdateUserBalance overwrites the user's cash balance. The row must
	// already be locked by this transaction.
	UpdateUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error

	// CreditUserBalance adds amount to the user's cash balance.
	CreditUserBalance(ctx context.Context, userID int64, amount decimal.Decimal) error

	// LockAsset locks the (user, symbol) holding row and returns it.
	LockAsset(ctx context.Context, userID int64, symbol string) (*model.Asset, error)

	// MoveAsset applies deltas to a holding's available and locked amounts
	// in one step. Reservation is (-qty, +qty), release is (+qty, -qty),
	// settlement consumption is (0, -qty).
	MoveAsset(ctx context.Context, userID int64, symbol string, amountDelta, lockedDelta decimal.Decimal) error

	// CreditAsset adds qty to the available amount of a holding, creating
	// the row if the user has never held the asset.
	CreditAsset(ctx context.Context, userID int64, symbol string, qty decimal.Decimal) error

	// InsertOrder persists a new order and fills in ID and CreatedAt.
	InsertOrder(ctx context.Context, o *model.Order) error

	// LockOpenOrder locks an OPEN order owned by userID and returns it.
	// Returns ErrNotFound when the order is absent, owned by someone else,
	// or no longer OPEN — callers do not learn which.
	LockOpenOrder(ctx context.Context, orderID, userID int64) (*model.Order, error)

	// MatchCandidates returns OPEN counter-orders for symbol whose price is
	// compatible with an incoming order of the given side and price, locked
	// for update, in strict price/time/id priority order: best price for
	// the resting side first, then earliest creation, then lowest id.
	MatchCandidates(ctx context.Context, symbol string, incoming model.Side, price decimal.Decimal) ([]model.Order, error)

	// UpdateOrderStatus transitions an order's lifecycle status.
	UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error

	// InsertTrade appends an immutable trade record and fills in ID and
	// CreatedAt. Fails if either order is already referenced by a trade.
	InsertTrade(ctx context.Context, t *model.Trade) error
}
