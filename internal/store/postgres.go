package store

import (
	"context"
	"errors"
	"fmt"

	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/spotx/exchange-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// row exclusivity comes from SELECT ... FOR UPDATE inside transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// wrapErr maps driver errors onto the store sentinels. Serialization
// failures and deadlocks (SQLSTATE 40001, 40P01) become ErrConflict so the
// engine can retry the whole unit of work.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", wrapErr(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", wrapErr(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, balance::TEXT, created_at
		 FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, balance::TEXT, created_at
		 FROM users WHERE email = $1`, email))
}

func (s *PostgresStore) CreateUser(ctx context.Context, name, email, passwordHash string, balance decimal.Decimal) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, balance)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 RETURNING id, name, email, password_hash, balance::TEXT, created_at`,
		name, email, passwordHash, balance.String()))
}

func (s *PostgresStore) GetUserAssets(ctx context.Context, userID int64) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, amount::TEXT, locked_amount::TEXT
		 FROM assets WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var amount, locked string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Symbol, &amount, &locked); err != nil {
			return nil, wrapErr(err)
		}
		a.Amount, _ = decimal.NewFromString(amount)
		a.LockedAmount, _ = decimal.NewFromString(locked)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, userID int64, symbol string, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (user_id, symbol, amount, locked_amount)
		 VALUES ($1, $2, $3::NUMERIC, 0)
		 ON CONFLICT (user_id, symbol) DO UPDATE SET amount = EXCLUDED.amount`,
		userID, symbol, amount.String())
	return wrapErr(err)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, id))
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, userID int64, symbol string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		orderSelect+` WHERE user_id = $1 AND symbol = $2 AND status = $3
		 ORDER BY created_at DESC, id DESC`,
		userID, symbol, model.StatusOpen)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Transactional operations ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUserBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`,
		userID).Scan(&balance)
	if err != nil {
		return decimal.Decimal{}, wrapErr(err)
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
	}
	return d, nil
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
		userID, balance.String())
	return wrapErr(err)
}

func (t *pgTx) CreditUserBalance(ctx context.Context, userID int64, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, amount.String())
	return wrapErr(err)
}

func (t *pgTx) LockAsset(ctx context.Context, userID int64, symbol string) (*model.Asset, error) {
	var a model.Asset
	var amount, locked string
	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, symbol, amount::TEXT, locked_amount::TEXT
		 FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE`,
		userID, symbol).Scan(&a.ID, &a.UserID, &a.Symbol, &amount, &locked)
	if err != nil {
		return nil, wrapErr(err)
	}
	a.Amount, _ = decimal.NewFromString(amount)
	a.LockedAmount, _ = decimal.NewFromString(locked)
	return &a, nil
}

func (t *pgTx) MoveAsset(ctx context.Context, userID int64, symbol string, amountDelta, lockedDelta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE assets
		 SET amount = amount + $3::NUMERIC, locked_amount = locked_amount + $4::NUMERIC
		 WHERE user_id = $1 AND symbol = $2`,
		userID, symbol, amountDelta.String(), lockedDelta.String())
	if err != nil {
		return wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CreditAsset(ctx context.Context, userID int64, symbol string, qty decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO assets (user_id, symbol, amount, locked_amount)
		 VALUES ($1, $2, $3::NUMERIC, 0)
		 ON CONFLICT (user_id, symbol) DO UPDATE SET amount = assets.amount + EXCLUDED.amount`,
		userID, symbol, qty.String())
	return wrapErr(err)
}

const orderSelect = `SELECT id, user_id, symbol, side, price::TEXT, amount::TEXT,
       status, locked_usd::TEXT, locked_asset::TEXT, created_at
 FROM orders`

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, symbol, side, price, amount, status, locked_usd, locked_asset)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC)
		 RETURNING id, created_at`,
		o.UserID, o.Symbol, o.Side, o.Price.String(), o.Amount.String(),
		o.Status, o.LockedUSD.String(), o.LockedAsset.String()).
		Scan(&o.ID, &o.CreatedAt)
	return wrapErr(err)
}

func (t *pgTx) LockOpenOrder(ctx context.Context, orderID, userID int64) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		orderSelect+` WHERE id = $1 AND user_id = $2 AND status = $3 FOR UPDATE`,
		orderID, userID, model.StatusOpen))
}

func (t *pgTx) MatchCandidates(ctx context.Context, symbol string, incoming model.Side, price decimal.Decimal) ([]model.Order, error) {
	// An incoming buy is compatible with resting sells priced at or below
	// its limit, scanned cheapest first; an incoming sell with resting buys
	// at or above, scanned dearest first. Ties break on creation time, then
	// id, so the scan order is deterministic and doubles as the lock order.
	cmp, dir := "<=", "ASC"
	if incoming == model.SideSell {
		cmp, dir = ">=", "DESC"
	}
	rows, err := t.tx.Query(ctx,
		orderSelect+` WHERE symbol = $1 AND side = $2 AND status = $3 AND price `+cmp+` $4::NUMERIC
		 ORDER BY price `+dir+`, created_at ASC, id ASC
		 FOR UPDATE`,
		symbol, incoming.Opposite(), model.StatusOpen, price.String())
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`, orderID, status)
	return wrapErr(err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO trades (symbol, buy_order_id, sell_order_id, price, amount, usd_value, commission_usd)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
		 RETURNING id, created_at`,
		tr.Symbol, tr.BuyOrderID, tr.SellOrderID, tr.Price.String(),
		tr.Amount.String(), tr.USDValue.String(), tr.CommissionUSD.String()).
		Scan(&tr.ID, &tr.CreatedAt)
	return wrapErr(err)
}

// --- Scan helpers ---

type row interface {
	Scan(dest ...any) error
}

func scanUser(r row) (*model.User, error) {
	var u model.User
	var balance string
	if err := r.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &balance, &u.CreatedAt); err != nil {
		return nil, wrapErr(err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func scanOrder(r row) (*model.Order, error) {
	var o model.Order
	var price, amount, lockedUSD, lockedAsset string
	if err := r.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &price, &amount,
		&o.Status, &lockedUSD, &lockedAsset, &o.CreatedAt); err != nil {
		return nil, wrapErr(err)
	}
	o.Price, _ = decimal.NewFromString(price)
	o.Amount, _ = decimal.NewFromString(amount)
	o.LockedUSD, _ = decimal.NewFromString(lockedUSD)
	o.LockedAsset, _ = decimal.NewFromString(lockedAsset)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
