// Package engine implements order matching and settlement: fund/asset
// reservation, order persistence, match search, atomic trade execution and
// cancellation with reservation release.
//
// Every mutating operation runs inside one store transaction. Locks are
// acquired in a fixed order — the requester's own balance or holding first,
// then candidate counter-orders in price/time/id priority — and conflicts
// reported by the store are retried a bounded number of times.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotx/exchange-engine/internal/model"
	"github.com/spotx/exchange-engine/internal/money"
	"github.com/spotx/exchange-engine/internal/store"
)

// TradeEvent is the post-commit notification payload for an executed trade.
type TradeEvent struct {
	BuyOrderID    int64           `json:"buy_order_id"`
	SellOrderID   int64           `json:"sell_order_id"`
	BuyUserID     int64           `json:"buy_user_id"`
	SellUserID    int64           `json:"sell_user_id"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	USDValue      decimal.Decimal `json:"usd_value"`
	CommissionUSD decimal.Decimal `json:"commission_usd"`
}

// TradeNotifier receives a trade-executed fact strictly after the enclosing
// transaction has committed. Implementations must not block settlement;
// failures are theirs to log.
type TradeNotifier interface {
	NotifyTrade(ctx context.Context, ev TradeEvent)
}

// Config carries engine policy. Zero values fall back to defaults matching
// production behavior.
type Config struct {
	// Symbols is the whitelist of supported trading pairs.
	Symbols []string

	// CommissionRate is the fraction of gross USD value charged to the
	// seller on each trade. nil means the default 1.5%; a pointer to zero
	// disables commission.
	CommissionRate *decimal.Decimal

	// MaxRetries bounds transparent retries of a whole operation after a
	// store conflict.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"BTC-USD", "ETH-USD"}
	}
	if c.CommissionRate == nil {
		rate := money.MustParse("0.015")
		c.CommissionRate = &rate
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Engine is the matching and settlement orchestrator. All collaborators are
// injected at construction; engines share no hidden state, so multiple
// instances (e.g. under test) are independent.
type Engine struct {
	store    store.Store
	notifier TradeNotifier
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine. notifier may be nil when no delivery is wired.
func New(st store.Store, notifier TradeNotifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// CreateOrder places a limit order: reserves funds or assets, persists the
// order OPEN, searches for an exact-quantity match and, if one exists,
// settles the trade atomically. The returned order's status reflects
// whether it was immediately filled.
func (e *Engine) CreateOrder(ctx context.Context, userID int64, symbol string, side model.Side, price, amount decimal.Decimal) (*model.Order, error) {
	if !slices.Contains(e.cfg.Symbols, symbol) {
		return nil, ErrUnsupportedSymbol
	}
	if side != model.SideBuy && side != model.SideSell {
		return nil, ErrInvalidSide
	}
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	price = price.Truncate(money.Scale)
	amount = amount.Truncate(money.Scale)

	var order *model.Order
	var event *TradeEvent

	err := e.withRetry(ctx, func() error {
		order, event = nil, nil
		return e.store.RunInTx(ctx, func(tx store.Tx) error {
			o, ev, err := e.createOrderTx(ctx, tx, userID, symbol, side, price, amount)
			if err != nil {
				return err
			}
			order, event = o, ev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order created",
		"order_id", order.ID,
		"user_id", userID,
		"symbol", symbol,
		"side", side,
		"price", money.Format(price),
		"amount", money.Format(amount),
		"status", order.Status.String(),
	)

	if event != nil {
		e.dispatch(*event)
	}
	return order, nil
}

func (e *Engine) createOrderTx(ctx context.Context, tx store.Tx, userID int64, symbol string, side model.Side, price, amount decimal.Decimal) (*model.Order, *TradeEvent, error) {
	asset := model.AssetSymbol(symbol)
	lockedUSD, lockedAsset := money.Zero, money.Zero

	// Reservation: lock the requester's own row first, check sufficiency,
	// then move funds/assets from available to locked.
	if side == model.SideBuy {
		required := money.Mul(price, amount)
		balance, err := tx.LockUserBalance(ctx, userID)
		if err != nil {
			return nil, nil, fmt.Errorf("lock balance: %w", err)
		}
		if money.Cmp(balance, required) < 0 {
			return nil, nil, ErrInsufficientFunds
		}
		if err := tx.UpdateUserBalance(ctx, userID, money.Sub(balance, required)); err != nil {
			return nil, nil, fmt.Errorf("debit balance: %w", err)
		}
		lockedUSD = required
	} else {
		holding, err := tx.LockAsset(ctx, userID, asset)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, ErrInsufficientAssets
			}
			return nil, nil, fmt.Errorf("lock asset: %w", err)
		}
		if money.Cmp(holding.Amount, amount) < 0 {
			return nil, nil, ErrInsufficientAssets
		}
		if err := tx.MoveAsset(ctx, userID, asset, amount.Neg(), amount); err != nil {
			return nil, nil, fmt.Errorf("reserve asset: %w", err)
		}
		lockedAsset = amount
	}

	order := &model.Order{
		UserID:      userID,
		Symbol:      symbol,
		Side:        side,
		Price:       price,
		Amount:      amount,
		Status:      model.StatusOpen,
		LockedUSD:   lockedUSD,
		LockedAsset: lockedAsset,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	match, err := e.findMatch(ctx, tx, order)
	if err != nil {
		return nil, nil, err
	}
	if match == nil {
		return order, nil, nil
	}

	event, err := e.executeMatch(ctx, tx, order, match)
	if err != nil {
		return nil, nil, err
	}
	order.Status = model.StatusFilled
	return order, event, nil
}

// findMatch scans price-compatible open counter-orders in priority order
// and picks the first whose quantity exactly equals the incoming order's.
// Orders of differing quantity are skipped entirely; there are no partial
// fills.
func (e *Engine) findMatch(ctx context.Context, tx store.Tx, order *model.Order) (*model.Order, error) {
	candidates, err := tx.MatchCandidates(ctx, order.Symbol, order.Side, order.Price)
	if err != nil {
		return nil, fmt.Errorf("match search: %w", err)
	}
	for i := range candidates {
		if money.Cmp(candidates[i].Amount, order.Amount) == 0 {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// executeMatch settles a trade between two exact-quantity orders. The
// execution price is always the buy order's limit price, so the buyer's
// reservation is consumed exactly and needs no adjustment.
func (e *Engine) executeMatch(ctx context.Context, tx store.Tx, incoming, resting *model.Order) (*TradeEvent, error) {
	buy, sell := incoming, resting
	if incoming.Side == model.SideSell {
		buy, sell = resting, incoming
	}

	price := buy.Price
	amount := buy.Amount
	usdValue := money.Mul(price, amount)
	commission := money.Mul(usdValue, *e.cfg.CommissionRate)
	netValue := money.Sub(usdValue, commission)
	asset := model.AssetSymbol(buy.Symbol)

	if err := tx.UpdateOrderStatus(ctx, buy.ID, model.StatusFilled); err != nil {
		return nil, fmt.Errorf("fill buy order: %w", err)
	}
	if err := tx.UpdateOrderStatus(ctx, sell.ID, model.StatusFilled); err != nil {
		return nil, fmt.Errorf("fill sell order: %w", err)
	}

	// Buyer receives the asset; the seller's locked quantity is consumed,
	// not returned, and the seller is credited the net USD value.
	if err := tx.CreditAsset(ctx, buy.UserID, asset, amount); err != nil {
		return nil, fmt.Errorf("credit buyer asset: %w", err)
	}
	if err := tx.MoveAsset(ctx, sell.UserID, asset, money.Zero, amount.Neg()); err != nil {
		return nil, fmt.Errorf("consume seller reservation: %w", err)
	}
	if err := tx.CreditUserBalance(ctx, sell.UserID, netValue); err != nil {
		return nil, fmt.Errorf("credit seller balance: %w", err)
	}

	trade := &model.Trade{
		Symbol:        buy.Symbol,
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		Price:         price,
		Amount:        amount,
		USDValue:      usdValue,
		CommissionUSD: commission,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	return &TradeEvent{
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		BuyUserID:     buy.UserID,
		SellUserID:    sell.UserID,
		Symbol:        buy.Symbol,
		Price:         price,
		Amount:        amount,
		USDValue:      usdValue,
		CommissionUSD: commission,
	}, nil
}

// CancelOrder releases an OPEN order's reservation and marks it CANCELLED.
// Safe to race with an in-flight match: whichever unit of work locks the
// order row first proceeds; the loser sees a non-OPEN status.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	var order *model.Order

	err := e.withRetry(ctx, func() error {
		return e.store.RunInTx(ctx, func(tx store.Tx) error {
			o, err := tx.LockOpenOrder(ctx, orderID, userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrNotCancellable
				}
				return fmt.Errorf("lock order: %w", err)
			}

			if o.LockedUSD.IsPositive() {
				if err := tx.CreditUserBalance(ctx, userID, o.LockedUSD); err != nil {
					return fmt.Errorf("refund balance: %w", err)
				}
			}
			if o.LockedAsset.IsPositive() {
				asset := model.AssetSymbol(o.Symbol)
				if err := tx.MoveAsset(ctx, userID, asset, o.LockedAsset, o.LockedAsset.Neg()); err != nil {
					return fmt.Errorf("release asset: %w", err)
				}
			}
			if err := tx.UpdateOrderStatus(ctx, o.ID, model.StatusCancelled); err != nil {
				return fmt.Errorf("cancel order: %w", err)
			}
			o.Status = model.StatusCancelled
			order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("order cancelled", "order_id", order.ID, "user_id", userID)
	return order, nil
}

// withRetry re-runs the whole unit of work after store conflicts. A
// conflict means nothing was applied, so the retry starts from scratch.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if err = op(); !errors.Is(err, store.ErrConflict) {
			return err
		}
		e.logger.Warn("transaction conflict, retrying", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

// dispatch hands the trade event to the notifier without letting delivery
// block or fail the caller. Settlement has already committed.
func (e *Engine) dispatch(ev TradeEvent) {
	if e.notifier == nil {
		return
	}
	e.logger.Info("trade executed",
		"buy_order_id", ev.BuyOrderID,
		"sell_order_id", ev.SellOrderID,
		"symbol", ev.Symbol,
		"price", money.Format(ev.Price),
		"amount", money.Format(ev.Amount),
		"usd_value", money.Format(ev.USDValue),
		"commission_usd", money.Format(ev.CommissionUSD),
	)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("trade notification panicked", "err", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.notifier.NotifyTrade(ctx, ev)
	}()
}
