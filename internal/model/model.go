// Package model defines the core domain types shared across the exchange
// engine. All monetary values use shopspring/decimal — never float64 for
// money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the counter side used during match search.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. FILLED and CANCELLED are
// terminal; an order never leaves either.
type OrderStatus int

const (
	StatusOpen      OrderStatus = 0
	StatusFilled    OrderStatus = 1
	StatusCancelled OrderStatus = 2
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// User holds one cash balance denominated in USD.
type User struct {
	ID           int64           `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Email        string          `json:"email" db:"email"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Asset is a (user, symbol) holding. Amount is available; LockedAmount is
// reserved by open sell orders. Amount + LockedAmount only changes through
// trade settlement or deposits, never through reservation/release.
type Asset struct {
	ID           int64           `json:"id" db:"id"`
	UserID       int64           `json:"user_id" db:"user_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount" db:"locked_amount"`
}

// Order is a limit order against a trading pair. Price and Amount never
// change after creation; exactly one of LockedUSD/LockedAsset is non-zero,
// recording the reservation taken when the order was placed.
type Order struct {
	ID          int64           `json:"id" db:"id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Side        Side            `json:"side" db:"side"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Status      OrderStatus     `json:"status" db:"status"`
	LockedUSD   decimal.Decimal `json:"locked_usd" db:"locked_usd"`
	LockedAsset decimal.Decimal `json:"locked_asset" db:"locked_asset"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Trade is an immutable record of one match. Each order is referenced by at
// most one trade (enforced unique in the store); rows are never modified or
// deleted after insert.
type Trade struct {
	ID            int64           `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	BuyOrderID    int64           `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID   int64           `json:"sell_order_id" db:"sell_order_id"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	USDValue      decimal.Decimal `json:"usd_value" db:"usd_value"`
	CommissionUSD decimal.Decimal `json:"commission_usd" db:"commission_usd"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// AssetSymbol extracts the asset leg from a trading pair: "BTC-USD" → "BTC".
func AssetSymbol(pair string) string {
	return strings.TrimSuffix(pair, "-USD")
}
