// Package notify delivers trade-executed events to interested parties after
// settlement has committed. Delivery is best-effort: implementations log
// failures and never surface them to the engine.
package notify

import (
	"context"

	"github.com/spotx/exchange-engine/internal/engine"
)

// Multi fans one trade event out to several notifiers.
type Multi []engine.TradeNotifier

func (m Multi) NotifyTrade(ctx context.Context, ev engine.TradeEvent) {
	for _, n := range m {
		if n != nil {
			n.NotifyTrade(ctx, ev)
		}
	}
}

// payload is the client-visible shape of a trade notification, delivered
// privately to both counterparties.
type payload struct {
	Type          string `json:"type"`
	BuyOrderID    int64  `json:"buy_order_id"`
	SellOrderID   int64  `json:"sell_order_id"`
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
	USDValue      string `json:"usd_value"`
	CommissionUSD string `json:"commission_usd"`
}

func newPayload(ev engine.TradeEvent) payload {
	return payload{
		Type:          "order.matched",
		BuyOrderID:    ev.BuyOrderID,
		SellOrderID:   ev.SellOrderID,
		Symbol:        ev.Symbol,
		Price:         ev.Price.String(),
		Amount:        ev.Amount.String(),
		USDValue:      ev.USDValue.String(),
		CommissionUSD: ev.CommissionUSD.String(),
	}
}
