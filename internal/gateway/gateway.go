// Package gateway defines the Exchange Gateway contract (spec §6) and a
// resilient, venue-agnostic transport for implementing it. The concrete
// wire format of any one venue is deliberately not bound here — spec §1
// scopes the signed HTTP client out as an external collaborator; this
// package gives that collaborator a home without picking a venue.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderRequest describes a limit order to place.
type OrderRequest struct {
	Market         string
	Side           Side
	Volume         decimal.Decimal
	Price          decimal.Decimal
	ClientOrderID  string
}

// PlaceResult is the outcome of PlaceLimitOrder.
type PlaceResult struct {
	OrderID string
	Err     error
}

// OpenOrder is one entry of GetOpenOrders.
type OpenOrder struct {
	OrderID   string
	Side      Side
	Price     decimal.Decimal
	Volume    decimal.Decimal
	CreatedAt time.Time
}

// BalanceEntry is one entry of GetBalance.
type BalanceEntry struct {
	Currency string
	Free     decimal.Decimal
	Locked   decimal.Decimal
}

// Gateway is the abstract venue contract from spec §6. Implementers
// substitute any compatible exchange; the engine, reconciler, and health
// checker depend only on this interface.
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, req OrderRequest) PlaceResult
	GetOrderDetail(ctx context.Context, market, orderID string) (map[string]interface{}, error)
	CancelOrder(ctx context.Context, market, orderID string) error
	CancelAllOrders(ctx context.Context, market string) error
	GetOpenOrders(ctx context.Context, market string, limit int) ([]OpenOrder, error)
	GetBalance(ctx context.Context) ([]BalanceEntry, error)
	GetLastTradePrice(ctx context.Context, market string) (decimal.Decimal, error)
}
