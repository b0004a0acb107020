package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridengine/internal/apperrors"
)

// MockOrder is one order tracked by Mock.
type MockOrder struct {
	OrderID   string
	Market    string
	Side      Side
	Price     decimal.Decimal
	Volume    decimal.Decimal
	Executed  decimal.Decimal
	Canceled  bool
	CreatedAt time.Time
}

// Mock is an in-memory Gateway used by engine/reconciler/health tests,
// grounded on the teacher's mock-exchange branch in
// market_maker/cmd/exchange_connector/main.go. Tests drive fills by mutating
// Executed directly or via Fill.
type Mock struct {
	mu      sync.Mutex
	orders  map[string]*MockOrder
	balance map[string]decimal.Decimal
	price   decimal.Decimal
}

// NewMock returns an empty mock gateway.
func NewMock() *Mock {
	return &Mock{
		orders:  make(map[string]*MockOrder),
		balance: make(map[string]decimal.Decimal),
	}
}

// SetLastTradePrice sets the price GetLastTradePrice returns.
func (m *Mock) SetLastTradePrice(p decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = p
}

// SetBalance sets the free balance of a currency.
func (m *Mock) SetBalance(currency string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance[currency] = free
}

// Fill marks orderID fully executed so the next GetOrderDetail poll reports a fill.
func (m *Mock) Fill(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.Executed = o.Volume
	}
}

func (m *Mock) PlaceLimitOrder(ctx context.Context, req OrderRequest) PlaceResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := req.ClientOrderID
	if id == "" {
		id = uuid.NewString()
	}
	m.orders[id] = &MockOrder{
		OrderID:   id,
		Market:    req.Market,
		Side:      req.Side,
		Price:     req.Price,
		Volume:    req.Volume,
		CreatedAt: time.Now(),
	}
	return PlaceResult{OrderID: id}
}

func (m *Mock) GetOrderDetail(ctx context.Context, market, orderID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Canceled {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	remaining := o.Volume.Sub(o.Executed)
	return map[string]interface{}{
		"executed_qty":  o.Executed.String(),
		"remaining_qty": remaining.String(),
	}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, market, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil // unknown order is treated as already-cancelled, per spec §7
	}
	o.Canceled = true
	return nil
}

func (m *Mock) CancelAllOrders(ctx context.Context, market string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Market == market && o.Executed.LessThan(o.Volume) {
			o.Canceled = true
		}
	}
	return nil
}

func (m *Mock) GetOpenOrders(ctx context.Context, market string, limit int) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OpenOrder
	for _, o := range m.orders {
		if o.Market != market || o.Canceled || !o.Executed.LessThan(o.Volume) {
			continue
		}
		out = append(out, OpenOrder{OrderID: o.OrderID, Side: o.Side, Price: o.Price, Volume: o.Volume, CreatedAt: o.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mock) GetBalance(ctx context.Context) ([]BalanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BalanceEntry, 0, len(m.balance))
	for currency, free := range m.balance {
		out = append(out, BalanceEntry{Currency: currency, Free: free})
	}
	return out, nil
}

func (m *Mock) GetLastTradePrice(ctx context.Context, market string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}
