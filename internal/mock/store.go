package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution_gateway/internal/core"
	"execution_gateway/pkg/apperrors"
)

// MemStore is an in-memory core.IStore with real CAS and fill-append
// semantics, so reconciliation logic can be exercised without SQLite.
type MemStore struct {
	mu        sync.Mutex
	orders    map[string]*core.Order
	orphans   map[string]*core.OrphanOrder
	positions map[string]*core.Position
	marks     map[string]time.Time

	// RecalcFn, when set, backs RecalculateTradeRealizedPnL
	RecalcFn func(strategyID, symbol string, updateAll bool) (int, error)

	// Injected failures
	HWMErr      error
	OrdersErr   error
	CASErr      error
	OrphanErr   error
	ExposureErr error
	TxErr       error

	CASCalls     []core.CASUpdate
	OrphanStatus []string
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:    make(map[string]*core.Order),
		orphans:   make(map[string]*core.OrphanOrder),
		positions: make(map[string]*core.Position),
		marks:     make(map[string]time.Time),
	}
}

// SeedOrder inserts an order directly, for test setup
func (m *MemStore) SeedOrder(order core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyOrder(&order)
	m.orders[order.ClientOrderID] = cp
}

// Order returns a copy of a stored order, for assertions
func (m *MemStore) Order(clientOrderID string) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil
	}
	return copyOrder(o)
}

// Orphan returns a copy of a stored orphan record, for assertions
func (m *MemStore) Orphan(brokerOrderID string) *core.OrphanOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orphans[brokerOrderID]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// Position returns a copy of a stored position, for assertions
func (m *MemStore) Position(symbol string) *core.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *MemStore) GetHighWaterMark(ctx context.Context, name string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HWMErr != nil {
		return nil, m.HWMErr
	}
	mark, ok := m.marks[name]
	if !ok {
		return nil, nil
	}
	cp := mark
	return &cp, nil
}

func (m *MemStore) SetHighWaterMark(ctx context.Context, name string, mark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HWMErr != nil {
		return m.HWMErr
	}
	if existing, ok := m.marks[name]; ok && !mark.After(existing) {
		return nil
	}
	m.marks[name] = mark
	return nil
}

func (m *MemStore) GetNonTerminalOrders(ctx context.Context) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	var out []core.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (m *MemStore) GetOrderIDsByClientIDs(ctx context.Context, clientOrderIDs []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	out := make(map[string]struct{})
	for _, id := range clientOrderIDs {
		if _, ok := m.orders[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *MemStore) GetOrdersByBrokerIDs(ctx context.Context, brokerOrderIDs []string) (map[string]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	out := make(map[string]core.Order)
	for _, bid := range brokerOrderIDs {
		for _, o := range m.orders {
			if o.BrokerOrderID == bid {
				out[bid] = *copyOrder(o)
			}
		}
	}
	return out, nil
}

func (m *MemStore) GetFilledOrdersMissingFills(ctx context.Context, limit int) ([]core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	var out []core.Order
	for _, o := range m.orders {
		if o.Status == core.StatusFilled && len(o.Metadata.Fills) == 0 {
			out = append(out, *copyOrder(o))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) UpdateOrderStatusCAS(ctx context.Context, upd core.CASUpdate) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateOrderStatusCAS(upd)
}

func (m *MemStore) updateOrderStatusCAS(upd core.CASUpdate) (*core.Order, error) {
	m.CASCalls = append(m.CASCalls, upd)
	if m.CASErr != nil {
		return nil, m.CASErr
	}
	o, ok := m.orders[upd.ClientOrderID]
	if !ok {
		return nil, nil
	}
	if o.SourcePriority < upd.SourcePriority {
		return nil, nil
	}
	if o.Status.IsTerminal() {
		return nil, nil
	}
	if o.UpdatedAt.After(upd.UpdatedAt) {
		return nil, nil
	}

	o.Status = upd.Status
	o.SourcePriority = upd.SourcePriority
	o.UpdatedAt = upd.UpdatedAt
	if upd.FilledQty != nil {
		q := *upd.FilledQty
		o.FilledQty = &q
	}
	if upd.FilledAvgPrice != nil {
		p := *upd.FilledAvgPrice
		o.FilledAvgPrice = &p
	}
	if upd.BrokerOrderID != "" {
		o.BrokerOrderID = upd.BrokerOrderID
	}
	if upd.Status == core.StatusFilled && o.FilledAt == nil {
		t := upd.UpdatedAt
		o.FilledAt = &t
	}
	return copyOrder(o), nil
}

func (m *MemStore) CreateOrphanOrder(ctx context.Context, orphan core.OrphanOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrphanErr != nil {
		return m.OrphanErr
	}
	if existing, ok := m.orphans[orphan.BrokerOrderID]; ok {
		existing.Status = orphan.Status
		existing.Qty = orphan.Qty
		existing.FilledQty = orphan.FilledQty
		existing.EstimatedNotional = orphan.EstimatedNotional
		existing.LastSeenAt = orphan.LastSeenAt
		return nil
	}
	cp := orphan
	m.orphans[orphan.BrokerOrderID] = &cp
	return nil
}

func (m *MemStore) UpdateOrphanOrderStatus(ctx context.Context, brokerOrderID, status string, resolvedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrphanErr != nil {
		return m.OrphanErr
	}
	m.OrphanStatus = append(m.OrphanStatus, brokerOrderID+":"+status)
	o, ok := m.orphans[brokerOrderID]
	if !ok {
		return nil
	}
	o.Status = status
	if resolvedAt != nil {
		t := *resolvedAt
		o.ResolvedAt = &t
	}
	return nil
}

func (m *MemStore) GetOrphanExposure(ctx context.Context, symbol, strategyID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExposureErr != nil {
		return decimal.Zero, m.ExposureErr
	}
	total := decimal.Zero
	for _, o := range m.orphans {
		if o.Symbol == symbol && o.StrategyID == strategyID && o.ResolvedAt == nil {
			total = total.Add(o.EstimatedNotional)
		}
	}
	return total, nil
}

func (m *MemStore) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Position
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MemStore) UpsertPositionSnapshot(ctx context.Context, pos core.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := pos
	m.positions[pos.Symbol] = &cp
	return nil
}

// Transaction serializes against every other store call and restores the
// pre-transaction order state when fn fails
func (m *MemStore) Transaction(ctx context.Context, fn func(tx core.IStoreTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TxErr != nil {
		return m.TxErr
	}

	snapshot := make(map[string]*core.Order, len(m.orders))
	for id, o := range m.orders {
		snapshot[id] = copyOrder(o)
	}

	if err := fn(&memTx{store: m}); err != nil {
		m.orders = snapshot
		return err
	}
	return nil
}

type memTx struct {
	store *MemStore
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, clientOrderID string) (*core.Order, error) {
	o, ok := t.store.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (t *memTx) AppendFillToOrderMetadata(ctx context.Context, clientOrderID string, fill core.FillRecord) (*core.Order, error) {
	o, ok := t.store.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
	}
	for _, existing := range o.Metadata.Fills {
		if existing.FillID == fill.FillID {
			return nil, nil
		}
	}
	o.Metadata.Fills = append(o.Metadata.Fills, fill)
	if o.FilledAt == nil {
		now := time.Now()
		o.FilledAt = &now
	}
	return copyOrder(o), nil
}

func (t *memTx) MarkSyntheticFillsSuperseded(ctx context.Context, clientOrderID string) (int, error) {
	o, ok := t.store.orders[clientOrderID]
	if !ok {
		return 0, nil
	}
	n := 0
	for i := range o.Metadata.Fills {
		f := &o.Metadata.Fills[i]
		if f.Synthetic && !f.Superseded {
			f.Superseded = true
			n++
		}
	}
	return n, nil
}

func (t *memTx) UpdateOrderStatusCAS(ctx context.Context, upd core.CASUpdate) (*core.Order, error) {
	return t.store.updateOrderStatusCAS(upd)
}

func (t *memTx) RecalculateTradeRealizedPnL(ctx context.Context, strategyID, symbol string, updateAll bool) (int, error) {
	if t.store.RecalcFn != nil {
		return t.store.RecalcFn(strategyID, symbol, updateAll)
	}
	return 0, nil
}

func copyOrder(o *core.Order) *core.Order {
	cp := *o
	if o.FilledQty != nil {
		q := *o.FilledQty
		cp.FilledQty = &q
	}
	if o.FilledAvgPrice != nil {
		p := *o.FilledAvgPrice
		cp.FilledAvgPrice = &p
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		cp.FilledAt = &t
	}
	cp.Metadata.Fills = append([]core.FillRecord(nil), o.Metadata.Fills...)
	return &cp
}
