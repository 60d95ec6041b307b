package payments

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"paybridge/internal/common/database"
	"paybridge/internal/common/events"
	"paybridge/internal/viva"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store and SettingsStore with the same uniqueness
// and transition semantics as the Postgres implementation.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]*PaymentOrder // keyed by order code
	txs      []*Transaction
	settings Settings
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]*PaymentOrder{}}
}

func (m *memStore) CreateOrder(_ context.Context, order *PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.OrderCode]; ok {
		return database.ErrAlreadyExists
	}
	clone := *order
	m.orders[order.OrderCode] = &clone
	return nil
}

func (m *memStore) GetOrderByCode(_ context.Context, orderCode string) (*PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderCode]
	if !ok {
		return nil, database.ErrNotFound
	}
	clone := *order
	return &clone, nil
}

func (m *memStore) RecordSettlement(_ context.Context, tx *Transaction, target OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.DeliveryID != "" {
		for _, existing := range m.txs {
			if existing.DeliveryID == tx.DeliveryID {
				return false, database.ErrAlreadyExists
			}
		}
	}
	clone := *tx
	m.txs = append(m.txs, &clone)

	if target == "" || tx.OrderCode == "" {
		return false, nil
	}
	order, ok := m.orders[tx.OrderCode]
	if !ok || order.Status != OrderPending {
		return false, nil
	}
	order.Status = target
	return true, nil
}

func (m *memStore) GetTransactionByDeliveryID(_ context.Context, deliveryID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.DeliveryID == deliveryID {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) GetTransactionByID(_ context.Context, transactionID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.TransactionID == transactionID {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) GetSettings(_ context.Context) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := m.settings
	return &clone, nil
}

func (m *memStore) SaveWebhookKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings.WebhookKey == "" {
		m.settings.WebhookKey = key
	}
	return nil
}

func (m *memStore) transactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

var (
	_ Store         = (*memStore)(nil)
	_ SettingsStore = (*memStore)(nil)
)

// fakeGateway records CreateOrder calls and returns canned results.
type fakeGateway struct {
	orderResult *viva.OrderResult
	orderErr    error
	txResult    *viva.TransactionDetails
	txErr       error
	calls       int
	lastRequest viva.CreateOrderRequest
}

func (g *fakeGateway) CreateOrder(_ context.Context, req viva.CreateOrderRequest) (*viva.OrderResult, error) {
	g.calls++
	g.lastRequest = req
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	return g.orderResult, nil
}

func (g *fakeGateway) VerifyTransaction(_ context.Context, _ string) (*viva.TransactionDetails, error) {
	if g.txErr != nil {
		return nil, g.txErr
	}
	return g.txResult, nil
}

var _ Gateway = (*fakeGateway)(nil)

// fakePublisher captures published settlement events.
type fakePublisher struct {
	mu        sync.Mutex
	published []*events.Event
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

var _ events.Publisher = (*fakePublisher)(nil)
