package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paybridge/internal/common/database"
	"paybridge/internal/common/middleware"
	"paybridge/internal/payments"
	"paybridge/internal/viva"
	"paybridge/internal/webhook"
)

const testAPIKey = "test-api-key"

type memStore struct {
	mu       sync.Mutex
	orders   map[string]*payments.PaymentOrder
	txs      []*payments.Transaction
	settings payments.Settings
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[string]*payments.PaymentOrder{},
		settings: payments.Settings{
			Environment:  "demo",
			ClientID:     "client",
			ClientSecret: "secret",
			SourceCode:   "0000",
			WebhookKey:   "test-webhook-secret",
		},
	}
}

func (m *memStore) CreateOrder(_ context.Context, order *payments.PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.OrderCode]; ok {
		return database.ErrAlreadyExists
	}
	clone := *order
	m.orders[order.OrderCode] = &clone
	return nil
}

func (m *memStore) GetOrderByCode(_ context.Context, orderCode string) (*payments.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderCode]
	if !ok {
		return nil, database.ErrNotFound
	}
	clone := *order
	return &clone, nil
}

func (m *memStore) RecordSettlement(_ context.Context, tx *payments.Transaction, target payments.OrderStatus) (bool, error) {
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
	if !ok || order.Status != payments.OrderPending {
		return false, nil
	}
	order.Status = target
	return true, nil
}

func (m *memStore) GetTransactionByDeliveryID(_ context.Context, deliveryID string) (*payments.Transaction, error) {
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

func (m *memStore) GetTransactionByID(_ context.Context, transactionID string) (*payments.Transaction, error) {
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

func (m *memStore) GetSettings(_ context.Context) (*payments.Settings, error) {
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

var (
	_ payments.Store         = (*memStore)(nil)
	_ payments.SettingsStore = (*memStore)(nil)
)

type fakeGateway struct {
	orderResult *viva.OrderResult
	orderErr    error
	txResult    *viva.TransactionDetails
	txErr       error
}

func (g *fakeGateway) CreateOrder(_ context.Context, _ viva.CreateOrderRequest) (*viva.OrderResult, error) {
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

func newTestRouter(store *memStore, gateway *fakeGateway, allowUnsigned bool) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	service := payments.NewService(store, store, gateway, logger)
	processor := payments.NewProcessor(store, nil, logger)
	handler := NewHandler(service, processor, store, allowUnsigned)

	return handler.Routes(middleware.APIKeyAuth(testAPIKey, "host-backend"))
}

func doRequest(t *testing.T, router http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func authed(extra map[string]string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + testAPIKey,
		"Content-Type":  "application/json",
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func signedHeaders(t *testing.T, secret string, body []byte, deliveryID string) map[string]string {
	t.Helper()
	sig, err := webhook.NewVerifier(secret, false).TestSignature(body, webhook.AlgSHA256)
	require.NoError(t, err)
	return map[string]string{
		"Webhook-Signature-256": sig,
		"Webhook-Delivery-Id":   deliveryID,
		"Content-Type":          "application/json",
	}
}

func TestCreateSession(t *testing.T) {
	store := newMemStore()
	gateway := &fakeGateway{
		orderResult: &viva.OrderResult{
			OrderCode:   "1234567890123456",
			CheckoutURL: "https://demo.vivapayments.com/web/checkout?ref=1234567890123456",
		},
	}
	router := newTestRouter(store, gateway, false)

	rec := doRequest(t, router, http.MethodPost, "/sessions",
		[]byte(`{"amount":1000,"customer":{"Email":"jo@example.com"}}`), authed(nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp payments.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1234567890123456", resp.OrderCode)
	assert.Equal(t, "https://demo.vivapayments.com/web/checkout?ref=1234567890123456", resp.CheckoutURL)
}

func TestCreateSession_RequiresAPIKey(t *testing.T) {
	router := newTestRouter(newMemStore(), &fakeGateway{}, false)

	rec := doRequest(t, router, http.MethodPost, "/sessions",
		[]byte(`{"amount":1000}`), map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/sessions",
		[]byte(`{"amount":1000}`), map[string]string{"Authorization": "Bearer wrong-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSession_ValidationFailures(t *testing.T) {
	router := newTestRouter(newMemStore(), &fakeGateway{}, false)

	tests := []struct {
		name string
		body string
	}{
		{"missing amount", `{}`},
		{"zero amount", `{"amount":0}`},
		{"negative amount", `{"amount":-5}`},
		{"malformed json", `{"amount":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/sessions", []byte(tt.body), authed(nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, false, resp["success"])
		})
	}
}

func TestCreateSession_GatewayError(t *testing.T) {
	gateway := &fakeGateway{
		orderErr: &viva.GatewayError{Status: 400, Code: 400, Text: "Invalid source code"},
	}
	router := newTestRouter(newMemStore(), gateway, false)

	rec := doRequest(t, router, http.MethodPost, "/sessions", []byte(`{"amount":1000}`), authed(nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetOrder(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, &fakeGateway{}, false)

	order, err := payments.NewPaymentOrder("order-1", "1234567890123456", 1000, "0000",
		"https://demo.vivapayments.com/web/checkout?ref=1234567890123456")
	require.NoError(t, err)
	require.NoError(t, store.CreateOrder(context.Background(), order))

	rec := doRequest(t, router, http.MethodGet, "/orders/1234567890123456", nil, authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got payments.PaymentOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, payments.OrderPending, got.Status)

	rec = doRequest(t, router, http.MethodGet, "/orders/0000000000000000", nil, authed(nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyTransaction(t *testing.T) {
	gateway := &fakeGateway{
		txResult: &viva.TransactionDetails{TransactionID: "tx-1", StatusID: "F", Amount: 10.00},
	}
	router := newTestRouter(newMemStore(), gateway, false)

	rec := doRequest(t, router, http.MethodGet, "/transactions/tx-1", nil, authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got viva.TransactionDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "F", got.StatusID)
}

func TestHandleWebhook_ValidSignature(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, &fakeGateway{}, false)

	body := []byte(`{"EventTypeId":1796,"EventData":{"TransactionId":"tx-1","OrderCode":1234567890123456,"StatusId":"A"}}`)

	rec := doRequest(t, router, http.MethodPost, "/webhook", body,
		signedHeaders(t, "test-webhook-secret", body, "delivery-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	store := newMemStore()
	router := newTestRouter(store, &fakeGateway{}, false)

	body := []byte(`{"EventTypeId":1796,"EventData":{}}`)
	headers := signedHeaders(t, "wrong-secret", body, "delivery-1")

	rec := doRequest(t, router, http.MethodPost, "/webhook", body, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, store.txs)
}

func TestHandleWebhook_RejectsUnsignedByDefault(t *testing.T) {
	router := newTestRouter(newMemStore(), &fakeGateway{}, false)

	body := []byte(`{"EventTypeId":1796,"EventData":{}}`)
	rec := doRequest(t, router, http.MethodPost, "/webhook", body,
		map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhook_AllowUnsignedMode(t *testing.T) {
	store := newMemStore()
	store.settings.WebhookKey = ""
	router := newTestRouter(store, &fakeGateway{}, true)

	body := []byte(`{"EventTypeId":1796,"EventData":{"TransactionId":"tx-1","OrderCode":0,"StatusId":"A"}}`)
	rec := doRequest(t, router, http.MethodPost, "/webhook", body,
		map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleWebhook_NoSecretConfigured(t *testing.T) {
	store := newMemStore()
	store.settings.WebhookKey = ""
	router := newTestRouter(store, &fakeGateway{}, false)

	body := []byte(`{"EventTypeId":1796,"EventData":{}}`)
	rec := doRequest(t, router, http.MethodPost, "/webhook", body,
		map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookKey_StableAcrossCalls(t *testing.T) {
	store := newMemStore()
	store.settings.WebhookKey = ""
	router := newTestRouter(store, &fakeGateway{}, false)

	rec := doRequest(t, router, http.MethodGet, "/webhook", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var first struct {
		Key string `json:"Key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Len(t, first.Key, 64)

	rec = doRequest(t, router, http.MethodGet, "/webhook", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var second struct {
		Key string `json:"Key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.Key, second.Key)
}

// TestCheckoutToSettlementFlow walks the full path: session creation, the
// completed-payment webhook, then a failed payment on a second order.
func TestCheckoutToSettlementFlow(t *testing.T) {
	store := newMemStore()
	gateway := &fakeGateway{
		orderResult: &viva.OrderResult{
			OrderCode:   "1234567890123456",
			CheckoutURL: "https://demo.vivapayments.com/web/checkout?ref=1234567890123456",
		},
	}
	router := newTestRouter(store, gateway, false)

	// Host backend opens a checkout session for 10.00 EUR.
	rec := doRequest(t, router, http.MethodPost, "/sessions",
		[]byte(`{"amount":1000,"customer":{"Email":"jo@example.com","FullName":"Jo Soap"}}`), authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var created payments.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "1234567890123456", created.OrderCode)
	assert.Equal(t, "https://demo.vivapayments.com/web/checkout?ref=1234567890123456", created.CheckoutURL)

	// The shopper pays; the gateway delivers the payment created event.
	body := []byte(`{"EventTypeId":1796,"EventData":{"TransactionId":"550e8400-e29b-41d4-a716-446655440000","OrderCode":1234567890123456,"Amount":10.00,"StatusId":"A","CardNumber":"411111XXXXXX1111","Email":"jo@example.com","FullName":"Jo Soap"}}`)
	rec = doRequest(t, router, http.MethodPost, "/webhook", body,
		signedHeaders(t, "test-webhook-secret", body, "delivery-e2e-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	order, err := store.GetOrderByCode(context.Background(), "1234567890123456")
	require.NoError(t, err)
	assert.Equal(t, payments.OrderCompleted, order.Status)

	tx, err := store.GetTransactionByID(context.Background(), "550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	assert.Equal(t, "A", tx.StatusID)
	assert.Equal(t, "1111", tx.CardLastFour)

	// A redelivery of the same event stays a no-op.
	rec = doRequest(t, router, http.MethodPost, "/webhook", body,
		signedHeaders(t, "test-webhook-secret", body, "delivery-e2e-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.txs, 1)

	// Second session whose payment fails.
	gateway.orderResult = &viva.OrderResult{
		OrderCode:   "6543210987654321",
		CheckoutURL: "https://demo.vivapayments.com/web/checkout?ref=6543210987654321",
	}
	rec = doRequest(t, router, http.MethodPost, "/sessions", []byte(`{"amount":2000}`), authed(nil))
	require.Equal(t, http.StatusOK, rec.Code)

	failedBody := []byte(`{"EventTypeId":1798,"EventData":{"TransactionId":"tx-declined","OrderCode":6543210987654321,"Amount":20.00,"StatusId":"A"}}`)
	rec = doRequest(t, router, http.MethodPost, "/webhook", failedBody,
		signedHeaders(t, "test-webhook-secret", failedBody, "delivery-e2e-2"))
	require.Equal(t, http.StatusOK, rec.Code)

	order, err = store.GetOrderByCode(context.Background(), "6543210987654321")
	require.NoError(t, err)
	assert.Equal(t, payments.OrderFailed, order.Status)

	tx, err = store.GetTransactionByID(context.Background(), "tx-declined")
	require.NoError(t, err)
	assert.Equal(t, "F", tx.StatusID, "failed event type overrides the payload status")
}
