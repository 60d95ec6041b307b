// Package payments holds the payment order and settlement domain.
package payments

import (
	"encoding/json"
	"errors"
	"time"
)

// OrderStatus represents the lifecycle state of a payment order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// IsTerminal returns true when no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// Transaction status codes as issued by the gateway.
const (
	TxStatusSuccess = "A"
	TxStatusFailed  = "F"
	TxStatusError   = "E"
)

// Gateway webhook event type classifiers that drive order transitions.
const (
	EventTypePaymentCreated int64 = 1796
	EventTypePaymentFailed  int64 = 1798
)

// PaymentOrder represents one checkout session. The order code is a
// gateway-issued 16-digit identifier and is handled as a string end-to-end;
// parsing it as a number risks precision loss.
type PaymentOrder struct {
	ID            string            `json:"id"`
	OrderCode     string            `json:"order_code"`
	AmountMinor   int64             `json:"amount_minor"`
	SourceCode    string            `json:"source_code"`
	Status        OrderStatus       `json:"status"`
	CheckoutURL   string            `json:"checkout_url"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	CustomerName  string            `json:"customer_name,omitempty"`
	MerchantTrns  string            `json:"merchant_trns,omitempty"`
	CustomerTrns  string            `json:"customer_trns,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewPaymentOrder creates a pending order for a gateway order code.
func NewPaymentOrder(id, orderCode string, amountMinor int64, sourceCode, checkoutURL string) (*PaymentOrder, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if orderCode == "" {
		return nil, errors.New("order_code is required")
	}
	if amountMinor <= 0 {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	return &PaymentOrder{
		ID:          id,
		OrderCode:   orderCode,
		AmountMinor: amountMinor,
		SourceCode:  sourceCode,
		Status:      OrderPending,
		CheckoutURL: checkoutURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// MarkCompleted transitions a pending order to completed.
func (o *PaymentOrder) MarkCompleted() error {
	if o.Status.IsTerminal() {
		return errors.New("order already in terminal status")
	}
	o.Status = OrderCompleted
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed transitions a pending order to failed.
func (o *PaymentOrder) MarkFailed() error {
	if o.Status.IsTerminal() {
		return errors.New("order already in terminal status")
	}
	o.Status = OrderFailed
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Transaction represents one settlement event received from the gateway.
// Records are immutable once written.
type Transaction struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	OrderCode     string          `json:"order_code,omitempty"`
	EventTypeID   int64           `json:"event_type_id"`
	StatusID      string          `json:"status_id"`
	AmountMinor   int64           `json:"amount_minor"`
	CardLastFour  string          `json:"card_last_four,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	DeliveryID    string          `json:"delivery_id,omitempty"`
	EventData     json.RawMessage `json:"event_data"`
	ProcessedAt   time.Time       `json:"processed_at"`
}
