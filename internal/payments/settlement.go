package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"paybridge/internal/common/database"
	"paybridge/internal/common/events"
	"paybridge/internal/common/middleware"
)

// Processor converts admitted webhook deliveries into transaction records and
// order status transitions, exactly once per delivery.
type Processor struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewProcessor creates a settlement processor. publisher may be nil when
// event publishing is disabled.
func NewProcessor(store Store, publisher events.Publisher, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// webhookEnvelope carries the event type discriminator; the payload is
// interpreted only after dispatching on it.
type webhookEnvelope struct {
	EventTypeID int64           `json:"EventTypeId"`
	EventData   json.RawMessage `json:"EventData"`
}

// paymentEventData is the payload shape shared by the payment created and
// payment failed events. Numeric identifiers are decoded as json.Number so
// 16-digit order codes survive without precision loss.
type paymentEventData struct {
	TransactionID string      `json:"TransactionId"`
	OrderCode     json.Number `json:"OrderCode"`
	Amount        json.Number `json:"Amount"`
	StatusID      string      `json:"StatusId"`
	CardNumber    string      `json:"CardNumber"`
	Email         string      `json:"Email"`
	FullName      string      `json:"FullName"`
}

// Process handles one verified webhook delivery. The raw body must be the
// exact bytes received. Duplicate deliveries (same delivery ID) and unknown
// event types succeed without side effects; senders only stop retrying on a
// success response.
func (p *Processor) Process(ctx context.Context, rawBody []byte, deliveryID string) error {
	// Fast-path duplicate check. The storage unique constraint on the
	// delivery ID remains the authoritative guard below.
	if deliveryID != "" {
		_, err := p.store.GetTransactionByDeliveryID(ctx, deliveryID)
		switch {
		case err == nil:
			p.logger.Info("duplicate webhook delivery ignored", "delivery_id", deliveryID)
			return nil
		case !database.IsNotFound(err):
			return &ProcessingError{Stage: "idempotency check", Err: err}
		}
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return &ProcessingError{Stage: "parsing event", Err: err}
	}

	switch envelope.EventTypeID {
	case EventTypePaymentCreated:
		return p.settle(ctx, &envelope, rawBody, deliveryID, OrderCompleted, "")
	case EventTypePaymentFailed:
		// The transaction status is forced to failed regardless of the
		// payload's own status field.
		return p.settle(ctx, &envelope, rawBody, deliveryID, OrderFailed, TxStatusFailed)
	default:
		// Only the two settlement event types are contractually expected;
		// anything else is acknowledged and dropped.
		p.logger.Info("unrecognized webhook event type ignored",
			"event_type_id", envelope.EventTypeID,
			"delivery_id", deliveryID,
		)
		return nil
	}
}

func (p *Processor) settle(ctx context.Context, envelope *webhookEnvelope, rawBody []byte, deliveryID string, target OrderStatus, forcedStatus string) error {
	var data paymentEventData
	if err := json.Unmarshal(envelope.EventData, &data); err != nil {
		return &ProcessingError{Stage: "parsing event data", Err: err}
	}

	statusID := data.StatusID
	if forcedStatus != "" {
		statusID = forcedStatus
	}
	if statusID == "" {
		statusID = TxStatusSuccess
	}

	// Completion requires an authorized status. A created event carrying a
	// failed status settles the order as failed; any other status records
	// the transaction without a transition.
	if target == OrderCompleted && statusID != TxStatusSuccess {
		if statusID == TxStatusFailed {
			target = OrderFailed
		} else {
			target = ""
		}
	}

	tx := &Transaction{
		ID:            ulid.Make().String(),
		TransactionID: data.TransactionID,
		OrderCode:     orderCodeString(data.OrderCode),
		EventTypeID:   envelope.EventTypeID,
		StatusID:      statusID,
		AmountMinor:   amountMinor(data.Amount),
		CardLastFour:  lastFour(data.CardNumber),
		CustomerEmail: data.Email,
		CustomerName:  data.FullName,
		DeliveryID:    deliveryID,
		EventData:     rawBody,
		ProcessedAt:   time.Now().UTC(),
	}

	// Insert and transition commit together; a failure leaves nothing behind
	// and the redelivery replays the whole settlement.
	updated, err := p.store.RecordSettlement(ctx, tx, target)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			// A concurrent delivery of the same ID won the insert.
			p.logger.Info("duplicate webhook delivery ignored", "delivery_id", deliveryID)
			return nil
		}
		return &ProcessingError{Stage: "recording settlement", Err: err}
	}

	// A transaction without a matching order is recorded for reconciliation
	// but triggers no transition.
	if tx.OrderCode == "" {
		p.logger.Warn("webhook event carried no order code",
			"transaction_id", tx.TransactionID,
			"event_type_id", tx.EventTypeID,
		)
		return nil
	}

	if target == "" {
		p.logger.Warn("settlement event with unexpected status recorded without transition",
			"order_code", tx.OrderCode,
			"transaction_id", tx.TransactionID,
			"status_id", tx.StatusID,
		)
		return nil
	}

	if !updated {
		p.logger.Warn("no pending order for settlement event",
			"order_code", tx.OrderCode,
			"transaction_id", tx.TransactionID,
		)
		return nil
	}

	p.logger.Info("order settled",
		"order_code", tx.OrderCode,
		"status", target,
		"transaction_id", tx.TransactionID,
	)

	p.publishSettled(ctx, tx, target)

	return nil
}

func (p *Processor) publishSettled(ctx context.Context, tx *Transaction, target OrderStatus) {
	if p.publisher == nil {
		return
	}

	eventType := events.TypeOrderCompleted
	if target == OrderFailed {
		eventType = events.TypeOrderFailed
	}

	payload := events.OrderSettled{
		OrderCode:     tx.OrderCode,
		TransactionID: tx.TransactionID,
		StatusID:      tx.StatusID,
		AmountMinor:   tx.AmountMinor,
		ProcessedAt:   tx.ProcessedAt,
	}

	env, err := events.NewEvent(eventType, tx.OrderCode, &payload)
	if err != nil {
		p.logger.Error("failed to build settlement event", "error", err)
		return
	}
	env.WithCorrelation(middleware.GetCorrelationID(ctx))

	if err := p.publisher.Publish(ctx, events.Subject, env); err != nil {
		p.logger.Error("failed to publish settlement event",
			"error", err,
			"order_code", tx.OrderCode,
		)
	}
}

// orderCodeString keeps the order code as the literal digit sequence; zero or
// empty means the event referenced no order.
func orderCodeString(n json.Number) string {
	s := n.String()
	if s == "" || s == "0" {
		return ""
	}
	return s
}

func amountMinor(n json.Number) int64 {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return int64(math.Round(f))
	}
	return 0
}

func lastFour(cardNumber string) string {
	if len(cardNumber) < 4 {
		return ""
	}
	return cardNumber[len(cardNumber)-4:]
}
