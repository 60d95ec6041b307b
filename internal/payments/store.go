package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paybridge/internal/common/database"
)

// Store is the abstract document store the core depends on. It exposes typed
// create/find/record operations over orders and transactions; the host's
// concrete schema never leaks in.
type Store interface {
	CreateOrder(ctx context.Context, order *PaymentOrder) error
	GetOrderByCode(ctx context.Context, orderCode string) (*PaymentOrder, error)

	// RecordSettlement inserts a settlement transaction and, when target is
	// non-empty and the transaction references an order, transitions that
	// order if it is still pending. Both writes happen atomically: either the
	// transaction row and the transition land together or neither does, so a
	// redelivery after a failure replays the whole settlement. Returns
	// database.ErrAlreadyExists when the delivery or transaction was already
	// recorded; that unique constraint is the authoritative idempotency
	// guard. updated reports whether an order row changed.
	RecordSettlement(ctx context.Context, tx *Transaction, target OrderStatus) (updated bool, err error)

	GetTransactionByDeliveryID(ctx context.Context, deliveryID string) (*Transaction, error)
	GetTransactionByID(ctx context.Context, transactionID string) (*Transaction, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateOrder inserts a new payment order.
func (s *PostgresStore) CreateOrder(ctx context.Context, order *PaymentOrder) error {
	query := `
		INSERT INTO payment_orders (
			id, order_code, amount_minor, source_code, status, checkout_url,
			customer_email, customer_name, merchant_trns, customer_trns,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	metadata, _ := json.Marshal(order.Metadata)

	_, err := s.db.Pool().Exec(ctx, query,
		order.ID, order.OrderCode, order.AmountMinor, order.SourceCode,
		order.Status, order.CheckoutURL,
		nullStr(order.CustomerEmail), nullStr(order.CustomerName),
		nullStr(order.MerchantTrns), nullStr(order.CustomerTrns),
		metadata, order.CreatedAt, order.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// GetOrderByCode retrieves a payment order by its gateway order code.
func (s *PostgresStore) GetOrderByCode(ctx context.Context, orderCode string) (*PaymentOrder, error) {
	query := `
		SELECT id, order_code, amount_minor, source_code, status, checkout_url,
			   customer_email, customer_name, merchant_trns, customer_trns,
			   metadata, created_at, updated_at
		FROM payment_orders WHERE order_code = $1
	`

	row := s.db.Pool().QueryRow(ctx, query, orderCode)

	var o PaymentOrder
	var email, name, merchantTrns, customerTrns *string
	var metadata []byte

	err := row.Scan(
		&o.ID, &o.OrderCode, &o.AmountMinor, &o.SourceCode, &o.Status, &o.CheckoutURL,
		&email, &name, &merchantTrns, &customerTrns,
		&metadata, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if email != nil {
		o.CustomerEmail = *email
	}
	if name != nil {
		o.CustomerName = *name
	}
	if merchantTrns != nil {
		o.MerchantTrns = *merchantTrns
	}
	if customerTrns != nil {
		o.CustomerTrns = *customerTrns
	}
	json.Unmarshal(metadata, &o.Metadata)

	return &o, nil
}

// RecordSettlement runs the transaction insert and the order transition in
// one database transaction.
func (s *PostgresStore) RecordSettlement(ctx context.Context, tx *Transaction, target OrderStatus) (bool, error) {
	var updated bool
	err := s.db.WithTx(ctx, func(dbtx pgx.Tx) error {
		if err := insertTransaction(ctx, dbtx, tx); err != nil {
			return err
		}
		if target == "" || tx.OrderCode == "" {
			return nil
		}
		var err error
		updated, err = updateOrderStatus(ctx, dbtx, tx.OrderCode, target)
		return err
	})
	return updated, err
}

func insertTransaction(ctx context.Context, q database.Querier, tx *Transaction) error {
	query := `
		INSERT INTO payment_transactions (
			id, transaction_id, order_code, event_type_id, status_id,
			amount_minor, card_last_four, customer_email, customer_name,
			delivery_id, event_data, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := q.Exec(ctx, query,
		tx.ID, tx.TransactionID, nullStr(tx.OrderCode), tx.EventTypeID, tx.StatusID,
		tx.AmountMinor, nullStr(tx.CardLastFour),
		nullStr(tx.CustomerEmail), nullStr(tx.CustomerName),
		nullStr(tx.DeliveryID), tx.EventData, tx.ProcessedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// updateOrderStatus transitions a pending order to a new status. The WHERE
// clause keeps terminal orders terminal even under concurrent deliveries.
func updateOrderStatus(ctx context.Context, q database.Querier, orderCode string, status OrderStatus) (bool, error) {
	query := `
		UPDATE payment_orders SET status = $2, updated_at = now()
		WHERE order_code = $1 AND status = 'pending'
	`

	tag, err := q.Exec(ctx, query, orderCode, status)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetTransactionByDeliveryID retrieves a transaction by webhook delivery ID.
func (s *PostgresStore) GetTransactionByDeliveryID(ctx context.Context, deliveryID string) (*Transaction, error) {
	query := txSelect + ` WHERE delivery_id = $1`
	return s.scanTransaction(s.db.Pool().QueryRow(ctx, query, deliveryID))
}

// GetTransactionByID retrieves a transaction by gateway transaction ID.
func (s *PostgresStore) GetTransactionByID(ctx context.Context, transactionID string) (*Transaction, error) {
	query := txSelect + ` WHERE transaction_id = $1`
	return s.scanTransaction(s.db.Pool().QueryRow(ctx, query, transactionID))
}

const txSelect = `
	SELECT id, transaction_id, order_code, event_type_id, status_id,
		   amount_minor, card_last_four, customer_email, customer_name,
		   delivery_id, event_data, processed_at
	FROM payment_transactions`

func (s *PostgresStore) scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var orderCode, lastFour, email, name, deliveryID *string

	err := row.Scan(
		&t.ID, &t.TransactionID, &orderCode, &t.EventTypeID, &t.StatusID,
		&t.AmountMinor, &lastFour, &email, &name,
		&deliveryID, &t.EventData, &t.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	if orderCode != nil {
		t.OrderCode = *orderCode
	}
	if lastFour != nil {
		t.CardLastFour = *lastFour
	}
	if email != nil {
		t.CustomerEmail = *email
	}
	if name != nil {
		t.CustomerName = *name
	}
	if deliveryID != nil {
		t.DeliveryID = *deliveryID
	}

	return &t, nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresSettingsStore implements SettingsStore on the single-row
// gateway_settings table.
type PostgresSettingsStore struct {
	db *database.DB
}

// NewPostgresSettingsStore creates a settings store.
func NewPostgresSettingsStore(db *database.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

// GetSettings loads the gateway settings. Missing settings come back as the
// zero value; callers validate presence per operation.
func (s *PostgresSettingsStore) GetSettings(ctx context.Context) (*Settings, error) {
	query := `
		SELECT environment, client_id, client_secret, source_code, webhook_key
		FROM gateway_settings WHERE id = 1
	`

	var cfg Settings
	var env, clientID, clientSecret, sourceCode, webhookKey *string

	err := s.db.Pool().QueryRow(ctx, query).Scan(&env, &clientID, &clientSecret, &sourceCode, &webhookKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("loading gateway settings: %w", err)
	}

	if env != nil {
		cfg.Environment = *env
	}
	if clientID != nil {
		cfg.ClientID = *clientID
	}
	if clientSecret != nil {
		cfg.ClientSecret = *clientSecret
	}
	if sourceCode != nil {
		cfg.SourceCode = *sourceCode
	}
	if webhookKey != nil {
		cfg.WebhookKey = *webhookKey
	}

	return &cfg, nil
}

// SaveWebhookKey persists the webhook verification key unless one is already
// stored. The first writer wins; concurrent generators must re-read to learn
// the persisted key.
func (s *PostgresSettingsStore) SaveWebhookKey(ctx context.Context, key string) error {
	query := `
		INSERT INTO gateway_settings (id, webhook_key) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET webhook_key = EXCLUDED.webhook_key
		WHERE gateway_settings.webhook_key IS NULL OR gateway_settings.webhook_key = ''
	`
	_, err := s.db.Pool().Exec(ctx, query, key)
	return err
}

var _ SettingsStore = (*PostgresSettingsStore)(nil)

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
