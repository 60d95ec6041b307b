package payments

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"paybridge/internal/viva"
)

// Gateway is the slice of the gateway client the order service uses.
type Gateway interface {
	CreateOrder(ctx context.Context, req viva.CreateOrderRequest) (*viva.OrderResult, error)
	VerifyTransaction(ctx context.Context, transactionID string) (*viva.TransactionDetails, error)
}

// Service is the front door for creating payment sessions.
type Service struct {
	store    Store
	settings SettingsStore
	gateway  Gateway
	logger   *slog.Logger
}

// NewService creates the order session service.
func NewService(store Store, settings SettingsStore, gateway Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		settings: settings,
		gateway:  gateway,
		logger:   logger,
	}
}

// CreateSessionRequest is the caller's session creation input. Amount is in
// minor currency units.
type CreateSessionRequest struct {
	Amount       int64          `json:"amount" validate:"required,gt=0"`
	Customer     *viva.Customer `json:"customer,omitempty"`
	MerchantTrns string         `json:"merchantTrns,omitempty" validate:"max=2048"`
	CustomerTrns string         `json:"customerTrns,omitempty" validate:"max=2048"`
}

// CreateSessionResponse carries the order code and checkout URL back to the
// caller.
type CreateSessionResponse struct {
	Success     bool   `json:"success"`
	OrderCode   string `json:"orderCode"`
	CheckoutURL string `json:"checkoutUrl"`
}

// CreateSession validates the request, creates an order with the gateway and
// persists it as pending.
func (s *Service) CreateSession(ctx context.Context, callerID string, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be a positive integer in minor units"}
	}

	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	result, err := s.gateway.CreateOrder(ctx, viva.CreateOrderRequest{
		AmountMinor:  req.Amount,
		SourceCode:   settings.SourceCode,
		Customer:     req.Customer,
		MerchantTrns: req.MerchantTrns,
		CustomerTrns: req.CustomerTrns,
	})
	if err != nil {
		return nil, err
	}

	order, err := NewPaymentOrder(ulid.Make().String(), result.OrderCode, req.Amount, settings.SourceCode, result.CheckoutURL)
	if err != nil {
		return nil, fmt.Errorf("building order: %w", err)
	}
	if req.Customer != nil {
		order.CustomerEmail = req.Customer.Email
		order.CustomerName = req.Customer.FullName
	}
	order.MerchantTrns = req.MerchantTrns
	order.CustomerTrns = req.CustomerTrns

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persisting order: %w", err)
	}

	s.logger.Info("payment session created",
		"order_code", order.OrderCode,
		"amount", order.AmountMinor,
		"caller", callerID,
	)

	return &CreateSessionResponse{
		Success:     true,
		OrderCode:   result.OrderCode,
		CheckoutURL: result.CheckoutURL,
	}, nil
}

// GetOrder retrieves a persisted payment order by gateway order code.
func (s *Service) GetOrder(ctx context.Context, orderCode string) (*PaymentOrder, error) {
	return s.store.GetOrderByCode(ctx, orderCode)
}

// VerifyTransaction fetches transaction details from the gateway, for
// reconciliation by the host backend.
func (s *Service) VerifyTransaction(ctx context.Context, transactionID string) (*viva.TransactionDetails, error) {
	return s.gateway.VerifyTransaction(ctx, transactionID)
}
