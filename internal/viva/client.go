package viva

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const clientTimeout = 30 * time.Second

// Client calls the gateway's order and transaction API, fetching bearer
// tokens from the token cache.
type Client struct {
	env        Environment
	tokens     *TokenCache
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client for the given environment and credentials.
func NewClient(env Environment, clientID, clientSecret string, logger *slog.Logger) *Client {
	return &Client{
		env:        env,
		tokens:     NewTokenCache(env, clientID, clientSecret),
		httpClient: &http.Client{Timeout: clientTimeout},
		logger:     logger,
	}
}

// Environment returns the configured gateway environment.
func (c *Client) Environment() Environment {
	return c.env
}

// Tokens exposes the token cache, mainly so callers can reset it when
// credentials change.
func (c *Client) Tokens() *TokenCache {
	return c.tokens
}

// Customer holds optional payer contact details sent with an order.
type Customer struct {
	Email       string `json:"Email,omitempty"`
	FullName    string `json:"FullName,omitempty"`
	Phone       string `json:"Phone,omitempty"`
	CountryCode string `json:"CountryCode,omitempty"`
	RequestLang string `json:"RequestLang,omitempty"`
}

// CreateOrderRequest is the domain-level order creation request.
type CreateOrderRequest struct {
	AmountMinor     int64
	SourceCode      string
	Customer        *Customer
	MerchantTrns    string
	CustomerTrns    string
	MaxInstallments int
	PaymentTimeout  int
	AllowRecurring  bool
}

// OrderResult is the outcome of a successful order creation.
type OrderResult struct {
	OrderCode   string
	CheckoutURL string
}

// createOrderPayload is the wire shape of the order creation call.
type createOrderPayload struct {
	Amount          int64  `json:"Amount"`
	SourceCode      string `json:"SourceCode"`
	Email           string `json:"Email,omitempty"`
	FullName        string `json:"FullName,omitempty"`
	Phone           string `json:"Phone,omitempty"`
	CountryCode     string `json:"CountryCode,omitempty"`
	RequestLang     string `json:"RequestLang,omitempty"`
	MerchantTrns    string `json:"MerchantTrns,omitempty"`
	CustomerTrns    string `json:"CustomerTrns,omitempty"`
	MaxInstallments int    `json:"MaxInstallments,omitempty"`
	PaymentTimeOut  int    `json:"PaymentTimeOut,omitempty"`
	AllowRecurring  bool   `json:"AllowRecurring,omitempty"`
}

// createOrderResponse is the gateway's order creation response. OrderCode is
// decoded as json.Number because its magnitude exceeds the float64-safe
// integer range.
type createOrderResponse struct {
	OrderCode json.Number `json:"OrderCode"`
	ErrorCode int         `json:"ErrorCode"`
	ErrorText string      `json:"ErrorText"`
}

// CreateOrder creates a payment order with the gateway and returns the order
// code together with the derived checkout URL.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	payload := createOrderPayload{
		Amount:          req.AmountMinor,
		SourceCode:      req.SourceCode,
		MerchantTrns:    req.MerchantTrns,
		CustomerTrns:    req.CustomerTrns,
		MaxInstallments: req.MaxInstallments,
		PaymentTimeOut:  req.PaymentTimeout,
		AllowRecurring:  req.AllowRecurring,
	}
	if req.Customer != nil {
		payload.Email = req.Customer.Email
		payload.FullName = req.Customer.FullName
		payload.Phone = req.Customer.Phone
		payload.CountryCode = req.Customer.CountryCode
		payload.RequestLang = req.Customer.RequestLang
	}

	status, body, err := c.do(ctx, http.MethodPost, c.env.APIURL()+"/api/orders", payload)
	if err != nil {
		return nil, err
	}

	var resp createOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Status: status, Text: "malformed order response", Err: err}
	}

	// Success requires an ok status, error code zero and an order code.
	orderCode := resp.OrderCode.String()
	if status < 200 || status >= 300 || resp.ErrorCode != 0 || orderCode == "" {
		gerr := &GatewayError{Status: status, Code: resp.ErrorCode, Text: resp.ErrorText}
		if gerr.Text == "" {
			gerr.Text = strings.TrimSpace(string(body))
		}
		return nil, gerr
	}

	c.logger.Info("gateway order created",
		"order_code", orderCode,
		"amount", req.AmountMinor,
		"source_code", req.SourceCode,
	)

	return &OrderResult{
		OrderCode:   orderCode,
		CheckoutURL: c.env.CheckoutURL(orderCode),
	}, nil
}

// TransactionDetails describes one gateway transaction.
type TransactionDetails struct {
	TransactionID string  `json:"TransactionId"`
	StatusID      string  `json:"StatusId"`
	Amount        float64 `json:"Amount"`
	CardNumber    string  `json:"CardNumber"`
	InsDate       string  `json:"InsDate"`
}

type transactionsResponse struct {
	ErrorCode    int                  `json:"ErrorCode"`
	ErrorText    string               `json:"ErrorText"`
	Transactions []TransactionDetails `json:"Transactions"`
}

// VerifyTransaction fetches transaction details from the gateway.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID string) (*TransactionDetails, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.env.APIURL()+"/api/transactions/"+transactionID, nil)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		return nil, &GatewayError{Status: status, Text: strings.TrimSpace(string(body))}
	}

	var resp transactionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Status: status, Text: "malformed transaction response", Err: err}
	}
	if resp.ErrorCode != 0 {
		return nil, &GatewayError{Status: status, Code: resp.ErrorCode, Text: resp.ErrorText}
	}
	if len(resp.Transactions) == 0 {
		return nil, &GatewayError{Status: status, Text: fmt.Sprintf("transaction not found: %s", transactionID)}
	}

	return &resp.Transactions[0], nil
}

// RefundTransaction issues a cancellation/refund for a transaction. A nil
// amount refunds the full transaction; the call is idempotent per
// transaction ID on the gateway side. Not invoked by the primary flows yet.
func (c *Client) RefundTransaction(ctx context.Context, transactionID string, amountMinor *int64) error {
	url := c.env.APIURL() + "/api/transactions/" + transactionID
	if amountMinor != nil {
		url = fmt.Sprintf("%s?Amount=%d", url, *amountMinor)
	}

	status, body, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	if status < 200 || status >= 300 {
		return &GatewayError{Status: status, Text: strings.TrimSpace(string(body))}
	}

	c.logger.Info("gateway transaction refunded", "transaction_id", transactionID)

	return nil
}

// do performs an authorized request and returns the status and raw body.
// A 401 clears the token cache so the next call re-authenticates.
func (c *Client) do(ctx context.Context, method, url string, payload interface{}) (int, []byte, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &GatewayError{Text: "encoding request payload", Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, &GatewayError{Text: "building request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &GatewayError{Text: "gateway unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &GatewayError{Status: resp.StatusCode, Text: "reading response body", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.ClearToken()
		return resp.StatusCode, body, &AuthError{
			Status: resp.StatusCode,
			Reason: "gateway rejected bearer token",
		}
	}

	return resp.StatusCode, body, nil
}
