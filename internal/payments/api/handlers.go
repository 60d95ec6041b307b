package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paybridge/internal/common/api"
	"paybridge/internal/common/database"
	"paybridge/internal/common/middleware"
	"paybridge/internal/payments"
	"paybridge/internal/viva"
	"paybridge/internal/webhook"
)

// Webhook headers sent by the gateway's delivery mechanism.
const (
	headerSignature256 = "Webhook-Signature-256"
	headerSignature    = "Webhook-Signature"
	headerDeliveryID   = "Webhook-Delivery-Id"
)

// Handler handles payment HTTP requests
type Handler struct {
	service   *payments.Service
	processor *payments.Processor
	settings  payments.SettingsStore

	// allowUnsigned admits webhook deliveries without a signature; local
	// development only.
	allowUnsigned bool
}

// NewHandler creates a new payments handler
func NewHandler(service *payments.Service, processor *payments.Processor, settings payments.SettingsStore, allowUnsigned bool) *Handler {
	return &Handler{
		service:       service,
		processor:     processor,
		settings:      settings,
		allowUnsigned: allowUnsigned,
	}
}

// Routes returns the payment routes. auth guards the host-backend routes;
// the webhook endpoints authenticate by signature instead.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/sessions", h.CreateSession)
		r.Get("/orders/{orderCode}", h.GetOrder)
		r.Get("/transactions/{transactionID}", h.VerifyTransaction)
	})

	r.Post("/webhook", h.HandleWebhook)
	r.Get("/webhook", h.WebhookKey)

	return r
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetCallerID(r.Context())
	if callerID == "" {
		api.Unauthorized(w, "caller not authenticated")
		return
	}

	var req payments.CreateSessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	resp, err := h.service.CreateSession(r.Context(), callerID, &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, resp)
}

// GetOrder handles GET /orders/{orderCode}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderCode := chi.URLParam(r, "orderCode")

	order, err := h.service.GetOrder(r.Context(), orderCode)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "order not found")
			return
		}
		api.InternalError(w, "failed to load order")
		return
	}

	api.WriteJSON(w, http.StatusOK, order)
}

// VerifyTransaction handles GET /transactions/{transactionID}
func (h *Handler) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	details, err := h.service.VerifyTransaction(r.Context(), transactionID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, details)
}

// HandleWebhook handles POST /webhook. Signature verification runs over the
// exact bytes received, before any JSON parsing.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	settings, err := h.settings.GetSettings(r.Context())
	if err != nil {
		api.InternalError(w, "failed to load settings")
		return
	}

	verifier := webhook.NewVerifier(settings.WebhookKey, h.allowUnsigned)
	if err := verifier.Validate(rawBody, r.Header.Get(headerSignature256), r.Header.Get(headerSignature)); err != nil {
		if errors.Is(err, webhook.ErrNoSecret) {
			api.InternalError(w, "webhook secret not configured")
			return
		}
		api.Unauthorized(w, "invalid webhook signature")
		return
	}

	if err := h.processor.Process(r.Context(), rawBody, r.Header.Get(headerDeliveryID)); err != nil {
		// A failure response makes the sender redeliver; processing stays
		// idempotent so that is safe.
		api.InternalError(w, "webhook processing failed")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// webhookKeyResponse is the shape the gateway expects when confirming
// endpoint ownership.
type webhookKeyResponse struct {
	Key string `json:"Key"`
}

// WebhookKey handles GET /webhook. The first call generates and persists the
// verification key; later calls return it unchanged.
func (h *Handler) WebhookKey(w http.ResponseWriter, r *http.Request) {
	key, err := payments.EnsureWebhookKey(r.Context(), h.settings)
	if err != nil {
		api.InternalError(w, "failed to provision webhook key")
		return
	}

	api.WriteJSON(w, http.StatusOK, webhookKeyResponse{Key: key})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *payments.ValidationError
		configErr     *payments.ConfigurationError
		authErr       *viva.AuthError
		gatewayErr    *viva.GatewayError
	)

	switch {
	case errors.Is(err, payments.ErrUnauthenticated):
		api.Unauthorized(w, err.Error())
	case errors.As(err, &validationErr):
		api.BadRequest(w, err.Error())
	case errors.As(err, &configErr):
		api.InternalError(w, err.Error())
	case errors.As(err, &authErr):
		api.InternalError(w, "gateway authentication failed")
	case errors.As(err, &gatewayErr):
		api.InternalError(w, err.Error())
	default:
		api.InternalError(w, "internal error")
	}
}
