package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"method", "endpoint"})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_webhook_events_total",
		Help: "Webhook deliveries, labeled by outcome",
	}, []string{"outcome"})
)

type Handler struct {
	orch         *service.Orchestrator
	store        service.Store
	providerName string
	logger       *slog.Logger
}

func NewHandler(orch *service.Orchestrator, store service.Store, providerName string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, store: store, providerName: providerName, logger: logger}
}

// Routes mounts the payment API and webhook ingress on the router.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/webhooks/{provider}", h.HandleWebhook).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments", h.ProcessOrder).Methods("POST")
	apiV1.HandleFunc("/payments/{id}", h.GetTransaction).Methods("GET")
	apiV1.HandleFunc("/payments/{id}/authorize", h.AuthorizePayment).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/capture", h.CapturePayment).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/confirm-delivery", h.ConfirmDelivery).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/disputes", h.OpenDispute).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/disputes/resolve", h.ResolveDispute).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/refunds", h.RequestRefund).Methods("POST")
	apiV1.HandleFunc("/wallets/{supplier_id}", h.GetWallet).Methods("GET")
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type processOrderRequest struct {
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	CustomerID string `json:"customer_id"`
	SupplierID string `json:"supplier_id"`
}

func (h *Handler) ProcessOrder(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/payments"))
	defer timer.ObserveDuration()

	var req processOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/payments")
		return
	}
	if req.OrderID == "" || req.Amount <= 0 || req.Currency == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "order_id, positive amount and currency required", "POST", "/payments")
		return
	}

	tx, err := h.orch.ProcessOrder(r.Context(), req.OrderID, req.Amount, req.Currency, req.CustomerID, req.SupplierID)
	if err != nil {
		h.respondPaymentError(w, r, err, "POST", "/payments")
		return
	}
	h.respondJSON(w, http.StatusCreated, tx, "POST", "/payments")
}

type authorizeRequest struct {
	CardNumber string `json:"card_number"`
	CardExpiry string `json:"card_expiry"`
	CardHolder string `json:"card_holder"`
}

func (h *Handler) AuthorizePayment(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}/authorize"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	res, err := h.orch.AuthorizePayment(r.Context(), mux.Vars(r)["id"], req.CardNumber, req.CardExpiry, req.CardHolder)
	if err != nil {
		h.respondPaymentError(w, r, err, "POST", endpoint)
		return
	}
	if res.RequiresAction {
		h.respondJSON(w, http.StatusAccepted, map[string]string{
			"status":       "requires_action",
			"redirect_url": res.RedirectURL,
		}, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, res.Transaction, "POST", endpoint)
}

type captureRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}/capture"
	var req captureRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
			return
		}
	}

	tx, err := h.orch.CapturePayment(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		h.respondPaymentError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "POST", endpoint)
}

type confirmDeliveryRequest struct {
	OrderID    string `json:"order_id"`
	SupplierID string `json:"supplier_id"`
}

func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}/confirm-delivery"
	var req confirmDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	if err := h.orch.ConfirmDelivery(r.Context(), req.OrderID, mux.Vars(r)["id"], req.SupplierID); err != nil {
		h.respondPaymentError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "released"}, "POST", endpoint)
}

type disputeRequest struct {
	OrderID  string   `json:"order_id"`
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence"`
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}/disputes"
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	if req.Reason == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "reason required", "POST", endpoint)
		return
	}

	d, err := h.orch.HandleDispute(r.Context(), req.OrderID, mux.Vars(r)["id"], req.Reason, req.Evidence)
	if err != nil {
		h.respondPaymentError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, d, "POST", endpoint)
}

type resolveDisputeRequest struct {
	Outcome    string `json:"outcome"`
	Resolution string `json:"resolution"`
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}/disputes/resolve"
	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	err := h.orch.ResolveDispute(r.Context(), mux.Vars(r)["id"], service.DisputeOutcome(req.Outcome), req.Resolution)
	if err != nil {
		h.respondPaymentError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"}, "POST", endpoint)
}

type refundRequest struct {
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}/refunds"
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	rr, err := h.orch.RequestRefund(r.Context(), mux.Vars(r)["id"], req.Amount, req.Reason, req.RequestedBy)
	if err != nil {
		h.respondPaymentError(w, r, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusAccepted, rr, "POST", endpoint)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/{id}"
	tx, err := h.store.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondPaymentError(w, r, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "GET", endpoint)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/wallets/{supplier_id}"
	wallet, err := h.store.GetSupplierWallet(r.Context(), mux.Vars(r)["supplier_id"])
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			h.respondError(w, http.StatusNotFound, "Wallet not found", "GET", endpoint)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, wallet, "GET", endpoint)
}

// HandleWebhook verifies the PSP signature over the raw body before any
// parsing, then hands the event to the orchestrator. Signature mismatch is
// a 401; business-level rejections are acknowledged so the PSP stops
// retrying.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhooks/{provider}"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	if mux.Vars(r)["provider"] != h.providerName {
		webhookEventsTotal.WithLabelValues("unknown_provider").Inc()
		h.respondError(w, http.StatusNotFound, "Unknown provider", "POST", endpoint)
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		webhookEventsTotal.WithLabelValues("read_error").Inc()
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return
	}

	res, err := h.orch.HandleWebhook(r.Context(), rawBody, r.Header)
	if err != nil {
		if domain.CodeOf(err) == domain.ErrCodeWebhookVerification {
			webhookEventsTotal.WithLabelValues("bad_signature").Inc()
			h.respondError(w, http.StatusUnauthorized, "Signature verification failed", "POST", endpoint)
			return
		}
		webhookEventsTotal.WithLabelValues("error").Inc()
		h.logger.ErrorContext(r.Context(), "webhook handling failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "POST", endpoint)
		return
	}

	switch {
	case res.Duplicate:
		webhookEventsTotal.WithLabelValues("duplicate").Inc()
	case res.Rejected:
		webhookEventsTotal.WithLabelValues("rejected").Inc()
	default:
		webhookEventsTotal.WithLabelValues("applied").Inc()
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{
		"applied":   res.Applied,
		"duplicate": res.Duplicate,
	}, "POST", endpoint)
}

// respondPaymentError maps engine errors onto HTTP statuses. Client-facing
// messages stay generic; the neutral code is logged for support/audit.
func (h *Handler) respondPaymentError(w http.ResponseWriter, r *http.Request, err error, method, endpoint string) {
	var te *domain.TransitionError
	switch {
	case errors.Is(err, domain.ErrTransactionNotFound):
		h.respondError(w, http.StatusNotFound, "Transaction not found", method, endpoint)
	case errors.Is(err, domain.ErrDisputeNotFound):
		h.respondError(w, http.StatusNotFound, "Dispute not found", method, endpoint)
	case errors.Is(err, domain.ErrAmountExceedsBalance):
		h.respondError(w, http.StatusUnprocessableEntity, "Amount exceeds remaining balance", method, endpoint)
	case errors.As(err, &te):
		h.respondError(w, http.StatusConflict, "Operation not allowed in current state", method, endpoint)
	default:
		code := domain.CodeOf(err)
		h.logger.WarnContext(r.Context(), "payment operation failed",
			"endpoint", endpoint, "code", code, "error", err)
		switch code {
		case domain.ErrCodeInvalidAmount, domain.ErrCodeInvalidCard, domain.ErrCodeInvalidCVV, domain.ErrCodeExpiredCard:
			h.respondError(w, http.StatusUnprocessableEntity, "Payment details were rejected", method, endpoint)
		case domain.ErrCodeCardDeclined, domain.ErrCodeInsufficientFunds, domain.ErrCodeFraudSuspected:
			h.respondError(w, http.StatusPaymentRequired, "Payment could not be completed", method, endpoint)
		case domain.ErrCodeDuplicateTransaction:
			h.respondError(w, http.StatusConflict, "Duplicate payment attempt", method, endpoint)
		default:
			h.respondError(w, http.StatusBadGateway, "Payment could not be processed", method, endpoint)
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, map[string]string{"error": message})
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
