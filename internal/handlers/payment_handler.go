package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/cafepay/backend/internal/models"
	"github.com/cafepay/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type PaymentHandler struct {
	intents    *services.IntentService
	reconciler *services.ReconcileService
	publisher  *services.EventPublisher
	validator  *services.ValidationHelper
}

func NewPaymentHandler(intents *services.IntentService, reconciler *services.ReconcileService, publisher *services.EventPublisher) *PaymentHandler {
	return &PaymentHandler{
		intents:    intents,
		reconciler: reconciler,
		publisher:  publisher,
		validator:  services.NewValidationHelper(),
	}
}

// CreateIntent opens a QR checkout
// @Summary Create payment intent
// @Description Create a payment intent, render its QR payload and open the reconciliation session. Re-posting an existing reference resumes it, recovering any total received while the app was not running.
// @Tags payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,reference=string,items=[]models.OrderLine,voucherId=int64,note=string} true "Intent request"
// @Success 201 {object} object{intent=models.PaymentIntent,payload=string,qrImage=string,status=services.ReconciliationStatus}
// @Failure 400 {object} services.ErrorResponse
// @Router /payments/intents [post]
func (h *PaymentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	staffID, ok := r.Context().Value("staffID").(string)
	if !ok || staffID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount    int64              `json:"amount" validate:"required,gt=0"`
		Reference string             `json:"reference"`
		Items     []models.OrderLine `json:"items" validate:"required,min=1,dive"`
		VoucherID *int64             `json:"voucherId"`
		Note      string             `json:"note"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	intent, err := h.intents.CreateIntent(req.Amount, req.Reference, staffID, req.Items, req.VoucherID, req.Note)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	payload, err := h.intents.EncodePayload(intent)
	if err != nil {
		services.SendErrorResponse(w, "Failed to encode payment code", http.StatusInternalServerError, nil)
		return
	}

	qrImage, err := h.intents.RenderQR(payload)
	if err != nil {
		services.SendErrorResponse(w, "Failed to render QR code", http.StatusInternalServerError, nil)
		return
	}

	session, err := h.reconciler.Open(r.Context(), intent)
	if err != nil {
		services.SendErrorResponse(w, "Failed to open reconciliation", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"intent":  intent,
		"payload": payload,
		"qrImage": qrImage,
		"status":  session.Status(),
	})
}

// GetStatus returns the reconciliation projection
// @Summary Get payment status
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Payment reference"
// @Success 200 {object} services.ReconciliationStatus
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{reference} [get]
func (h *PaymentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	session, err := h.reconciler.Get(reference)
	if err != nil {
		services.SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session.Status())
}

// Confirm finalizes a satisfied payment
// @Summary Confirm payment
// @Description Submit the underlying order for a satisfied intent. Safe to retry after a failure; the order is submitted at most once per reference.
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Payment reference"
// @Success 200 {object} object{receipt=models.Receipt}
// @Failure 409 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /payments/{reference}/confirm [post]
func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	receipt, err := h.reconciler.Confirm(r.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownReference):
			services.SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrNotSatisfied):
			services.SendErrorResponse(w, "Payment is not satisfied yet", http.StatusConflict, nil)
		case errors.Is(err, services.ErrFinalizing), errors.Is(err, services.ErrSubmissionInProgress):
			services.SendErrorResponse(w, "Finalization already in progress", http.StatusConflict, nil)
		default:
			log.Printf("[PAYMENT] Finalization failed for %s: %v", reference, err)
			services.SendErrorResponse(w, "Finalization failed, accumulated amount preserved", http.StatusBadGateway, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"receipt": receipt,
	})
}

// Cancel abandons a checkout
// @Summary Cancel payment
// @Description Clear the accumulated total for a reference and close the session.
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Payment reference"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{reference}/cancel [post]
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	if err := h.reconciler.Cancel(r.Context(), reference); err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownReference):
			services.SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrFinalizing):
			services.SendErrorResponse(w, "Cannot cancel during finalization", http.StatusConflict, nil)
		default:
			services.SendErrorResponse(w, "Failed to cancel payment", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// Retry reopens the push connection
// @Summary Retry connection
// @Description Reconnect the notification channel after a connection error. The accumulated total is unaffected.
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Payment reference"
// @Success 200 {object} services.ReconciliationStatus
// @Failure 409 {object} services.ErrorResponse
// @Router /payments/{reference}/retry [post]
func (h *PaymentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	session, err := h.reconciler.Get(reference)
	if err != nil {
		services.SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		return
	}

	if err := session.Retry(r.Context()); err != nil {
		if errors.Is(err, services.ErrNoChannelError) {
			services.SendErrorResponse(w, "Connection is not in an error state", http.StatusConflict, nil)
			return
		}
		services.SendErrorResponse(w, "Reconnect failed", http.StatusBadGateway, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session.Status())
}

// Notify bridges provider notifications onto the push channel
// @Summary Payment notification webhook
// @Description Accept a "money received" notification from the payment channel and publish it to the reconciliation session for its reference.
// @Tags payments
// @Accept json
// @Produce json
// @Param notification body models.PaymentEvent true "Payment notification"
// @Success 202 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /payments/notify [post]
func (h *PaymentHandler) Notify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	event, err := services.DecodePaymentEvent(body)
	if err != nil {
		log.Printf("[PAYMENT] Dropping malformed notification: %v", err)
		services.SendErrorResponse(w, "Malformed notification", http.StatusBadRequest, nil)
		return
	}
	if event.Reference == "" {
		services.SendErrorResponse(w, "Notification reference is required", http.StatusBadRequest, nil)
		return
	}

	if err := h.publisher.Publish(r.Context(), event); err != nil {
		services.SendErrorResponse(w, "Failed to publish notification", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
