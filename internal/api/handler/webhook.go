package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// WebhookHandler handles asynchronous settlement callbacks from payout
// gateways.
type WebhookHandler struct {
	recon *service.ReconciliationService
}

// NewWebhookHandler creates a new WebhookHandler instance.
func NewWebhookHandler(recon *service.ReconciliationService) *WebhookHandler {
	return &WebhookHandler{recon: recon}
}

// Vendor callbacks get the same size cap as vendor API responses.
const maxWebhookBody = 1 << 20

// HandleGatewayWebhook handles POST /v1/webhooks/{gateway}
// The adapter named by the path verifies the vendor signature before any
// state is touched.
func (h *WebhookHandler) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			RespondError(w, r, http.StatusRequestEntityTooLarge, "request/body-too-large", "Webhook payload exceeds the size limit")
			return
		}
		zap.L().Error("read webhook body failed", zap.Error(err), zap.String("gateway", gatewayName))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")

	attempt, err := h.recon.HandleWebhook(r.Context(), gatewayName, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrBadSignature):
			RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
		case errors.Is(err, gateway.ErrUnknownGateway):
			RespondError(w, r, http.StatusNotFound, "webhook/unknown-gateway", "Unknown gateway")
		case errors.Is(err, models.ErrAttemptNotFound):
			RespondError(w, r, http.StatusNotFound, "attempt/not-found", "Gateway attempt not found")
		case errors.Is(err, service.ErrReconciliationConflict):
			// Acknowledged but not applied; the stored terminal outcome wins
			// and the conflict is on the audit trail for manual resolution.
			RespondError(w, r, http.StatusConflict, "reconciliation/conflict", "Attempt already settled with a different terminal outcome")
		default:
			zap.L().Error("process gateway webhook failed", zap.Error(err), zap.String("gateway", gatewayName))
			RespondError(w, r, http.StatusBadRequest, "webhook/processing-failed", err.Error())
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"pg_order_id":    attempt.PGOrderID,
		"payment_status": attempt.PaymentStatus,
	})
}
