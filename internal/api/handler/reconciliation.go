package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ReconciliationHandler handles operator-entered settlement outcomes and
// attempt corrections.
type ReconciliationHandler struct {
	recon *service.ReconciliationService
	orch  *service.SettlementOrchestrator
}

// NewReconciliationHandler creates a new ReconciliationHandler instance.
func NewReconciliationHandler(recon *service.ReconciliationService, orch *service.SettlementOrchestrator) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon, orch: orch}
}

// PayoutStatusUpdate represents one manually reported gateway outcome.
type PayoutStatusUpdate struct {
	PGOrderID string `json:"pg_order_id"`
	Status    string `json:"payment_status"`
	UTR       string `json:"utr_id,omitempty"`
	VendorRef string `json:"payment_order_id,omitempty"`
	APIError  string `json:"api_error,omitempty"`
}

// ApplyUpdate handles POST /v1/reconciliation/payout-status (admin only).
// It folds one gateway outcome into the settlement state machine.
func (h *ReconciliationHandler) ApplyUpdate(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req PayoutStatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.PGOrderID) == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-pg-order-id", "pg_order_id is required")
		return
	}

	attempt, err := h.recon.Apply(r.Context(), service.ReconciliationUpdate{
		PGOrderID: req.PGOrderID,
		Status:    req.Status,
		UTR:       req.UTR,
		VendorRef: req.VendorRef,
		APIError:  req.APIError,
		Source:    service.SourceManual,
		ActorID:   &actorID,
	})
	if err != nil {
		h.respondApplyError(w, r, req.PGOrderID, err)
		return
	}

	RespondJSON(w, http.StatusOK, attempt)
}

type batchUpdateRequest struct {
	Updates []PayoutStatusUpdate `json:"updates"`
}

// ApplyBatch handles POST /v1/reconciliation/payout-status/batch (admin only).
// Entries are folded independently; a bad entry reports its own error.
func (h *ReconciliationHandler) ApplyBatch(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req batchUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if len(req.Updates) == 0 {
		RespondError(w, r, http.StatusBadRequest, "request/missing-updates", "updates must not be empty")
		return
	}

	updates := make([]service.ReconciliationUpdate, 0, len(req.Updates))
	for _, u := range req.Updates {
		updates = append(updates, service.ReconciliationUpdate{
			PGOrderID: u.PGOrderID,
			Status:    u.Status,
			UTR:       u.UTR,
			VendorRef: u.VendorRef,
			APIError:  u.APIError,
			Source:    service.SourceManual,
			ActorID:   &actorID,
		})
	}

	results := h.recon.ApplyBatch(r.Context(), updates)
	RespondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

type correctAttemptRequest struct {
	Status string `json:"payment_status,omitempty"`
	UTR    string `json:"utr_id,omitempty"`
	Reason string `json:"reason"`
}

// CorrectAttempt handles POST /v1/attempts/{pgOrderID}/correct (admin only).
// It force-sets attempt fields verified out of band with the vendor.
func (h *ReconciliationHandler) CorrectAttempt(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	pgOrderID := chi.URLParam(r, "pgOrderID")
	if strings.TrimSpace(pgOrderID) == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-pg-order-id", "pg_order_id is required")
		return
	}

	var req correctAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-reason", "reason is required")
		return
	}

	attempt, err := h.orch.CorrectAttempt(r.Context(), service.CorrectAttemptRequest{
		PGOrderID: pgOrderID,
		Status:    req.Status,
		UTR:       req.UTR,
		Reason:    req.Reason,
		ActorID:   &actorID,
	})
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.Is(err, models.ErrAttemptNotFound):
			RespondError(w, r, http.StatusNotFound, "attempt/not-found", "Gateway attempt not found")
		case errors.As(err, &verr):
			RespondError(w, r, http.StatusBadRequest, "request/invalid-"+verr.Field, verr.Error())
		default:
			zap.L().Error("correct attempt failed", zap.Error(err), zap.String("pg_order_id", pgOrderID))
			RespondError(w, r, http.StatusInternalServerError, "attempt/correct-failed", "Failed to correct attempt")
		}
		return
	}

	RespondJSON(w, http.StatusOK, attempt)
}

func (h *ReconciliationHandler) respondApplyError(w http.ResponseWriter, r *http.Request, pgOrderID string, err error) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, models.ErrAttemptNotFound):
		RespondError(w, r, http.StatusNotFound, "attempt/not-found", "Gateway attempt not found")
	case errors.Is(err, service.ErrReconciliationConflict):
		RespondError(w, r, http.StatusConflict, "reconciliation/conflict", "Attempt already settled with a different terminal outcome")
	case errors.As(err, &verr):
		RespondError(w, r, http.StatusBadRequest, "request/invalid-"+verr.Field, verr.Error())
	default:
		zap.L().Error("apply reconciliation update failed", zap.Error(err), zap.String("pg_order_id", pgOrderID))
		RespondError(w, r, http.StatusInternalServerError, "reconciliation/apply-failed", "Failed to apply payout status")
	}
}
