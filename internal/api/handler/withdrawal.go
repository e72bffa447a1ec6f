package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WithdrawalHandler handles HTTP requests for withdrawal settlements.
type WithdrawalHandler struct {
	orch *service.SettlementOrchestrator
}

// NewWithdrawalHandler creates a new WithdrawalHandler instance.
func NewWithdrawalHandler(orch *service.SettlementOrchestrator) *WithdrawalHandler {
	return &WithdrawalHandler{orch: orch}
}

// withdrawalResponse decorates the stored row with its derived status.
type withdrawalResponse struct {
	*models.WithdrawTransaction
	Status string `json:"status"`
}

func toWithdrawalResponse(w *models.WithdrawTransaction) withdrawalResponse {
	return withdrawalResponse{WithdrawTransaction: w, Status: w.Status()}
}

func toWithdrawalResponses(ws []models.WithdrawTransaction) []withdrawalResponse {
	out := make([]withdrawalResponse, 0, len(ws))
	for i := range ws {
		out = append(out, toWithdrawalResponse(&ws[i]))
	}
	return out
}

// CreateWithdrawalRequest represents the request body for creating a
// withdrawal.
type CreateWithdrawalRequest struct {
	CustomerID  string             `json:"customer_id,omitempty"`
	MT5ID       string             `json:"mt5_id"`
	AmountPaise int64              `json:"amount_paise"`
	Method      string             `json:"transfer_method"`
	Beneficiary models.Beneficiary `json:"beneficiary"`
}

// Create handles POST /v1/withdrawals
// It debits the trading ledger, dispatches the payout and returns 202
// Accepted with the current settlement state.
func (h *WithdrawalHandler) Create(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		RespondError(w, r, http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	}

	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	// Customers withdraw for themselves; only back-office tokens may submit
	// on behalf of another customer.
	customerID := actorID
	if req.CustomerID != "" {
		parsed, err := uuid.Parse(req.CustomerID)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-customer-id", "Invalid customer_id")
			return
		}
		if parsed != actorID && !isAdmin {
			RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "cannot withdraw for another customer")
			return
		}
		customerID = parsed
	}

	// Pre-generate the transaction id so a routing failure after the ledger
	// debit can still return the persisted withdrawal.
	transactionID := uuid.New()
	created, err := h.orch.Submit(r.Context(), service.CreateWithdrawalRequest{
		TransactionID: transactionID,
		CustomerID:    customerID,
		MT5ID:         req.MT5ID,
		AmountPaise:   req.AmountPaise,
		Method:        req.Method,
		Beneficiary:   req.Beneficiary,
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-"+verr.Field, verr.Error())
			return
		}
		if errors.Is(err, gateway.ErrNoEligibleGateway) {
			// The debit committed; the dispatch recovery loop will route the
			// payout once the gateway table allows it.
			stuck, gerr := h.orch.GetWithdrawal(r.Context(), transactionID)
			if gerr == nil {
				RespondJSON(w, http.StatusAccepted, toWithdrawalResponse(stuck))
				return
			}
		}
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		zap.L().Error("create withdrawal failed", zap.Error(err), zap.String("transaction_id", transactionID.String()))
		RespondError(w, r, http.StatusBadGateway, "withdrawal/submit-failed", "Failed to submit withdrawal")
		return
	}

	RespondJSON(w, http.StatusAccepted, toWithdrawalResponse(created))
}

// Get handles GET /v1/withdrawals/{id}
// It returns the withdrawal with its derived settlement status.
func (h *WithdrawalHandler) Get(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	withdrawal, err := h.orch.GetWithdrawal(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrWithdrawalNotFound) {
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
			return
		}
		zap.L().Error("get withdrawal failed", zap.Error(err), zap.String("transaction_id", id.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/read-failed", "Failed to get withdrawal")
		return
	}
	if !isAdmin && withdrawal.CustomerID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return
	}

	RespondJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

// List handles GET /v1/withdrawals?status=... (admin only).
func (h *WithdrawalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-status", "status query parameter is required")
		return
	}

	limit, offset, ok := parsePagination(w, r)
	if !ok {
		return
	}

	withdrawals, err := h.orch.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-status", verr.Error())
			return
		}
		zap.L().Error("list withdrawals failed", zap.Error(err), zap.String("status", status))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/list-failed", "Failed to list withdrawals")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"items":  toWithdrawalResponses(withdrawals),
		"status": status,
		"limit":  limit,
		"offset": offset,
		"count":  len(withdrawals),
	})
}

// Attempts handles GET /v1/withdrawals/{id}/attempts (admin only).
// It lists the gateway dispatch history, newest first.
func (h *WithdrawalHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	attempts, err := h.orch.PaymentHistory(r.Context(), id)
	if err != nil {
		zap.L().Error("list attempts failed", zap.Error(err), zap.String("transaction_id", id.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/attempts-read-failed", "Failed to list attempts")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"items": attempts,
		"count": len(attempts),
	})
}

// Events handles GET /v1/withdrawals/{id}/events (admin only).
// It returns the audit trail of the settlement saga in order.
func (h *WithdrawalHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	events, err := h.orch.History(r.Context(), id)
	if err != nil {
		zap.L().Error("list settlement events failed", zap.Error(err), zap.String("transaction_id", id.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/events-read-failed", "Failed to list settlement events")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

// Retry handles POST /v1/withdrawals/{id}/retry (admin only).
// It dispatches a fresh attempt for a retryable failed payout.
func (h *WithdrawalHandler) Retry(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	withdrawal, err := h.orch.Retry(r.Context(), id, &actorID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrWithdrawalNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		case errors.Is(err, service.ErrNotRetryable):
			RespondError(w, r, http.StatusConflict, "withdrawal/not-retryable", "Withdrawal is not in a retryable state")
		case errors.Is(err, service.ErrAttemptInFlight):
			RespondError(w, r, http.StatusConflict, "withdrawal/attempt-in-flight", "A gateway attempt is still under processing")
		case errors.Is(err, service.ErrAttemptsExhausted):
			RespondError(w, r, http.StatusConflict, "withdrawal/attempts-exhausted", "Attempt cap reached; refund instead")
		case errors.Is(err, gateway.ErrNoEligibleGateway):
			RespondError(w, r, http.StatusServiceUnavailable, "gateway/no-eligible-gateway", "No active gateway accepts this amount and method")
		default:
			zap.L().Error("retry withdrawal failed", zap.Error(err), zap.String("transaction_id", id.String()))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/retry-failed", "Failed to retry withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /v1/withdrawals/{id}/refund (admin only).
// It credits the debited amount back to the MT5 account.
func (h *WithdrawalHandler) Refund(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-reason", "reason is required")
		return
	}

	withdrawal, err := h.orch.Refund(r.Context(), id, &actorID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrWithdrawalNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		case errors.Is(err, service.ErrAlreadyRefunded):
			RespondError(w, r, http.StatusConflict, "withdrawal/already-refunded", "Withdrawal is already refunded")
		case errors.Is(err, service.ErrNotRefundable):
			RespondError(w, r, http.StatusConflict, "withdrawal/not-refundable", "Withdrawal is not in a refundable state")
		case errors.Is(err, service.ErrAttemptInFlight):
			RespondError(w, r, http.StatusConflict, "withdrawal/attempt-in-flight", "A gateway attempt is still under processing")
		default:
			zap.L().Error("refund withdrawal failed", zap.Error(err), zap.String("transaction_id", id.String()))
			RespondError(w, r, http.StatusBadGateway, "withdrawal/refund-failed", "Failed to refund withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	UTR        string `json:"utr_id,omitempty"`
	Reason     string `json:"reason"`
}

// Resolve handles POST /v1/withdrawals/{id}/resolve (admin only).
// It settles an ambiguous withdrawal after operator investigation.
func (h *WithdrawalHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	req.Resolution = strings.TrimSpace(strings.ToLower(req.Resolution))
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Resolution != service.ResolutionConfirmSuccess && req.Resolution != service.ResolutionConfirmFailure {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-resolution", "resolution must be confirm_success or confirm_failure")
		return
	}
	if req.Reason == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-reason", "reason is required")
		return
	}

	withdrawal, err := h.orch.Resolve(r.Context(), service.ResolveRequest{
		TransactionID: id,
		Resolution:    req.Resolution,
		UTR:           req.UTR,
		Reason:        req.Reason,
		ActorID:       &actorID,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrWithdrawalNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		case errors.Is(err, service.ErrInvalidResolution):
			RespondError(w, r, http.StatusConflict, "withdrawal/not-resolvable", err.Error())
		default:
			zap.L().Error("resolve withdrawal failed", zap.Error(err), zap.String("transaction_id", id.String()))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/resolve-failed", "Failed to resolve withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, toWithdrawalResponse(withdrawal))
}

func parsePagination(w http.ResponseWriter, r *http.Request) (limit, offset int32, ok bool) {
	limit = 50
	offset = 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-limit", "limit must be a positive integer")
			return 0, 0, false
		}
		limit = int32(parsed)
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-offset", "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = int32(parsed)
	}
	return limit, offset, true
}
