package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrReconciliationConflict marks a terminal update that contradicts an
// already-recorded terminal outcome. The stored outcome is never overwritten;
// the conflict is logged and surfaced for manual resolution.
var ErrReconciliationConflict = errors.New("reconciliation conflict: attempt already terminal with a different outcome")

// Update sources.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceManual  = "manual"
)

// ReconciliationUpdate is a normalized settlement outcome for one attempt,
// regardless of whether it arrived by webhook, status poll or operator entry.
type ReconciliationUpdate struct {
	PGOrderID string
	Status    string // normalized: PENDING, PROCESSING, SUCCESS, FAILED
	UTR       string
	VendorRef string
	APIError  string
	Source    string
	ActorID   *uuid.UUID
	Raw       []byte
}

// ReconciliationService folds asynchronous gateway outcomes into the
// settlement state machine. Webhooks and the status poll converge on Apply,
// so replays and races resolve identically for both paths.
type ReconciliationService struct {
	store       Store
	gateways    GatewayProvider
	events      *EventRecorder
	maxAttempts int32
}

func NewReconciliationService(store Store, gateways GatewayProvider, maxAttempts int32) *ReconciliationService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ReconciliationService{
		store:       store,
		gateways:    gateways,
		events:      NewEventRecorder(),
		maxAttempts: maxAttempts,
	}
}

// Apply folds one update into the attempt and its withdrawal. Replays of an
// identical terminal outcome are silent no-ops; contradicting terminal
// outcomes return ErrReconciliationConflict.
func (s *ReconciliationService) Apply(ctx context.Context, upd ReconciliationUpdate) (*models.PgTransactionAttempt, error) {
	status, err := normalizeStatus(upd.Status)
	if err != nil {
		return nil, err
	}
	if upd.Source == "" {
		upd.Source = SourceManual
	}

	var (
		out      *models.PgTransactionAttempt
		conflict bool
	)
	err = s.store.WithTx(ctx, func(tx Store) error {
		// Resolve the parent first so the withdrawal row lock is always taken
		// before the attempt row lock, matching the dispatch path.
		ref, err := tx.GetAttempt(ctx, upd.PGOrderID)
		if err != nil {
			return err
		}
		w, err := tx.GetWithdrawalForUpdate(ctx, ref.TransactionID)
		if err != nil {
			return err
		}
		att, err := tx.GetAttemptForUpdate(ctx, upd.PGOrderID)
		if err != nil {
			return err
		}
		out = att

		if domain.IsTerminalPaymentStatus(att.PaymentStatus) {
			if status == att.PaymentStatus {
				observability.IncrementReconciliation(upd.Source, "replay")
				return nil
			}
			if domain.IsTerminalPaymentStatus(status) {
				// The conflict event must commit, so the sentinel is returned
				// only after the transaction closes.
				conflict = true
				return s.recordConflict(ctx, tx, w, att, upd, status)
			}
			// Late non-terminal update after a terminal outcome is stale noise.
			observability.IncrementReconciliation(upd.Source, "stale")
			return nil
		}

		switch status {
		case domain.PaymentStatusPending, domain.PaymentStatusProcessing:
			return s.applyProgress(ctx, tx, w, att, upd, status)
		case domain.PaymentStatusSuccess:
			return s.applySuccess(ctx, tx, w, att, upd)
		case domain.PaymentStatusFailed:
			return s.applyFailure(ctx, tx, w, att, upd)
		default:
			return fmt.Errorf("unhandled payment status %q", status)
		}
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		return out, ErrReconciliationConflict
	}
	return out, nil
}

func (s *ReconciliationService) recordConflict(ctx context.Context, tx Store, w *models.WithdrawTransaction, att *models.PgTransactionAttempt, upd ReconciliationUpdate, status string) error {
	observability.IncrementReconciliation(upd.Source, "conflict")
	zap.L().Error("reconciliation conflict, stored outcome kept",
		zap.String("transaction_id", w.TransactionID.String()),
		zap.String("pg_order_id", att.PGOrderID),
		zap.String("gateway", att.GatewayService),
		zap.String("stored_status", att.PaymentStatus),
		zap.String("incoming_status", status),
		zap.String("source", upd.Source))
	if err := s.events.Record(ctx, tx, w.TransactionID, &att.PGOrderID, upd.ActorID, "reconciliation_conflict",
		att.PaymentStatus, att.PaymentStatus,
		reasonMetadata(fmt.Sprintf("incoming %s via %s contradicts stored %s", status, upd.Source, att.PaymentStatus))); err != nil {
		return err
	}
	return nil
}

// applyProgress records an intermediate vendor state. The attempt status only
// moves forward: a PENDING echo never demotes a PROCESSING attempt.
func (s *ReconciliationService) applyProgress(ctx context.Context, tx Store, w *models.WithdrawTransaction, att *models.PgTransactionAttempt, upd ReconciliationUpdate, status string) error {
	changed := false
	if att.PaymentStatus == domain.PaymentStatusPending && status == domain.PaymentStatusProcessing {
		att.PaymentStatus = domain.PaymentStatusProcessing
		changed = true
	}
	if upd.VendorRef != "" && att.PaymentOrderID == nil {
		att.PaymentOrderID = &upd.VendorRef
		changed = true
	}
	if changed {
		if err := tx.UpdateAttempt(ctx, att); err != nil {
			return err
		}
	}
	if w.PayoutStatus == domain.PayoutStatusDispatched {
		if err := advancePayout(ctx, tx, w, domain.PayoutStatusSettling); err != nil {
			return err
		}
	}
	observability.IncrementReconciliation(upd.Source, "progress")
	return nil
}

func (s *ReconciliationService) applySuccess(ctx context.Context, tx Store, w *models.WithdrawTransaction, att *models.PgTransactionAttempt, upd ReconciliationUpdate) error {
	att.PaymentStatus = domain.PaymentStatusSuccess
	att.UnderProcessing = false
	if upd.UTR != "" {
		att.UTR = &upd.UTR
	}
	if upd.VendorRef != "" && att.PaymentOrderID == nil {
		att.PaymentOrderID = &upd.VendorRef
	}
	if err := tx.UpdateAttempt(ctx, att); err != nil {
		return err
	}

	prev := w.Status()
	if err := advancePayout(ctx, tx, w, domain.PayoutStatusSuccess); err != nil {
		return err
	}
	observability.IncrementReconciliation(upd.Source, "success")
	observability.IncrementSettlementTransition("settled")
	return s.events.Record(ctx, tx, w.TransactionID, &att.PGOrderID, upd.ActorID, "payout_success",
		prev, w.Status(), upd.Raw)
}

func (s *ReconciliationService) applyFailure(ctx context.Context, tx Store, w *models.WithdrawTransaction, att *models.PgTransactionAttempt, upd ReconciliationUpdate) error {
	// An attempt that was network-failed at submit is still PENDING and was
	// already counted toward the cap; only a confirmed in-flight attempt
	// (PROCESSING) earns a fresh increment here.
	wasProcessing := att.PaymentStatus == domain.PaymentStatusProcessing

	att.PaymentStatus = domain.PaymentStatusFailed
	att.UnderProcessing = false
	if upd.APIError != "" {
		att.APIError = &upd.APIError
	}
	if err := tx.UpdateAttempt(ctx, att); err != nil {
		return err
	}

	if wasProcessing {
		count, err := tx.IncrementFailCount(ctx, w.TransactionID)
		if err != nil {
			return err
		}
		w.PaymentFailCount = count
	}

	action := "payout_failed"
	next := domain.PayoutStatusFailedRetryable
	if w.PaymentFailCount >= s.maxAttempts {
		next = domain.PayoutStatusFailedTerminal
		action = "payout_failed_exhausted"
	}
	prev := w.Status()
	if err := advancePayout(ctx, tx, w, next); err != nil {
		return err
	}
	observability.IncrementReconciliation(upd.Source, "failure")
	observability.IncrementSettlementTransition(action)
	return s.events.Record(ctx, tx, w.TransactionID, &att.PGOrderID, upd.ActorID, action,
		prev, w.Status(), upd.Raw)
}

// HandleWebhook authenticates and folds one inbound gateway callback.
func (s *ReconciliationService) HandleWebhook(ctx context.Context, serviceName string, payload []byte, signature string) (*models.PgTransactionAttempt, error) {
	adapter, _, err := s.gateways.AdapterByService(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	ev, err := adapter.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrBadSignature) {
			observability.IncrementWebhook(adapter.Name(), "bad_signature")
		} else {
			observability.IncrementWebhook(adapter.Name(), "malformed")
		}
		return nil, err
	}

	att, err := s.Apply(ctx, ReconciliationUpdate{
		PGOrderID: ev.PGOrderID,
		Status:    ev.Status,
		UTR:       ev.UTR,
		VendorRef: ev.VendorRef,
		Source:    SourceWebhook,
		Raw:       ev.Raw,
	})
	if err != nil {
		if errors.Is(err, ErrReconciliationConflict) {
			observability.IncrementWebhook(adapter.Name(), "conflict")
		} else {
			observability.IncrementWebhook(adapter.Name(), "error")
		}
		return nil, err
	}
	observability.IncrementWebhook(adapter.Name(), "applied")
	return att, nil
}

// PollAttempt queries the vendor for one open attempt and folds the answer.
// Polls resolve status only; UTRs arrive via webhook or operator correction.
func (s *ReconciliationService) PollAttempt(ctx context.Context, att models.PgTransactionAttempt) error {
	adapter, _, err := s.gateways.AdapterByService(ctx, att.GatewayService)
	if err != nil {
		return err
	}
	var vendorRef string
	if att.PaymentOrderID != nil {
		vendorRef = *att.PaymentOrderID
	}
	status, err := adapter.CheckStatus(ctx, att.PGOrderID, vendorRef)
	if err != nil {
		return fmt.Errorf("poll %s attempt %s: %w", att.GatewayService, att.PGOrderID, err)
	}
	_, err = s.Apply(ctx, ReconciliationUpdate{
		PGOrderID: att.PGOrderID,
		Status:    status,
		Source:    SourcePoll,
	})
	return err
}

// BatchResult pairs one batch entry with its outcome.
type BatchResult struct {
	PGOrderID string `json:"pg_order_id"`
	Error     string `json:"error,omitempty"`
}

// ApplyBatch folds a list of updates independently; one bad entry does not
// abort the rest.
func (s *ReconciliationService) ApplyBatch(ctx context.Context, updates []ReconciliationUpdate) []BatchResult {
	results := make([]BatchResult, 0, len(updates))
	for _, upd := range updates {
		res := BatchResult{PGOrderID: upd.PGOrderID}
		if _, err := s.Apply(ctx, upd); err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func normalizeStatus(status string) (string, error) {
	switch status {
	case domain.PaymentStatusPending, domain.PaymentStatusProcessing,
		domain.PaymentStatusSuccess, domain.PaymentStatusFailed:
		return status, nil
	default:
		return "", &ValidationError{Field: "payment_status", Reason: "unknown status " + status}
	}
}
