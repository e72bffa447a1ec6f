package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/mt5"
	"github.com/arkfin/mt5-settlement/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotRetryable      = errors.New("withdrawal is not in a retryable state")
	ErrAttemptInFlight   = errors.New("withdrawal has an attempt under processing")
	ErrAttemptsExhausted = errors.New("withdrawal attempt cap reached")
	ErrNotRefundable     = errors.New("withdrawal is not refundable")
	ErrAlreadyRefunded   = errors.New("withdrawal already refunded")
	ErrInvalidResolution = errors.New("invalid manual resolution")
)

// ValidationError rejects malformed input before any external call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Ledger is the MT5 trading platform boundary. Debit failures halt the saga;
// they are never retried blindly because a timeout does not prove the deal
// was not booked.
type Ledger interface {
	Debit(ctx context.Context, mt5ID string, amount domain.Amount) (*mt5.Snapshot, error)
	Credit(ctx context.Context, mt5ID string, amount domain.Amount) (*mt5.Snapshot, error)
}

// GatewayProvider abstracts the gateway registry for the orchestrator.
type GatewayProvider interface {
	Select(ctx context.Context, amount domain.Amount, method domain.TransferMethod) (*models.PaymentGatewayConfig, error)
	AdapterFor(cfg models.PaymentGatewayConfig) (gateway.Adapter, error)
	AdapterByService(ctx context.Context, service string) (gateway.Adapter, *models.PaymentGatewayConfig, error)
}

// SettlementOrchestrator drives a withdrawal through
// debit -> dispatch -> reconciliation -> (retry | refund). All state is
// reconstructed from the store per operation; the per-row lock taken inside
// WithTx serializes concurrent transitions on one transaction_id.
type SettlementOrchestrator struct {
	store       Store
	ledger      Ledger
	gateways    GatewayProvider
	events      *EventRecorder
	maxAttempts int32
}

func NewSettlementOrchestrator(store Store, ledger Ledger, gateways GatewayProvider, maxAttempts int32) *SettlementOrchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &SettlementOrchestrator{
		store:       store,
		ledger:      ledger,
		gateways:    gateways,
		events:      NewEventRecorder(),
		maxAttempts: maxAttempts,
	}
}

// CreateWithdrawalRequest is a customer withdrawal order.
type CreateWithdrawalRequest struct {
	TransactionID uuid.UUID // client-supplied idempotency identity; zero means generate
	CustomerID    uuid.UUID
	MT5ID         string
	AmountPaise   int64
	Method        string
	Beneficiary   models.Beneficiary
}

func (r *CreateWithdrawalRequest) validate() (domain.TransferMethod, error) {
	if r.AmountPaise <= 0 {
		return "", &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(r.MT5ID) == "" {
		return "", &ValidationError{Field: "mt5_id", Reason: "is required"}
	}
	method, err := domain.ParseTransferMethod(r.Method)
	if err != nil {
		return "", &ValidationError{Field: "transfer_method", Reason: err.Error()}
	}
	if r.Beneficiary.UPI == "" {
		if r.Beneficiary.AccountNumber == "" || r.Beneficiary.IFSC == "" {
			return "", &ValidationError{Field: "beneficiary", Reason: "account_number and ifsc are required without upi"}
		}
		if r.Beneficiary.AccountName == "" {
			return "", &ValidationError{Field: "beneficiary", Reason: "account_name is required"}
		}
	}
	return method, nil
}

// Submit validates the request, records the withdrawal, debits the trading
// ledger and dispatches the payout. Validation and configuration errors come
// back synchronously; gateway failures are absorbed into the state machine
// and visible through the derived status.
func (s *SettlementOrchestrator) Submit(ctx context.Context, req CreateWithdrawalRequest) (*models.WithdrawTransaction, error) {
	method, err := req.validate()
	if err != nil {
		return nil, err
	}

	id := req.TransactionID
	if id == uuid.Nil {
		id = uuid.New()
	}

	w := &models.WithdrawTransaction{
		TransactionID: id,
		CustomerID:    req.CustomerID,
		MT5ID:         strings.TrimSpace(req.MT5ID),
		AmountPaise:   req.AmountPaise,
		Method:        method,
		Beneficiary:   req.Beneficiary,
		MT5Status:     domain.MT5StatusPending,
		PayoutStatus:  domain.PayoutStatusPending,
		PGTask:        true,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("create withdrawal: %w", err)
		}
		return s.events.Record(ctx, tx, w.TransactionID, nil, nil, "created", "", domain.StatusRequested, nil)
	})
	if err != nil {
		return nil, err
	}

	// NoEligibleGateway surfaces synchronously: the ledger debit stands and
	// the withdrawal remains dispatchable once routing is fixed.
	if err := s.debitAndDispatch(ctx, w.TransactionID); err != nil {
		return nil, err
	}
	return s.GetWithdrawal(ctx, w.TransactionID)
}

// debitAndDispatch performs the ledger leg and then the first gateway
// dispatch. The two run in separate transactions: the DEBITED record must
// commit even if dispatch fails, because the MT5 deal cannot be rolled back.
func (s *SettlementOrchestrator) debitAndDispatch(ctx context.Context, id uuid.UUID) error {
	err := s.store.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if w.MT5Status != domain.MT5StatusPending {
			return nil
		}
		return s.debitLocked(ctx, tx, w)
	})
	if err != nil {
		return err
	}
	return s.Dispatch(ctx, id)
}

// Dispatch runs one dispatch round under a fresh row lock for a withdrawal
// whose ledger leg is done but whose payout never left PENDING, e.g. after a
// no-eligible-gateway submit. A no-eligible-gateway outcome commits its event
// before the error is surfaced. Already-dispatched withdrawals are a no-op.
func (s *SettlementOrchestrator) Dispatch(ctx context.Context, id uuid.UUID) error {
	var dispatchErr error
	err := s.store.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if w.MT5Status != domain.MT5StatusDebited || w.PayoutStatus != domain.PayoutStatusPending {
			return nil
		}
		if err := s.dispatchLocked(ctx, tx, w, nil); err != nil {
			if errors.Is(err, gateway.ErrNoEligibleGateway) {
				dispatchErr = err
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return dispatchErr
}

// debitLocked books the MT5 withdrawal deal. It runs exactly once per
// transaction_id: the caller holds the row lock and only enters with
// mt5_status PENDING, so a replayed submit can never re-debit the ledger.
func (s *SettlementOrchestrator) debitLocked(ctx context.Context, tx Store, w *models.WithdrawTransaction) error {
	snap, err := s.ledger.Debit(ctx, w.MT5ID, w.Amount())
	if err != nil {
		var lerr *mt5.LedgerError
		if errors.As(err, &lerr) {
			// Definitive decline: nothing was moved, no payout, no refund.
			if uerr := tx.UpdateWithdrawalStatuses(ctx, w.TransactionID, domain.MT5StatusFailed, w.PayoutStatus); uerr != nil {
				return uerr
			}
			w.MT5Status = domain.MT5StatusFailed
			observability.IncrementSettlementTransition("mt5_debit_failed")
			return s.events.Record(ctx, tx, w.TransactionID, nil, nil, "mt5_debit_failed",
				domain.StatusRequested, domain.StatusFailedTerminal, reasonMetadata(lerr.Error()))
		}
		// Ambiguous transport failure: leave the withdrawal in requested and
		// surface the error; an operator resolves it rather than risking a
		// double debit.
		return fmt.Errorf("mt5 debit: %w", err)
	}

	if err := tx.SetMT5Snapshot(ctx, w.TransactionID, models.MT5Snapshot{
		DealID:     snap.DealID,
		Margin:     snap.Margin,
		FreeMargin: snap.FreeMargin,
		Equity:     snap.Equity,
	}); err != nil {
		return err
	}
	if err := tx.UpdateWithdrawalStatuses(ctx, w.TransactionID, domain.MT5StatusDebited, w.PayoutStatus); err != nil {
		return err
	}
	w.MT5Status = domain.MT5StatusDebited
	w.Ledger = &models.MT5Snapshot{DealID: snap.DealID, Margin: snap.Margin, FreeMargin: snap.FreeMargin, Equity: snap.Equity}

	meta, _ := json.Marshal(map[string]any{"dealid": snap.DealID, "freemargin": snap.FreeMargin})
	observability.IncrementSettlementTransition("mt5_debited")
	return s.events.Record(ctx, tx, w.TransactionID, nil, nil, "mt5_debited",
		domain.StatusRequested, domain.StatusMT5Debited, meta)
}

// dispatchLocked selects a gateway, creates a fresh attempt and submits it.
// The caller holds the withdrawal row lock.
func (s *SettlementOrchestrator) dispatchLocked(ctx context.Context, tx Store, w *models.WithdrawTransaction, actorID *uuid.UUID) error {
	cfg, err := s.gateways.Select(ctx, w.Amount(), w.Method)
	if err != nil {
		if errors.Is(err, gateway.ErrNoEligibleGateway) {
			if rerr := s.events.Record(ctx, tx, w.TransactionID, nil, actorID, "no_eligible_gateway",
				w.Status(), w.Status(), reasonMetadata(err.Error())); rerr != nil {
				return rerr
			}
		}
		return err
	}
	adapter, err := s.gateways.AdapterFor(*cfg)
	if err != nil {
		return err
	}

	attempt := &models.PgTransactionAttempt{
		PGOrderID:        uuid.NewString(),
		TransactionID:    w.TransactionID,
		GatewayID:        cfg.ID,
		GatewayService:   cfg.Service,
		PaymentStatus:    domain.PaymentStatusPending,
		UnderProcessing:  true,
		PaymentFailCount: w.PaymentFailCount,
	}
	if err := tx.CreateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("create gateway attempt: %w", err)
	}

	prev := w.Status()
	if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusDispatched); err != nil {
		return err
	}
	if err := s.events.Record(ctx, tx, w.TransactionID, &attempt.PGOrderID, actorID, "dispatched",
		prev, w.Status(), reasonMetadata(cfg.Service)); err != nil {
		return err
	}

	result, err := adapter.Submit(ctx, gateway.PayoutRequest{
		PGOrderID:   attempt.PGOrderID,
		Amount:      w.Amount(),
		Method:      w.Method,
		Beneficiary: w.Beneficiary,
		Remark:      "MT5 withdrawal " + w.TransactionID.String(),
	})
	if err != nil {
		return s.handleSubmitError(ctx, tx, w, attempt, actorID, err)
	}
	return s.handleSubmitResult(ctx, tx, w, attempt, actorID, result)
}

func (s *SettlementOrchestrator) handleSubmitError(ctx context.Context, tx Store, w *models.WithdrawTransaction, attempt *models.PgTransactionAttempt, actorID *uuid.UUID, err error) error {
	var rejection *gateway.RejectionError
	if errors.As(err, &rejection) {
		observability.IncrementGatewaySubmit(attempt.GatewayService, "rejected")
		apiErr := rejection.Error()
		attempt.PaymentStatus = domain.PaymentStatusFailed
		attempt.UnderProcessing = false
		attempt.APIError = &apiErr
		if uerr := tx.UpdateAttempt(ctx, attempt); uerr != nil {
			return uerr
		}
		return s.recordAttemptFailure(ctx, tx, w, attempt, actorID, "gateway_rejected", apiErr)
	}

	var netErr *gateway.NetworkError
	if errors.As(err, &netErr) {
		// The order may or may not have reached the vendor. Count the failure
		// toward the cap, keep the attempt open and let the status poll
		// prove the outcome before the attempt is finalized.
		observability.IncrementGatewaySubmit(attempt.GatewayService, "network_failure")
		apiErr := netErr.Error()
		attempt.APIError = &apiErr
		if uerr := tx.UpdateAttempt(ctx, attempt); uerr != nil {
			return uerr
		}
		count, uerr := tx.IncrementFailCount(ctx, w.TransactionID)
		if uerr != nil {
			return uerr
		}
		w.PaymentFailCount = count
		prev := w.Status()
		if uerr := s.transitionPayout(ctx, tx, w, domain.PayoutStatusSettling); uerr != nil {
			return uerr
		}
		zap.L().Warn("payout dispatch unconfirmed, awaiting status poll",
			zap.String("transaction_id", w.TransactionID.String()),
			zap.String("pg_order_id", attempt.PGOrderID),
			zap.String("gateway", attempt.GatewayService),
			zap.Error(netErr))
		return s.events.Record(ctx, tx, w.TransactionID, &attempt.PGOrderID, actorID, "dispatch_unconfirmed",
			prev, w.Status(), reasonMetadata(apiErr))
	}

	return fmt.Errorf("gateway submit: %w", err)
}

func (s *SettlementOrchestrator) handleSubmitResult(ctx context.Context, tx Store, w *models.WithdrawTransaction, attempt *models.PgTransactionAttempt, actorID *uuid.UUID, result *gateway.SubmitResult) error {
	observability.IncrementGatewaySubmit(attempt.GatewayService, "accepted")
	if result.VendorRef != "" {
		attempt.PaymentOrderID = &result.VendorRef
	}

	if result.Status == domain.PaymentStatusSuccess {
		attempt.PaymentStatus = domain.PaymentStatusSuccess
		attempt.UnderProcessing = false
		if result.UTR != "" {
			attempt.UTR = &result.UTR
		}
		if err := tx.UpdateAttempt(ctx, attempt); err != nil {
			return err
		}
		prev := w.Status()
		if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusSuccess); err != nil {
			return err
		}
		observability.IncrementSettlementTransition("settled")
		return s.events.Record(ctx, tx, w.TransactionID, &attempt.PGOrderID, actorID, "settled_on_submit",
			prev, w.Status(), nil)
	}

	attempt.PaymentStatus = domain.PaymentStatusProcessing
	if err := tx.UpdateAttempt(ctx, attempt); err != nil {
		return err
	}
	prev := w.Status()
	if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusSettling); err != nil {
		return err
	}
	return s.events.Record(ctx, tx, w.TransactionID, &attempt.PGOrderID, actorID, "settling",
		prev, w.Status(), nil)
}

// recordAttemptFailure bumps the fail counter and moves the payout axis to
// retryable, or terminal once the cap is reached.
func (s *SettlementOrchestrator) recordAttemptFailure(ctx context.Context, tx Store, w *models.WithdrawTransaction, attempt *models.PgTransactionAttempt, actorID *uuid.UUID, action, reason string) error {
	count, err := tx.IncrementFailCount(ctx, w.TransactionID)
	if err != nil {
		return err
	}
	w.PaymentFailCount = count

	next := domain.PayoutStatusFailedRetryable
	if count >= s.maxAttempts {
		next = domain.PayoutStatusFailedTerminal
		action = action + "_exhausted"
	}
	prev := w.Status()
	if err := s.transitionPayout(ctx, tx, w, next); err != nil {
		return err
	}
	observability.IncrementSettlementTransition(action)
	return s.events.Record(ctx, tx, w.TransactionID, &attempt.PGOrderID, actorID, action,
		prev, w.Status(), reasonMetadata(reason))
}

// Retry re-dispatches a failed_retryable withdrawal, possibly through a
// different gateway, always with a fresh pg_order_id.
func (s *SettlementOrchestrator) Retry(ctx context.Context, id uuid.UUID, actorID *uuid.UUID) (*models.WithdrawTransaction, error) {
	var (
		exhausted   bool
		dispatchErr error
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if w.Status() != domain.StatusFailedRetryable {
			return fmt.Errorf("%w: current status %s", ErrNotRetryable, w.Status())
		}
		if inflight, err := tx.GetProcessingAttempt(ctx, id); err != nil {
			return err
		} else if inflight != nil {
			return fmt.Errorf("%w: %s", ErrAttemptInFlight, inflight.PGOrderID)
		}
		if w.PaymentFailCount >= s.maxAttempts {
			prev := w.Status()
			if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusFailedTerminal); err != nil {
				return err
			}
			// The terminal transition must commit; the sentinel is surfaced
			// after the transaction closes.
			exhausted = true
			return s.events.Record(ctx, tx, w.TransactionID, nil, actorID, "attempts_exhausted",
				prev, w.Status(), nil)
		}
		if derr := s.dispatchLocked(ctx, tx, w, actorID); derr != nil {
			if errors.Is(derr, gateway.ErrNoEligibleGateway) {
				dispatchErr = derr
				return nil
			}
			return derr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		return nil, ErrAttemptsExhausted
	}
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	return s.GetWithdrawal(ctx, id)
}

// Refund issues the compensating MT5 credit for a terminally failed payout.
// The credited amount always equals the original withdrawal amount and the
// refund link is written exactly once.
func (s *SettlementOrchestrator) Refund(ctx context.Context, id uuid.UUID, actorID *uuid.UUID, reason string) (*models.WithdrawTransaction, error) {
	err := s.store.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if w.RefundTransactionID != nil {
			return ErrAlreadyRefunded
		}
		if w.MT5Status != domain.MT5StatusDebited {
			return fmt.Errorf("%w: mt5 leg is %s", ErrNotRefundable, w.MT5Status)
		}
		switch w.PayoutStatus {
		case domain.PayoutStatusFailedTerminal:
		case domain.PayoutStatusFailedRetryable:
			// Manual override: an operator may abandon retries early.
			prev := w.Status()
			if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusFailedTerminal); err != nil {
				return err
			}
			if err := s.events.Record(ctx, tx, w.TransactionID, nil, actorID, "retries_abandoned",
				prev, w.Status(), reasonMetadata(reason)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: payout leg is %s", ErrNotRefundable, w.PayoutStatus)
		}
		if inflight, err := tx.GetProcessingAttempt(ctx, id); err != nil {
			return err
		} else if inflight != nil {
			return fmt.Errorf("%w: attempt %s still under processing", ErrNotRefundable, inflight.PGOrderID)
		}

		snap, err := s.ledger.Credit(ctx, w.MT5ID, w.Amount())
		if err != nil {
			// No payout happened, so nothing is lost: the operator retries the
			// credit at their discretion.
			return fmt.Errorf("mt5 refund credit: %w", err)
		}

		refundID := uuid.New()
		if err := tx.SetRefundTransaction(ctx, w.TransactionID, refundID); err != nil {
			return err
		}
		prev := w.Status()
		if err := tx.UpdateWithdrawalStatuses(ctx, w.TransactionID, domain.MT5StatusRefunded, w.PayoutStatus); err != nil {
			return err
		}
		w.MT5Status = domain.MT5StatusRefunded

		meta, _ := json.Marshal(map[string]any{
			"refund_transaction_id": refundID.String(),
			"dealid":                snap.DealID,
			"amount_paise":          w.AmountPaise,
			"reason":                reason,
		})
		observability.IncrementSettlementTransition("refunded")
		return s.events.Record(ctx, tx, w.TransactionID, nil, actorID, "refunded", prev, w.Status(), meta)
	})
	if err != nil {
		return nil, err
	}
	return s.GetWithdrawal(ctx, id)
}

// Resolution decisions for stuck or conflicted withdrawals.
const (
	ResolutionConfirmSuccess = "confirm_success"
	ResolutionConfirmFailure = "confirm_failure"
)

type ResolveRequest struct {
	TransactionID uuid.UUID
	Resolution    string
	UTR           string
	Reason        string
	ActorID       *uuid.UUID
}

// Resolve manually settles an ambiguous withdrawal after operator
// investigation, e.g. following a reconciliation conflict or an unconfirmed
// ledger debit. A withdrawal still in requested resolves on the mt5 axis:
// confirm_success records that the debit landed (the recovery pass then
// dispatches it), confirm_failure that it never did. Otherwise the resolution
// settles the payout axis, correcting the newest attempt so the attempt trail
// agrees with the confirmed outcome.
func (s *SettlementOrchestrator) Resolve(ctx context.Context, req ResolveRequest) (*models.WithdrawTransaction, error) {
	resolution := strings.ToLower(strings.TrimSpace(req.Resolution))
	if resolution != ResolutionConfirmSuccess && resolution != ResolutionConfirmFailure {
		return nil, ErrInvalidResolution
	}

	err := s.store.WithTx(ctx, func(tx Store) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if domain.IsTerminalStatus(w.Status()) {
			return fmt.Errorf("%w: withdrawal is %s", ErrInvalidResolution, w.Status())
		}
		if w.MT5Status == domain.MT5StatusPending {
			return s.resolveDebitLocked(ctx, tx, w, resolution, req)
		}

		attempt, err := tx.GetProcessingAttempt(ctx, req.TransactionID)
		if err != nil {
			return err
		}

		prev := w.Status()
		if resolution == ResolutionConfirmSuccess {
			if attempt == nil {
				// A conflicted or exhausted withdrawal has no open attempt;
				// the confirmed outcome lands on the newest one.
				attempt, err = latestAttempt(ctx, tx, req.TransactionID)
				if err != nil {
					return err
				}
			}
			if attempt != nil {
				attempt.PaymentStatus = domain.PaymentStatusSuccess
				attempt.UnderProcessing = false
				if req.UTR != "" {
					attempt.UTR = &req.UTR
				}
				if err := tx.UpdateAttempt(ctx, attempt); err != nil {
					return err
				}
			}
			if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusSuccess); err != nil {
				return err
			}
			observability.IncrementSettlementTransition("manual_success")
			return s.events.Record(ctx, tx, w.TransactionID, attemptRef(attempt), req.ActorID,
				"manual_confirm_success", prev, w.Status(), reasonMetadata(req.Reason))
		}

		if attempt != nil {
			apiErr := "manually confirmed failed: " + req.Reason
			attempt.PaymentStatus = domain.PaymentStatusFailed
			attempt.UnderProcessing = false
			attempt.APIError = &apiErr
			if err := tx.UpdateAttempt(ctx, attempt); err != nil {
				return err
			}
		}
		if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusFailedTerminal); err != nil {
			return err
		}
		observability.IncrementSettlementTransition("manual_failure")
		return s.events.Record(ctx, tx, w.TransactionID, attemptRef(attempt), req.ActorID,
			"manual_confirm_failure", prev, w.Status(), reasonMetadata(req.Reason))
	})
	if err != nil {
		return nil, err
	}
	return s.GetWithdrawal(ctx, req.TransactionID)
}

// resolveDebitLocked settles the mt5 axis of a withdrawal whose debit outcome
// stayed ambiguous after a ledger transport failure. The ledger is never
// called here: the operator has already checked it, and confirming the debit
// must not book a second deal.
func (s *SettlementOrchestrator) resolveDebitLocked(ctx context.Context, tx Store, w *models.WithdrawTransaction, resolution string, req ResolveRequest) error {
	next := domain.MT5StatusDebited
	action := "manual_debit_confirmed"
	if resolution == ResolutionConfirmFailure {
		next = domain.MT5StatusFailed
		action = "manual_debit_refuted"
	}
	prev := w.Status()
	if err := tx.UpdateWithdrawalStatuses(ctx, w.TransactionID, next, w.PayoutStatus); err != nil {
		return err
	}
	w.MT5Status = next
	observability.IncrementSettlementTransition(action)
	return s.events.Record(ctx, tx, w.TransactionID, nil, req.ActorID, action,
		prev, w.Status(), reasonMetadata(req.Reason))
}

func (s *SettlementOrchestrator) transitionPayout(ctx context.Context, tx Store, w *models.WithdrawTransaction, next string) error {
	return advancePayout(ctx, tx, w, next)
}

// CorrectAttemptRequest is an operator-entered correction of one gateway
// attempt, typically to backfill a UTR confirmed out of band.
type CorrectAttemptRequest struct {
	PGOrderID string
	Status    string // optional; empty keeps the stored status
	UTR       string
	Reason    string
	ActorID   *uuid.UUID
}

// CorrectAttempt force-sets attempt fields after out-of-band verification
// with the vendor. Unlike reconciliation it may overwrite a terminal attempt
// status, and it never touches the fail counter: it corrects the record of an
// outcome rather than observing a new one.
func (s *SettlementOrchestrator) CorrectAttempt(ctx context.Context, req CorrectAttemptRequest) (*models.PgTransactionAttempt, error) {
	var status string
	if req.Status != "" {
		switch req.Status {
		case domain.PaymentStatusPending, domain.PaymentStatusProcessing,
			domain.PaymentStatusSuccess, domain.PaymentStatusFailed:
			status = req.Status
		default:
			return nil, &ValidationError{Field: "payment_status", Reason: "unknown status " + req.Status}
		}
	}

	var out *models.PgTransactionAttempt
	err := s.store.WithTx(ctx, func(tx Store) error {
		ref, err := tx.GetAttempt(ctx, req.PGOrderID)
		if err != nil {
			return err
		}
		w, err := tx.GetWithdrawalForUpdate(ctx, ref.TransactionID)
		if err != nil {
			return err
		}
		att, err := tx.GetAttemptForUpdate(ctx, req.PGOrderID)
		if err != nil {
			return err
		}
		out = att

		prevAttemptStatus := att.PaymentStatus
		if status != "" {
			att.PaymentStatus = status
		}
		if domain.IsTerminalPaymentStatus(att.PaymentStatus) {
			att.UnderProcessing = false
		}
		if req.UTR != "" {
			att.UTR = &req.UTR
		}
		if err := tx.UpdateAttempt(ctx, att); err != nil {
			return err
		}

		prev := w.Status()
		if att.PaymentStatus == domain.PaymentStatusSuccess && w.PayoutStatus != domain.PayoutStatusSuccess {
			if err := s.transitionPayout(ctx, tx, w, domain.PayoutStatusSuccess); err != nil {
				return err
			}
		}
		observability.IncrementSettlementTransition("attempt_corrected")
		meta, _ := json.Marshal(map[string]string{
			"reason":      req.Reason,
			"prev_status": prevAttemptStatus,
			"new_status":  att.PaymentStatus,
		})
		return s.events.Record(ctx, tx, w.TransactionID, &att.PGOrderID, req.ActorID, "attempt_corrected",
			prev, w.Status(), meta)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetWithdrawal loads one withdrawal.
func (s *SettlementOrchestrator) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawTransaction, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// PaymentHistory lists the gateway attempts of a withdrawal, newest first.
func (s *SettlementOrchestrator) PaymentHistory(ctx context.Context, id uuid.UUID) ([]models.PgTransactionAttempt, error) {
	if _, err := s.store.GetWithdrawal(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, id)
}

// History lists the settlement events of a withdrawal in order.
func (s *SettlementOrchestrator) History(ctx context.Context, id uuid.UUID) ([]models.SettlementEvent, error) {
	if _, err := s.store.GetWithdrawal(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListSettlementEvents(ctx, id)
}

// ListByStatus lists withdrawals whose derived status matches.
func (s *SettlementOrchestrator) ListByStatus(ctx context.Context, status string, limit, offset int32) ([]models.WithdrawTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	filters, err := filtersForStatus(status, limit, offset)
	if err != nil {
		return nil, err
	}
	var out []models.WithdrawTransaction
	for _, f := range filters {
		rows, err := s.store.ListWithdrawals(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// filtersForStatus translates a derived status into axis predicates. The
// derived status failed_terminal covers both a failed debit and an exhausted
// payout, hence two filters.
func filtersForStatus(status string, limit, offset int32) ([]WithdrawalFilter, error) {
	switch status {
	case domain.StatusRequested:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusPending}, Limit: limit, Offset: offset}}, nil
	case domain.StatusMT5Debited:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusDebited}, PayoutStatuses: []string{domain.PayoutStatusPending}, Limit: limit, Offset: offset}}, nil
	case domain.StatusDispatched:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusDebited}, PayoutStatuses: []string{domain.PayoutStatusDispatched}, Limit: limit, Offset: offset}}, nil
	case domain.StatusSettling:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusDebited}, PayoutStatuses: []string{domain.PayoutStatusSettling}, Limit: limit, Offset: offset}}, nil
	case domain.StatusSettled:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusDebited}, PayoutStatuses: []string{domain.PayoutStatusSuccess}, Limit: limit, Offset: offset}}, nil
	case domain.StatusFailedRetryable:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusDebited}, PayoutStatuses: []string{domain.PayoutStatusFailedRetryable}, Limit: limit, Offset: offset}}, nil
	case domain.StatusFailedTerminal:
		return []WithdrawalFilter{
			{MT5Statuses: []string{domain.MT5StatusFailed}, Limit: limit, Offset: offset},
			{MT5Statuses: []string{domain.MT5StatusDebited}, PayoutStatuses: []string{domain.PayoutStatusFailedTerminal}, Limit: limit, Offset: offset},
		}, nil
	case domain.StatusRefunded:
		return []WithdrawalFilter{{MT5Statuses: []string{domain.MT5StatusRefunded}, Limit: limit, Offset: offset}}, nil
	default:
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + status}
	}
}

// latestAttempt returns the newest attempt of a withdrawal, or nil when none
// exist.
func latestAttempt(ctx context.Context, tx Store, id uuid.UUID) (*models.PgTransactionAttempt, error) {
	attempts, err := tx.ListAttempts(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

func attemptRef(a *models.PgTransactionAttempt) *string {
	if a == nil {
		return nil
	}
	return &a.PGOrderID
}
