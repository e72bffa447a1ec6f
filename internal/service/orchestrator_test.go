package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/mt5"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/arkfin/mt5-settlement/internal/testutil/memstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	debits    int
	credits   int
	debitErr  error
	creditErr error

	lastDebit  domain.Amount
	lastCredit domain.Amount
}

func (l *fakeLedger) Debit(ctx context.Context, mt5ID string, amount domain.Amount) (*mt5.Snapshot, error) {
	if l.debitErr != nil {
		return nil, l.debitErr
	}
	l.debits++
	l.lastDebit = amount
	return &mt5.Snapshot{DealID: int64(9000 + l.debits), FreeMargin: 12345.67}, nil
}

func (l *fakeLedger) Credit(ctx context.Context, mt5ID string, amount domain.Amount) (*mt5.Snapshot, error) {
	if l.creditErr != nil {
		return nil, l.creditErr
	}
	l.credits++
	l.lastCredit = amount
	return &mt5.Snapshot{DealID: int64(9500 + l.credits)}, nil
}

// fakeAdapter plays scripted submit outcomes in order; once the script is
// exhausted it accepts everything as PROCESSING.
type fakeAdapter struct {
	name          string
	submitScript  []any // *gateway.SubmitResult or error
	submits       []gateway.PayoutRequest
	statusScript  []string
	statusErr     error
	webhookEvent  *gateway.WebhookEvent
	goodSignature string
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Submit(ctx context.Context, req gateway.PayoutRequest) (*gateway.SubmitResult, error) {
	a.submits = append(a.submits, req)
	if len(a.submitScript) == 0 {
		return &gateway.SubmitResult{
			Status:    domain.PaymentStatusProcessing,
			VendorRef: fmt.Sprintf("%s-ref-%d", a.name, len(a.submits)),
		}, nil
	}
	next := a.submitScript[0]
	a.submitScript = a.submitScript[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*gateway.SubmitResult), nil
}

func (a *fakeAdapter) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	if a.statusErr != nil {
		return "", a.statusErr
	}
	if len(a.statusScript) == 0 {
		return domain.PaymentStatusProcessing, nil
	}
	next := a.statusScript[0]
	a.statusScript = a.statusScript[1:]
	return next, nil
}

func (a *fakeAdapter) ParseWebhook(payload []byte, signature string) (*gateway.WebhookEvent, error) {
	if signature != a.goodSignature {
		return nil, gateway.ErrBadSignature
	}
	return a.webhookEvent, nil
}

// fakeProvider routes by priority over a static config list, like the real
// registry but without HTTP adapters.
type fakeProvider struct {
	configs  []models.PaymentGatewayConfig
	adapters map[string]*fakeAdapter
}

func (p *fakeProvider) Select(ctx context.Context, amount domain.Amount, method domain.TransferMethod) (*models.PaymentGatewayConfig, error) {
	sorted := append([]models.PaymentGatewayConfig(nil), p.configs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	for _, cfg := range sorted {
		if cfg.Accepts(amount, method) {
			c := cfg
			return &c, nil
		}
	}
	return nil, gateway.ErrNoEligibleGateway
}

func (p *fakeProvider) AdapterFor(cfg models.PaymentGatewayConfig) (gateway.Adapter, error) {
	a, ok := p.adapters[cfg.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrUnknownGateway, cfg.Service)
	}
	return a, nil
}

func (p *fakeProvider) AdapterByService(ctx context.Context, svc string) (gateway.Adapter, *models.PaymentGatewayConfig, error) {
	for _, cfg := range p.configs {
		if cfg.Service == svc {
			a, err := p.AdapterFor(cfg)
			if err != nil {
				return nil, nil, err
			}
			c := cfg
			return a, &c, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", gateway.ErrUnknownGateway, svc)
}

func impsConfig(id int64, svc string, priority int32) models.PaymentGatewayConfig {
	return models.PaymentGatewayConfig{
		ID:          id,
		Service:     svc,
		Active:      true,
		Priority:    priority,
		IMPSEnabled: true,
		IMPSMin:     10_000,      // 100 rupees
		IMPSMax:     100_000_000, // 10 lakh rupees
	}
}

type fixture struct {
	store    *memstore.Store
	ledger   *fakeLedger
	provider *fakeProvider
	orch     *service.SettlementOrchestrator
	recon    *service.ReconciliationService
}

func newFixture(maxAttempts int32, adapters ...*fakeAdapter) *fixture {
	provider := &fakeProvider{adapters: map[string]*fakeAdapter{}}
	for i, a := range adapters {
		provider.configs = append(provider.configs, impsConfig(int64(i+1), a.name, int32(i+1)))
		provider.adapters[a.name] = a
	}
	store := memstore.New()
	ledger := &fakeLedger{}
	return &fixture{
		store:    store,
		ledger:   ledger,
		provider: provider,
		orch:     service.NewSettlementOrchestrator(store, ledger, provider, maxAttempts),
		recon:    service.NewReconciliationService(store, provider, maxAttempts),
	}
}

func withdrawalRequest() service.CreateWithdrawalRequest {
	return service.CreateWithdrawalRequest{
		TransactionID: uuid.New(),
		CustomerID:    uuid.New(),
		MT5ID:         "10001",
		AmountPaise:   500_000, // 5000 rupees
		Method:        "IMPS",
		Beneficiary: models.Beneficiary{
			AccountName:   "Asha Verma",
			AccountNumber: "50100123456789",
			IFSC:          "HDFC0001234",
		},
	}
}

func TestSubmitDispatchesAndSettlesViaReconciliation(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: gateway.ServiceCashfree}
	f := newFixture(3, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status())
	require.Equal(t, 1, f.ledger.debits)
	require.Equal(t, domain.AmountFromPaise(500_000), f.ledger.lastDebit)
	require.NotNil(t, w.Ledger)

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, domain.PaymentStatusProcessing, attempts[0].PaymentStatus)
	require.True(t, attempts[0].UnderProcessing)
	require.Equal(t, "5000.00", w.Amount().VendorString())

	_, err = f.recon.Apply(ctx, service.ReconciliationUpdate{
		PGOrderID: attempts[0].PGOrderID,
		Status:    domain.PaymentStatusSuccess,
		UTR:       "UTR2608123456",
		Source:    service.SourceWebhook,
	})
	require.NoError(t, err)

	w, err = f.orch.GetWithdrawal(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, w.Status())

	attempts, err = f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.False(t, attempts[0].UnderProcessing)
	require.NotNil(t, attempts[0].UTR)
	require.Equal(t, "UTR2608123456", *attempts[0].UTR)
	require.Zero(t, f.ledger.credits)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3, &fakeAdapter{name: gateway.ServiceCashfree})

	req := withdrawalRequest()
	req.AmountPaise = 0
	_, err := f.orch.Submit(ctx, req)
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "amount", verr.Field)

	req = withdrawalRequest()
	req.Method = "SWIFT"
	_, err = f.orch.Submit(ctx, req)
	require.ErrorAs(t, err, &verr)

	req = withdrawalRequest()
	req.Beneficiary.IFSC = ""
	_, err = f.orch.Submit(ctx, req)
	require.ErrorAs(t, err, &verr)

	require.Zero(t, f.ledger.debits, "validation failures must not reach the ledger")
}

func TestSubmitLedgerDeclineIsTerminalWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: gateway.ServiceCashfree}
	f := newFixture(3, adapter)
	f.ledger.debitErr = &mt5.LedgerError{Code: 1030, Message: "insufficient free margin"}

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedTerminal, w.Status())
	require.Equal(t, domain.MT5StatusFailed, w.MT5Status)
	require.Empty(t, adapter.submits, "declined debit must never reach a gateway")

	// Nothing was debited, so there is nothing to refund.
	_, err = f.orch.Refund(ctx, w.TransactionID, nil, "customer request")
	require.ErrorIs(t, err, service.ErrNotRefundable)
}

func TestSubmitLedgerTransportFailureStaysRequested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3, &fakeAdapter{name: gateway.ServiceCashfree})
	f.ledger.debitErr = errors.New("dial tcp: i/o timeout")

	req := withdrawalRequest()
	_, err := f.orch.Submit(ctx, req)
	require.Error(t, err)

	w, err := f.orch.GetWithdrawal(ctx, req.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequested, w.Status(), "ambiguous debit must not move either axis")
}

func TestGatewayRejectionThenRetryWithFreshOrderID(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceQikPay,
		submitScript: []any{
			&gateway.RejectionError{Gateway: "QIKPAY", Code: "E402", Reason: "beneficiary bank offline"},
		},
	}
	f := newFixture(3, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedRetryable, w.Status())
	require.Equal(t, int32(1), w.PaymentFailCount)

	first, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, domain.PaymentStatusFailed, first[0].PaymentStatus)
	require.NotNil(t, first[0].APIError)

	w, err = f.orch.Retry(ctx, w.TransactionID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status())
	require.Equal(t, int32(1), w.PaymentFailCount, "an accepted retry adds no failure")

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.NotEqual(t, attempts[0].PGOrderID, attempts[1].PGOrderID, "every attempt gets a fresh order id")
	require.Equal(t, 1, f.ledger.debits, "retry must not re-debit the ledger")
}

func TestAttemptsExhaustedThenRefund(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceZaPay,
		submitScript: []any{
			&gateway.RejectionError{Gateway: "ZAPAY", Code: "E500", Reason: "payout declined"},
			&gateway.RejectionError{Gateway: "ZAPAY", Code: "E500", Reason: "payout declined"},
		},
	}
	f := newFixture(2, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedRetryable, w.Status())

	w, err = f.orch.Retry(ctx, w.TransactionID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedTerminal, w.Status())
	require.Equal(t, int32(2), w.PaymentFailCount)

	_, err = f.orch.Retry(ctx, w.TransactionID, nil)
	require.ErrorIs(t, err, service.ErrNotRetryable)

	w, err = f.orch.Refund(ctx, w.TransactionID, nil, "payout exhausted")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRefunded, w.Status())
	require.NotNil(t, w.RefundTransactionID)
	require.Equal(t, 1, f.ledger.credits)
	require.Equal(t, domain.AmountFromPaise(500_000), f.ledger.lastCredit, "refund credits the exact debited amount")

	_, err = f.orch.Refund(ctx, w.TransactionID, nil, "again")
	require.ErrorIs(t, err, service.ErrAlreadyRefunded)

	_, err = f.orch.Retry(ctx, w.TransactionID, nil)
	require.ErrorIs(t, err, service.ErrNotRetryable, "refunded withdrawals admit no further dispatch")
	require.Equal(t, 1, f.ledger.credits)
}

func TestNetworkFailureLeavesAttemptOpenForPoll(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceIserveu,
		submitScript: []any{
			&gateway.NetworkError{Gateway: "ISERVEU", Err: errors.New("connection reset")},
		},
		statusScript: []string{domain.PaymentStatusFailed},
	}
	f := newFixture(3, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status(), "unconfirmed dispatch settles via poll, not blind retry")
	require.Equal(t, int32(1), w.PaymentFailCount)

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, domain.PaymentStatusPending, attempts[0].PaymentStatus)
	require.True(t, attempts[0].UnderProcessing)

	require.NoError(t, f.recon.PollAttempt(ctx, attempts[0]))

	w, err = f.orch.GetWithdrawal(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedRetryable, w.Status())
	require.Equal(t, int32(1), w.PaymentFailCount, "a poll-confirmed failure of a counted dispatch adds nothing")
}

func TestRefundRequiresTerminalPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3, &fakeAdapter{name: gateway.ServiceCashfree})

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status())

	_, err = f.orch.Refund(ctx, w.TransactionID, nil, "too slow")
	require.ErrorIs(t, err, service.ErrNotRefundable)
	require.Zero(t, f.ledger.credits)
}

func TestNoEligibleGatewayKeepsDebitAndDispatchesLater(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: gateway.ServicePaycoons}
	f := newFixture(3, adapter)
	f.provider.configs = nil // routing table empty at submit time

	req := withdrawalRequest()
	_, err := f.orch.Submit(ctx, req)
	require.ErrorIs(t, err, gateway.ErrNoEligibleGateway)
	require.Equal(t, 1, f.ledger.debits)

	w, err := f.orch.GetWithdrawal(ctx, req.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusMT5Debited, w.Status())

	f.provider.configs = []models.PaymentGatewayConfig{impsConfig(1, adapter.name, 1)}
	require.NoError(t, f.orch.Dispatch(ctx, req.TransactionID))
	require.Equal(t, 1, f.ledger.debits, "re-dispatch must not re-debit")

	w, err = f.orch.GetWithdrawal(ctx, req.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status())

	// A second Dispatch on an already-dispatched withdrawal is a no-op.
	require.NoError(t, f.orch.Dispatch(ctx, req.TransactionID))
	attempts, err := f.orch.PaymentHistory(ctx, req.TransactionID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestSynchronousSuccessSettlesAtSubmit(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceEasyPaymentz,
		submitScript: []any{
			&gateway.SubmitResult{Status: domain.PaymentStatusSuccess, VendorRef: "EPZ-1", UTR: "UTR000111"},
		},
	}
	f := newFixture(3, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, w.Status())

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusSuccess, attempts[0].PaymentStatus)
	require.NotNil(t, attempts[0].UTR)
}

func TestResolveConfirmFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3, &fakeAdapter{name: gateway.ServiceCashfree})

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)

	actor := uuid.New()
	w, err = f.orch.Resolve(ctx, service.ResolveRequest{
		TransactionID: w.TransactionID,
		Resolution:    service.ResolutionConfirmFailure,
		Reason:        "vendor confirmed reversal over email",
		ActorID:       &actor,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedTerminal, w.Status())

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, attempts[0].PaymentStatus)
	require.False(t, attempts[0].UnderProcessing)

	// Terminal failure with a standing debit is the refund precondition.
	w, err = f.orch.Refund(ctx, w.TransactionID, &actor, "manual failure")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRefunded, w.Status())
}

func TestResolveConfirmSuccessBackfillsUTR(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3, &fakeAdapter{name: gateway.ServiceCashfree})

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)

	w, err = f.orch.Resolve(ctx, service.ResolveRequest{
		TransactionID: w.TransactionID,
		Resolution:    service.ResolutionConfirmSuccess,
		UTR:           "UTR778899",
		Reason:        "verified on vendor dashboard",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, w.Status())

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, attempts[0].UTR)
	require.Equal(t, "UTR778899", *attempts[0].UTR)

	_, err = f.orch.Resolve(ctx, service.ResolveRequest{
		TransactionID: w.TransactionID,
		Resolution:    service.ResolutionConfirmFailure,
	})
	require.ErrorIs(t, err, service.ErrInvalidResolution, "settled withdrawals cannot be re-resolved")
}

func TestResolveSettlesConflictedTerminalPayout(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceISmartPay,
		submitScript: []any{
			&gateway.RejectionError{Gateway: "ISMARTPAY", Code: "E77", Reason: "declined"},
		},
	}
	f := newFixture(1, adapter) // the rejection exhausts the cap immediately

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedTerminal, w.Status())

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, attempts[0].PaymentStatus)

	// A late success webhook contradicts the stored failure and is parked
	// for the operator.
	_, err = f.recon.Apply(ctx, service.ReconciliationUpdate{
		PGOrderID: attempts[0].PGOrderID,
		Status:    domain.PaymentStatusSuccess,
		UTR:       "UTR445566",
		Source:    service.SourceWebhook,
	})
	require.ErrorIs(t, err, service.ErrReconciliationConflict)

	actor := uuid.New()
	w, err = f.orch.Resolve(ctx, service.ResolveRequest{
		TransactionID: w.TransactionID,
		Resolution:    service.ResolutionConfirmSuccess,
		UTR:           "UTR445566",
		Reason:        "vendor dashboard shows the payout settled",
		ActorID:       &actor,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, w.Status())

	attempts, err = f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusSuccess, attempts[0].PaymentStatus)
	require.False(t, attempts[0].UnderProcessing)
	require.NotNil(t, attempts[0].UTR)
	require.Equal(t, "UTR445566", *attempts[0].UTR)

	// A payout that actually settled must never also be refunded.
	_, err = f.orch.Refund(ctx, w.TransactionID, &actor, "conflict cleanup")
	require.ErrorIs(t, err, service.ErrNotRefundable)
	require.Zero(t, f.ledger.credits)
}

func TestCorrectAttemptSettlesTerminalPayout(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceQikPay,
		submitScript: []any{
			&gateway.RejectionError{Gateway: "QIKPAY", Code: "E500", Reason: "declined"},
		},
	}
	f := newFixture(1, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedTerminal, w.Status())

	attempts, err := f.orch.PaymentHistory(ctx, w.TransactionID)
	require.NoError(t, err)

	actor := uuid.New()
	out, err := f.orch.CorrectAttempt(ctx, service.CorrectAttemptRequest{
		PGOrderID: attempts[0].PGOrderID,
		Status:    domain.PaymentStatusSuccess,
		UTR:       "UTR990011",
		Reason:    "vendor settlement report",
		ActorID:   &actor,
	})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusSuccess, out.PaymentStatus)
	require.NotNil(t, out.UTR)

	w, err = f.orch.GetWithdrawal(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, w.Status())
}

func TestResolveRefutesAmbiguousDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3, &fakeAdapter{name: gateway.ServiceCashfree})
	f.ledger.debitErr = errors.New("dial tcp: i/o timeout")

	req := withdrawalRequest()
	_, err := f.orch.Submit(ctx, req)
	require.Error(t, err)

	actor := uuid.New()
	w, err := f.orch.Resolve(ctx, service.ResolveRequest{
		TransactionID: req.TransactionID,
		Resolution:    service.ResolutionConfirmFailure,
		Reason:        "no matching deal on the mt5 ledger",
		ActorID:       &actor,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailedTerminal, w.Status())
	require.Equal(t, domain.MT5StatusFailed, w.MT5Status)

	// Nothing was debited, so the refund path stays closed.
	_, err = f.orch.Refund(ctx, w.TransactionID, &actor, "cleanup")
	require.ErrorIs(t, err, service.ErrNotRefundable)
	require.Zero(t, f.ledger.credits)
}

func TestResolveConfirmsAmbiguousDebitAndDispatches(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: gateway.ServiceCashfree}
	f := newFixture(3, adapter)
	f.ledger.debitErr = errors.New("dial tcp: i/o timeout")

	req := withdrawalRequest()
	_, err := f.orch.Submit(ctx, req)
	require.Error(t, err)

	w, err := f.orch.Resolve(ctx, service.ResolveRequest{
		TransactionID: req.TransactionID,
		Resolution:    service.ResolutionConfirmSuccess,
		Reason:        "deal found on the mt5 ledger",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusMT5Debited, w.Status())
	require.Zero(t, f.ledger.debits, "confirming the debit must not book a second deal")

	// The recovery pass dispatches the standing debit.
	require.NoError(t, f.orch.Dispatch(ctx, req.TransactionID))
	w, err = f.orch.GetWithdrawal(ctx, req.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status())
}

func TestListByStatusCoversBothTerminalShapes(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServiceFinixPay,
		submitScript: []any{
			&gateway.RejectionError{Gateway: "FINIXPAY", Code: "103", Reason: "declined"},
		},
	}
	f := newFixture(1, adapter) // one strike and the payout is terminal

	reqA := withdrawalRequest()
	_, err := f.orch.Submit(ctx, reqA)
	require.NoError(t, err)

	// Second withdrawal dies on the ledger leg.
	f.ledger.debitErr = &mt5.LedgerError{Code: 1030, Message: "insufficient free margin"}
	reqB := withdrawalRequest()
	_, err = f.orch.Submit(ctx, reqB)
	require.NoError(t, err)

	terminal, err := f.orch.ListByStatus(ctx, domain.StatusFailedTerminal, 10, 0)
	require.NoError(t, err)
	require.Len(t, terminal, 2)

	ids := map[uuid.UUID]bool{}
	for _, w := range terminal {
		ids[w.TransactionID] = true
	}
	require.True(t, ids[reqA.TransactionID])
	require.True(t, ids[reqB.TransactionID])

	settled, err := f.orch.ListByStatus(ctx, domain.StatusSettled, 10, 0)
	require.NoError(t, err)
	require.Empty(t, settled)

	_, err = f.orch.ListByStatus(ctx, "bogus", 10, 0)
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHistoryRecordsTheFullSaga(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: gateway.ServicePayAnyTime,
		submitScript: []any{
			&gateway.RejectionError{Gateway: "PAYANYTIME", Code: "E9", Reason: "declined"},
		},
	}
	f := newFixture(1, adapter)

	w, err := f.orch.Submit(ctx, withdrawalRequest())
	require.NoError(t, err)
	w, err = f.orch.Refund(ctx, w.TransactionID, nil, "exhausted")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRefunded, w.Status())

	events, err := f.orch.History(ctx, w.TransactionID)
	require.NoError(t, err)

	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	require.Equal(t, []string{
		"created",
		"mt5_debited",
		"dispatched",
		"gateway_rejected_exhausted",
		"refunded",
	}, actions)
}
