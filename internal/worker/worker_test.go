package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/gateway"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/arkfin/mt5-settlement/internal/mt5"
	"github.com/arkfin/mt5-settlement/internal/service"
	"github.com/arkfin/mt5-settlement/internal/testutil/memstore"
	"github.com/arkfin/mt5-settlement/internal/worker"
	"github.com/stretchr/testify/require"
)

type stubLedger struct{}

func (stubLedger) Debit(ctx context.Context, mt5ID string, amount domain.Amount) (*mt5.Snapshot, error) {
	return &mt5.Snapshot{DealID: 1}, nil
}

func (stubLedger) Credit(ctx context.Context, mt5ID string, amount domain.Amount) (*mt5.Snapshot, error) {
	return &mt5.Snapshot{DealID: 2}, nil
}

type stubAdapter struct {
	submitErr error
	status    string
}

func (a *stubAdapter) Name() string { return gateway.ServiceCashfree }

func (a *stubAdapter) Submit(ctx context.Context, req gateway.PayoutRequest) (*gateway.SubmitResult, error) {
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return &gateway.SubmitResult{Status: domain.PaymentStatusProcessing, VendorRef: "cf-1"}, nil
}

func (a *stubAdapter) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	return a.status, nil
}

func (a *stubAdapter) ParseWebhook(payload []byte, signature string) (*gateway.WebhookEvent, error) {
	return nil, gateway.ErrBadSignature
}

type stubProvider struct {
	adapter *stubAdapter
	configs []models.PaymentGatewayConfig
}

func (p *stubProvider) Select(ctx context.Context, amount domain.Amount, method domain.TransferMethod) (*models.PaymentGatewayConfig, error) {
	for _, cfg := range p.configs {
		if cfg.Accepts(amount, method) {
			c := cfg
			return &c, nil
		}
	}
	return nil, gateway.ErrNoEligibleGateway
}

func (p *stubProvider) AdapterFor(cfg models.PaymentGatewayConfig) (gateway.Adapter, error) {
	return p.adapter, nil
}

func (p *stubProvider) AdapterByService(ctx context.Context, svc string) (gateway.Adapter, *models.PaymentGatewayConfig, error) {
	if svc != p.adapter.Name() {
		return nil, nil, fmt.Errorf("%w: %s", gateway.ErrUnknownGateway, svc)
	}
	return p.adapter, nil, nil
}

func cashfreeIMPS() models.PaymentGatewayConfig {
	return models.PaymentGatewayConfig{
		ID:          1,
		Service:     gateway.ServiceCashfree,
		Active:      true,
		Priority:    1,
		IMPSEnabled: true,
		IMPSMin:     10_000,
		IMPSMax:     100_000_000,
	}
}

func submitRequest() service.CreateWithdrawalRequest {
	return service.CreateWithdrawalRequest{
		MT5ID:       "10001",
		AmountPaise: 500_000,
		Method:      "IMPS",
		Beneficiary: models.Beneficiary{
			AccountName:   "Asha Verma",
			AccountNumber: "50100123456789",
			IFSC:          "HDFC0001234",
		},
	}
}

func TestStatusPollWorkerResolvesStaleAttempt(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	adapter := &stubAdapter{
		submitErr: &gateway.NetworkError{Gateway: "CASHFREE", Err: errors.New("timeout")},
		status:    domain.PaymentStatusSuccess,
	}
	provider := &stubProvider{adapter: adapter, configs: []models.PaymentGatewayConfig{cashfreeIMPS()}}
	orch := service.NewSettlementOrchestrator(store, stubLedger{}, provider, 3)
	recon := service.NewReconciliationService(store, provider, 3)

	w, err := orch.Submit(ctx, submitRequest())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettling, w.Status())

	time.Sleep(5 * time.Millisecond)
	poller := worker.NewStatusPollWorker(store, recon).
		WithSettleSLA(time.Nanosecond).
		WithBatchSize(5)
	require.NoError(t, poller.ProcessOnce(ctx))

	got, err := orch.GetWithdrawal(ctx, w.TransactionID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSettled, got.Status())

	open, err := store.ListStaleSettlingAttempts(ctx, time.Now(), 5)
	require.NoError(t, err)
	require.Empty(t, open, "settled attempts leave the poll queue")
}

func TestDispatchWorkerRecoversStuckWithdrawal(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	adapter := &stubAdapter{}
	provider := &stubProvider{adapter: adapter} // no routes yet
	orch := service.NewSettlementOrchestrator(store, stubLedger{}, provider, 3)

	req := submitRequest()
	_, err := orch.Submit(ctx, req)
	require.ErrorIs(t, err, gateway.ErrNoEligibleGateway)

	// Routing table fixed; the recovery loop picks the withdrawal up.
	provider.configs = []models.PaymentGatewayConfig{cashfreeIMPS()}
	recoverer := worker.NewDispatchWorker(orch).WithBatchSize(5)
	require.NoError(t, recoverer.ProcessOnce(ctx))

	stuck, err := orch.ListByStatus(ctx, domain.StatusMT5Debited, 5, 0)
	require.NoError(t, err)
	require.Empty(t, stuck)
}
