package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/stretchr/testify/require"
)

type staticConfigs []models.PaymentGatewayConfig

func (s staticConfigs) ListActiveGatewayConfigs(ctx context.Context) ([]models.PaymentGatewayConfig, error) {
	out := make([]models.PaymentGatewayConfig, len(s))
	copy(out, s)
	return out, nil
}

func impsConfig(id int64, service string, priority int32, minPaise, maxPaise int64) models.PaymentGatewayConfig {
	return models.PaymentGatewayConfig{
		ID:          id,
		Service:     service,
		Active:      true,
		Priority:    priority,
		BaseURL:     "https://pg.example.com",
		IMPSEnabled: true,
		IMPSMin:     minPaise,
		IMPSMax:     maxPaise,
	}
}

func TestRegistrySelectPicksHighestPriorityEligible(t *testing.T) {
	reg := NewRegistry(staticConfigs{
		impsConfig(1, ServiceCashfree, 2, 10000, 10000000),
		impsConfig(2, ServiceQikPay, 1, 10000, 10000000),
	}, time.Second)

	cfg, err := reg.Select(context.Background(), domain.AmountFromPaise(500000), domain.TransferIMPS)
	require.NoError(t, err)
	require.Equal(t, ServiceQikPay, cfg.Service)
}

func TestRegistrySelectTieBreaksByInsertionOrder(t *testing.T) {
	reg := NewRegistry(staticConfigs{
		impsConfig(7, ServiceZaPay, 1, 10000, 10000000),
		impsConfig(3, ServiceIserveu, 1, 10000, 10000000),
	}, time.Second)

	cfg, err := reg.Select(context.Background(), domain.AmountFromPaise(500000), domain.TransferIMPS)
	require.NoError(t, err)
	require.Equal(t, ServiceIserveu, cfg.Service)
}

func TestRegistrySelectExcludesByAmountBand(t *testing.T) {
	// amount=50 with imps_min=100 must yield ErrNoEligibleGateway.
	reg := NewRegistry(staticConfigs{
		impsConfig(1, ServiceCashfree, 1, 10000, 10000000),
	}, time.Second)

	_, err := reg.Select(context.Background(), domain.AmountFromPaise(5000), domain.TransferIMPS)
	require.ErrorIs(t, err, ErrNoEligibleGateway)

	_, err = reg.Select(context.Background(), domain.AmountFromPaise(20000000), domain.TransferIMPS)
	require.ErrorIs(t, err, ErrNoEligibleGateway)
}

func TestRegistrySelectExcludesDisabledMethodAndInactive(t *testing.T) {
	disabled := impsConfig(1, ServiceCashfree, 1, 10000, 10000000)
	disabled.IMPSEnabled = false

	inactive := impsConfig(2, ServiceQikPay, 1, 10000, 10000000)
	inactive.Active = false

	deleted := impsConfig(3, ServiceZaPay, 1, 10000, 10000000)
	deleted.Deleted = true

	reg := NewRegistry(staticConfigs{disabled, inactive, deleted}, time.Second)

	_, err := reg.Select(context.Background(), domain.AmountFromPaise(500000), domain.TransferIMPS)
	require.ErrorIs(t, err, ErrNoEligibleGateway)

	_, err = reg.Select(context.Background(), domain.AmountFromPaise(500000), domain.TransferNEFT)
	require.ErrorIs(t, err, ErrNoEligibleGateway)
}

func TestAdapterFactoryCoversAllServices(t *testing.T) {
	services := []string{
		ServiceCashfree, ServiceQikPay, ServiceEasyPaymentz, ServiceIserveu,
		ServicePaycoons, ServiceZaPay, ServiceISmartPay, ServicePayAnyTime,
		ServiceFinixPay,
	}
	for _, svc := range services {
		adapter, err := New(models.PaymentGatewayConfig{Service: svc}, nil)
		require.NoError(t, err)
		require.Equal(t, svc, adapter.Name())
	}

	_, err := New(models.PaymentGatewayConfig{Service: "RAZORX"}, nil)
	require.ErrorIs(t, err, ErrUnknownGateway)
}
