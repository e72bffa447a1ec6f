package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

var (
	// ErrNoEligibleGateway means no active configuration covers the requested
	// amount and method. It is a user-facing configuration error, not a retry
	// candidate.
	ErrNoEligibleGateway = errors.New("no eligible payment gateway")

	// ErrUnknownGateway means the config names a service this build has no
	// adapter for.
	ErrUnknownGateway = errors.New("unknown payment gateway service")
)

// ConfigSource yields the current active gateway configuration rows. The
// admin layer owns the rows; the registry only reads them.
type ConfigSource interface {
	ListActiveGatewayConfigs(ctx context.Context) ([]models.PaymentGatewayConfig, error)
}

// Registry selects an eligible gateway configuration for an amount and
// transfer method, and constructs the matching adapter.
type Registry struct {
	source ConfigSource
	client *http.Client
}

// NewRegistry builds a registry over a config source. The timeout bounds
// every outbound vendor call made by adapters the registry hands out.
func NewRegistry(source ConfigSource, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		source: source,
		client: &http.Client{Timeout: timeout},
	}
}

// Select returns the first active, non-deleted config whose method is enabled
// and whose [min, max] band covers the amount. Candidates are ordered by
// priority, ties broken by insertion order (pg_id).
func (r *Registry) Select(ctx context.Context, amount domain.Amount, method domain.TransferMethod) (*models.PaymentGatewayConfig, error) {
	configs, err := r.source.ListActiveGatewayConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load gateway configs: %w", err)
	}

	sort.SliceStable(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority < configs[j].Priority
		}
		return configs[i].ID < configs[j].ID
	})

	for i := range configs {
		if configs[i].Accepts(amount, method) {
			cfg := configs[i]
			return &cfg, nil
		}
	}
	return nil, ErrNoEligibleGateway
}

// AdapterFor constructs the vendor adapter for a configuration row.
func (r *Registry) AdapterFor(cfg models.PaymentGatewayConfig) (Adapter, error) {
	return New(cfg, r.client)
}

// AdapterByService resolves an adapter from a service name, used for webhook
// ingestion and status polling where the gateway is already known.
func (r *Registry) AdapterByService(ctx context.Context, service string) (Adapter, *models.PaymentGatewayConfig, error) {
	service = strings.ToUpper(strings.TrimSpace(service))
	configs, err := r.source.ListActiveGatewayConfigs(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load gateway configs: %w", err)
	}
	for i := range configs {
		if configs[i].Service == service {
			adapter, err := New(configs[i], r.client)
			if err != nil {
				return nil, nil, err
			}
			cfg := configs[i]
			return adapter, &cfg, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownGateway, service)
}
