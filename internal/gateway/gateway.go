package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

// Supported payout providers. The service column of payment_gateway carries
// one of these values.
const (
	ServiceCashfree     = "CASHFREE"
	ServiceQikPay       = "QIKPAY"
	ServiceEasyPaymentz = "EASYPAYMENTZ"
	ServiceIserveu      = "ISERVEU"
	ServicePaycoons     = "PAYCOONS"
	ServiceZaPay        = "ZAPAY"
	ServiceISmartPay    = "ISMARTPAY"
	ServicePayAnyTime   = "PAYANYTIME"
	ServiceFinixPay     = "FINIXPAY"
)

// ErrBadSignature is returned by ParseWebhook when the vendor hash or HMAC
// does not verify.
var ErrBadSignature = errors.New("webhook signature mismatch")

// RejectionError is a definitive business decline from the vendor
// (insufficient balance, invalid beneficiary, duplicate order). It counts
// toward the attempt cap and is safe to retry on another gateway.
type RejectionError struct {
	Gateway string
	Code    string
	Reason  string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected payout (%s): %s", e.Gateway, e.Code, e.Reason)
}

// NetworkError is a transport-level failure talking to the vendor. It proves
// nothing about whether the payout reached the vendor, so the caller must
// poll before treating the attempt as failed.
type NetworkError struct {
	Gateway string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s transport failure: %v", e.Gateway, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// PayoutRequest is the vendor-neutral payout order handed to an adapter.
type PayoutRequest struct {
	PGOrderID   string
	Amount      domain.Amount
	Method      domain.TransferMethod
	Beneficiary models.Beneficiary
	Remark      string
}

// SubmitResult is a vendor acceptance normalized to the shared vocabulary.
type SubmitResult struct {
	Status    string // PENDING/PROCESSING, or SUCCESS for synchronous vendors
	VendorRef string // the vendor's own order id
	UTR       string // rarely present at submit time
	Raw       []byte
}

// WebhookEvent is a verified, normalized settlement notification.
type WebhookEvent struct {
	PGOrderID string
	VendorRef string
	UTR       string
	Status    string
	Raw       []byte
}

// Adapter absorbs one vendor's payout/status/webhook contract. Submit never
// returns an error for business declines other than *RejectionError, and all
// transport failures arrive as *NetworkError; the orchestrator never branches
// on vendor identity.
type Adapter interface {
	Name() string

	// Submit places the payout order with the vendor.
	Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error)

	// CheckStatus polls the vendor for the current state of an order when no
	// webhook has arrived within the SLA window.
	CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error)

	// ParseWebhook verifies authenticity and maps the vendor payload onto a
	// WebhookEvent. Returns ErrBadSignature when verification fails.
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// New builds the adapter for a gateway configuration row.
func New(cfg models.PaymentGatewayConfig, client *http.Client) (Adapter, error) {
	switch cfg.Service {
	case ServiceCashfree:
		return newCashfree(cfg, client), nil
	case ServiceQikPay:
		return newQikPay(cfg, client), nil
	case ServiceEasyPaymentz:
		return newEasyPaymentz(cfg, client), nil
	case ServiceIserveu:
		return newIserveu(cfg, client), nil
	case ServicePaycoons:
		return newPaycoons(cfg, client), nil
	case ServiceZaPay:
		return newZaPay(cfg, client), nil
	case ServiceISmartPay:
		return newISmartPay(cfg, client), nil
	case ServicePayAnyTime:
		return newPayAnyTime(cfg, client), nil
	case ServiceFinixPay:
		return newFinixPay(cfg, client), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, cfg.Service)
	}
}
