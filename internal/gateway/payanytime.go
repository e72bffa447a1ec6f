package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

// payanytime reports settlements with trx_status / payanytime_trx_id /
// bank_reference_number fields and signs webhooks with
// SHA-256(merchant_ref|trx_status|secret).
type payanytime struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newPayAnyTime(cfg models.PaymentGatewayConfig, client *http.Client) *payanytime {
	return &payanytime{cfg: cfg, client: client}
}

func (g *payanytime) Name() string { return ServicePayAnyTime }

type payanytimeResponse struct {
	TrxStatus     string `json:"trx_status"`
	TrxID         string `json:"payanytime_trx_id"`
	BankReference string `json:"bank_reference_number"`
	MerchantRef   string `json:"merchant_ref"`
	Remark        string `json:"remark"`
	Sign          string `json:"sign"`
}

func (g *payanytime) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	body, err := json.Marshal(map[string]string{
		"merchant_id":    g.cfg.ClientID,
		"merchant_ref":   req.PGOrderID,
		"amount":         req.Amount.VendorString(),
		"payment_mode":   string(req.Method),
		"payee_name":     req.Beneficiary.AccountName,
		"payee_account":  req.Beneficiary.AccountNumber,
		"payee_ifsc":     req.Beneficiary.IFSC,
		"sign":           g.sign(req.PGOrderID, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payanytime payout: %w", err)
	}

	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/openapi/payout/create", nil, body)
	if err != nil {
		return nil, err
	}

	var resp payanytimeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode payout response: %w", err)}
	}
	status := payanytimeStatus(resp.TrxStatus)
	if status == domain.PaymentStatusFailed {
		return nil, &RejectionError{Gateway: g.Name(), Code: resp.TrxStatus, Reason: resp.Remark}
	}
	return &SubmitResult{Status: status, VendorRef: resp.TrxID, UTR: resp.BankReference, Raw: raw}, nil
}

func (g *payanytime) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"merchant_id":  g.cfg.ClientID,
		"merchant_ref": pgOrderID,
		"sign":         g.sign(pgOrderID, ""),
	})
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/openapi/payout/query", nil, body)
	if err != nil {
		return "", err
	}
	var resp payanytimeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode query response: %w", err)}
	}
	return payanytimeStatus(resp.TrxStatus), nil
}

func (g *payanytime) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var wh payanytimeResponse
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode payanytime webhook: %w", err)
	}
	sig := wh.Sign
	if sig == "" {
		sig = signature
	}
	if !hmacEqual(g.sign(wh.MerchantRef, wh.TrxStatus), sig) {
		return nil, ErrBadSignature
	}
	if wh.MerchantRef == "" {
		return nil, fmt.Errorf("payanytime webhook missing merchant_ref")
	}
	return &WebhookEvent{
		PGOrderID: wh.MerchantRef,
		VendorRef: wh.TrxID,
		UTR:       wh.BankReference,
		Status:    payanytimeStatus(wh.TrxStatus),
		Raw:       payload,
	}, nil
}

func (g *payanytime) sign(merchantRef, trxStatus string) string {
	return sha256Hex(merchantRef, trxStatus, g.cfg.ClientSecret)
}

func payanytimeStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED":
		return domain.PaymentStatusSuccess
	case "CREATED", "AWAITING":
		return domain.PaymentStatusPending
	case "PROCESSING":
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusFailed
	}
}
