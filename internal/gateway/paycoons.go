package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

// paycoons takes form-encoded requests keyed by a merchant reference id and
// signs both directions with SHA-256(merchant_id|mer_ref_id|token).
type paycoons struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newPaycoons(cfg models.PaymentGatewayConfig, client *http.Client) *paycoons {
	return &paycoons{cfg: cfg, client: client}
}

func (g *paycoons) Name() string { return ServicePaycoons }

type paycoonsResponse struct {
	TxStatus  string `json:"txstatus"`
	Message   string `json:"message"`
	PayID     string `json:"pay_id"`
	RRN       string `json:"rrn"`
	MerRefID  string `json:"mer_ref_id"`
	Signature string `json:"signature"`
}

func (g *paycoons) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	form := url.Values{}
	form.Set("merchant_id", g.cfg.ClientID)
	form.Set("mer_ref_id", req.PGOrderID)
	form.Set("amount", req.Amount.VendorString())
	form.Set("transfer_mode", string(req.Method))
	form.Set("account_name", req.Beneficiary.AccountName)
	form.Set("account_number", req.Beneficiary.AccountNumber)
	form.Set("ifsc", req.Beneficiary.IFSC)
	form.Set("signature", g.sign(req.PGOrderID))

	raw, _, err := postForm(ctx, g.client, g.Name(), g.cfg.BaseURL+"/api/payout/request", nil, form)
	if err != nil {
		return nil, err
	}

	var resp paycoonsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode payout response: %w", err)}
	}
	status := paycoonsStatus(resp.TxStatus)
	if status == domain.PaymentStatusFailed {
		return nil, &RejectionError{Gateway: g.Name(), Code: resp.TxStatus, Reason: resp.Message}
	}
	return &SubmitResult{Status: status, VendorRef: resp.PayID, UTR: resp.RRN, Raw: raw}, nil
}

func (g *paycoons) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	form := url.Values{}
	form.Set("merchant_id", g.cfg.ClientID)
	form.Set("mer_ref_id", pgOrderID)
	form.Set("signature", g.sign(pgOrderID))

	raw, _, err := postForm(ctx, g.client, g.Name(), g.cfg.BaseURL+"/api/payout/status", nil, form)
	if err != nil {
		return "", err
	}
	var resp paycoonsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	return paycoonsStatus(resp.TxStatus), nil
}

func (g *paycoons) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var wh paycoonsResponse
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode paycoons webhook: %w", err)
	}
	sig := wh.Signature
	if sig == "" {
		sig = signature
	}
	if !hmacEqual(g.sign(wh.MerRefID), sig) {
		return nil, ErrBadSignature
	}
	if wh.MerRefID == "" {
		return nil, fmt.Errorf("paycoons webhook missing mer_ref_id")
	}
	return &WebhookEvent{
		PGOrderID: wh.MerRefID,
		VendorRef: wh.PayID,
		UTR:       wh.RRN,
		Status:    paycoonsStatus(wh.TxStatus),
		Raw:       payload,
	}, nil
}

func (g *paycoons) sign(merRefID string) string {
	return sha256Hex(g.cfg.ClientID, merRefID, g.cfg.APIKey)
}

func paycoonsStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TXN", "SUCCESS":
		return domain.PaymentStatusSuccess
	case "TUP", "PENDING":
		return domain.PaymentStatusPending
	case "TIP", "PROCESSING":
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusFailed
	}
}
