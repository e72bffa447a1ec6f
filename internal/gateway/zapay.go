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

// zapay authenticates with a bearer token and wraps every response in a
// code/data envelope; code 200 accepted, 400-series are declines.
type zapay struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newZaPay(cfg models.PaymentGatewayConfig, client *http.Client) *zapay {
	return &zapay{cfg: cfg, client: client}
}

func (g *zapay) Name() string { return ServiceZaPay }

type zapayEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ZapayID  string `json:"zapay_id"`
		OrderID  string `json:"order_id"`
		Status   string `json:"txn_status"`
		UTRNo    string `json:"utr_number"`
		Checksum string `json:"checksum"`
	} `json:"data"`
}

func (g *zapay) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	body, err := json.Marshal(map[string]string{
		"order_id":       req.PGOrderID,
		"amount":         req.Amount.VendorString(),
		"transfer_type":  string(req.Method),
		"account_holder": req.Beneficiary.AccountName,
		"account_number": req.Beneficiary.AccountNumber,
		"ifsc_code":      req.Beneficiary.IFSC,
	})
	if err != nil {
		return nil, fmt.Errorf("encode zapay payout: %w", err)
	}

	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/v1/payouts", g.headers(), body)
	if err != nil {
		return nil, err
	}

	var resp zapayEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode payout response: %w", err)}
	}
	if resp.Code != 200 {
		return nil, &RejectionError{Gateway: g.Name(), Code: fmt.Sprintf("%d", resp.Code), Reason: resp.Message}
	}
	return &SubmitResult{
		Status:    zapayStatus(resp.Data.Status),
		VendorRef: resp.Data.ZapayID,
		UTR:       resp.Data.UTRNo,
		Raw:       raw,
	}, nil
}

func (g *zapay) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{"order_id": pgOrderID})
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/v1/payouts/status", g.headers(), body)
	if err != nil {
		return "", err
	}
	var resp zapayEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	if resp.Code != 200 {
		return "", &RejectionError{Gateway: g.Name(), Code: fmt.Sprintf("%d", resp.Code), Reason: resp.Message}
	}
	return zapayStatus(resp.Data.Status), nil
}

// ParseWebhook verifies the per-event checksum:
// HMAC-SHA256(secret, order_id|txn_status|utr_number).
func (g *zapay) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var wh zapayEnvelope
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode zapay webhook: %w", err)
	}
	d := wh.Data
	expected := hmacSHA256Hex(g.cfg.ClientSecret, []byte(d.OrderID+"|"+d.Status+"|"+d.UTRNo))
	sig := d.Checksum
	if sig == "" {
		sig = signature
	}
	if !hmacEqual(expected, sig) {
		return nil, ErrBadSignature
	}
	if d.OrderID == "" {
		return nil, fmt.Errorf("zapay webhook missing order_id")
	}
	return &WebhookEvent{
		PGOrderID: d.OrderID,
		VendorRef: d.ZapayID,
		UTR:       d.UTRNo,
		Status:    zapayStatus(d.Status),
		Raw:       payload,
	}, nil
}

func (g *zapay) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.cfg.APIKey}
}

func zapayStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED", "SUCCESS":
		return domain.PaymentStatusSuccess
	case "QUEUED", "PENDING":
		return domain.PaymentStatusPending
	case "INITIATED", "PROCESSING":
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusFailed
	}
}
