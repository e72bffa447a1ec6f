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

// ismartpay signs every request body with an HMAC-SHA256 header
// (X-Ismart-Signature) and uses the same scheme for webhooks.
type ismartpay struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newISmartPay(cfg models.PaymentGatewayConfig, client *http.Client) *ismartpay {
	return &ismartpay{cfg: cfg, client: client}
}

func (g *ismartpay) Name() string { return ServiceISmartPay }

type ismartpayResponse struct {
	Result  string `json:"result"` // ACCEPTED | DECLINED
	State   string `json:"state"`
	Reason  string `json:"reason"`
	TransID string `json:"trans_id"`
	RRN     string `json:"rrn"`
}

func (g *ismartpay) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	body, err := json.Marshal(map[string]string{
		"merchant_order_id": req.PGOrderID,
		"amount":            req.Amount.VendorString(),
		"channel":           string(req.Method),
		"holder_name":       req.Beneficiary.AccountName,
		"account":           req.Beneficiary.AccountNumber,
		"ifsc":              req.Beneficiary.IFSC,
	})
	if err != nil {
		return nil, fmt.Errorf("encode ismartpay payout: %w", err)
	}

	headers := map[string]string{
		"X-Ismart-Key":       g.cfg.APIKey,
		"X-Ismart-Signature": hmacSHA256Hex(g.cfg.ClientSecret, body),
	}
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/gateway/payout", headers, body)
	if err != nil {
		return nil, err
	}

	var resp ismartpayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode payout response: %w", err)}
	}
	if strings.EqualFold(resp.Result, "DECLINED") {
		return nil, &RejectionError{Gateway: g.Name(), Code: resp.Result, Reason: resp.Reason}
	}
	return &SubmitResult{Status: ismartpayStatus(resp.State), VendorRef: resp.TransID, UTR: resp.RRN, Raw: raw}, nil
}

func (g *ismartpay) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{"merchant_order_id": pgOrderID})
	headers := map[string]string{
		"X-Ismart-Key":       g.cfg.APIKey,
		"X-Ismart-Signature": hmacSHA256Hex(g.cfg.ClientSecret, body),
	}
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/gateway/payout/state", headers, body)
	if err != nil {
		return "", err
	}
	var resp ismartpayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode state response: %w", err)}
	}
	return ismartpayStatus(resp.State), nil
}

type ismartpayWebhook struct {
	MerchantOrderID string `json:"merchant_order_id"`
	TransID         string `json:"trans_id"`
	State           string `json:"state"`
	RRN             string `json:"rrn"`
}

func (g *ismartpay) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if !hmacEqual(hmacSHA256Hex(g.cfg.ClientSecret, payload), signature) {
		return nil, ErrBadSignature
	}
	var wh ismartpayWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode ismartpay webhook: %w", err)
	}
	if wh.MerchantOrderID == "" {
		return nil, fmt.Errorf("ismartpay webhook missing merchant_order_id")
	}
	return &WebhookEvent{
		PGOrderID: wh.MerchantOrderID,
		VendorRef: wh.TransID,
		UTR:       wh.RRN,
		Status:    ismartpayStatus(wh.State),
		Raw:       payload,
	}, nil
}

func ismartpayStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAID", "SETTLED":
		return domain.PaymentStatusSuccess
	case "CREATED", "QUEUED":
		return domain.PaymentStatusPending
	case "SENT", "IN_TRANSIT":
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusFailed
	}
}
