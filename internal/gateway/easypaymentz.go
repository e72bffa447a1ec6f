package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

// easypaymentz uses form-encoded requests with an MD5 checksum
// (merchant_id|order_id|amount|key) and numeric status codes:
// 1 success, 2 pending, 3 failed, 4 processing.
type easypaymentz struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newEasyPaymentz(cfg models.PaymentGatewayConfig, client *http.Client) *easypaymentz {
	return &easypaymentz{cfg: cfg, client: client}
}

func (g *easypaymentz) Name() string { return ServiceEasyPaymentz }

type easypaymentzResponse struct {
	StatusCode int    `json:"status_code"`
	OrderID    string `json:"order_id"`
	RefID      string `json:"ref_id"`
	UTRNo      string `json:"utr_no"`
	ErrorDesc  string `json:"error_desc"`
}

func (g *easypaymentz) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	amount := req.Amount.VendorString()
	form := url.Values{}
	form.Set("merchant_id", g.cfg.ClientID)
	form.Set("order_id", req.PGOrderID)
	form.Set("amount", amount)
	form.Set("mode", string(req.Method))
	form.Set("beneficiary_name", req.Beneficiary.AccountName)
	form.Set("account_number", req.Beneficiary.AccountNumber)
	form.Set("ifsc_code", req.Beneficiary.IFSC)
	form.Set("checksum", md5Hex(g.cfg.ClientID, req.PGOrderID, amount, g.cfg.APIKey))

	raw, _, err := postForm(ctx, g.client, g.Name(), g.cfg.BaseURL+"/payout/transfer", nil, form)
	if err != nil {
		return nil, err
	}

	var resp easypaymentzResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode transfer response: %w", err)}
	}
	status := easypaymentzStatus(resp.StatusCode)
	if status == domain.PaymentStatusFailed {
		return nil, &RejectionError{Gateway: g.Name(), Code: fmt.Sprintf("%d", resp.StatusCode), Reason: resp.ErrorDesc}
	}
	return &SubmitResult{Status: status, VendorRef: resp.RefID, UTR: resp.UTRNo, Raw: raw}, nil
}

func (g *easypaymentz) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	form := url.Values{}
	form.Set("merchant_id", g.cfg.ClientID)
	form.Set("order_id", pgOrderID)
	form.Set("checksum", md5Hex(g.cfg.ClientID, pgOrderID, "", g.cfg.APIKey))

	raw, _, err := postForm(ctx, g.client, g.Name(), g.cfg.BaseURL+"/payout/status", nil, form)
	if err != nil {
		return "", err
	}
	var resp easypaymentzResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	return easypaymentzStatus(resp.StatusCode), nil
}

type easypaymentzWebhook struct {
	OrderID    string `json:"order_id"`
	RefID      string `json:"ref_id"`
	StatusCode int    `json:"status_code"`
	UTRNo      string `json:"utr_no"`
	Checksum   string `json:"checksum"`
}

// ParseWebhook verifies checksum = MD5(merchant_id|order_id|status_code|key).
func (g *easypaymentz) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var wh easypaymentzWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode easypaymentz webhook: %w", err)
	}
	expected := md5Hex(g.cfg.ClientID, wh.OrderID, fmt.Sprintf("%d", wh.StatusCode), g.cfg.APIKey)
	if !hmacEqual(expected, wh.Checksum) {
		return nil, ErrBadSignature
	}
	if wh.OrderID == "" {
		return nil, fmt.Errorf("easypaymentz webhook missing order_id")
	}
	return &WebhookEvent{
		PGOrderID: wh.OrderID,
		VendorRef: wh.RefID,
		UTR:       wh.UTRNo,
		Status:    easypaymentzStatus(wh.StatusCode),
		Raw:       payload,
	}, nil
}

func easypaymentzStatus(code int) string {
	switch code {
	case 1:
		return domain.PaymentStatusSuccess
	case 2:
		return domain.PaymentStatusPending
	case 4:
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusFailed
	}
}
