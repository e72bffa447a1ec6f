package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

// finixpay webhooks carry status / status_code / transaction_id / hash, where
// hash = MD5(api_key|transaction_id|status_code|secret).
type finixpay struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newFinixPay(cfg models.PaymentGatewayConfig, client *http.Client) *finixpay {
	return &finixpay{cfg: cfg, client: client}
}

func (g *finixpay) Name() string { return ServiceFinixPay }

type finixpayResponse struct {
	Status        string `json:"status"`
	StatusCode    int    `json:"status_code"`
	TransactionID string `json:"transaction_id"` // our pg_order_id, echoed back
	FinixRef      string `json:"finix_ref"`
	UTR           string `json:"utr"`
	Description   string `json:"description"`
	Hash          string `json:"hash"`
}

func (g *finixpay) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	body, err := json.Marshal(map[string]string{
		"api_key":        g.cfg.APIKey,
		"transaction_id": req.PGOrderID,
		"amount":         req.Amount.VendorString(),
		"transfer_mode":  string(req.Method),
		"account_name":   req.Beneficiary.AccountName,
		"account_no":     req.Beneficiary.AccountNumber,
		"ifsc":           req.Beneficiary.IFSC,
	})
	if err != nil {
		return nil, fmt.Errorf("encode finixpay payout: %w", err)
	}

	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/merchant/payout", nil, body)
	if err != nil {
		return nil, err
	}

	var resp finixpayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode payout response: %w", err)}
	}
	status := finixpayStatus(resp.Status, resp.StatusCode)
	if status == domain.PaymentStatusFailed {
		return nil, &RejectionError{Gateway: g.Name(), Code: strconv.Itoa(resp.StatusCode), Reason: resp.Description}
	}
	return &SubmitResult{Status: status, VendorRef: resp.FinixRef, UTR: resp.UTR, Raw: raw}, nil
}

func (g *finixpay) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"api_key":        g.cfg.APIKey,
		"transaction_id": pgOrderID,
	})
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/merchant/payout/status", nil, body)
	if err != nil {
		return "", err
	}
	var resp finixpayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	return finixpayStatus(resp.Status, resp.StatusCode), nil
}

func (g *finixpay) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var wh finixpayResponse
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode finixpay webhook: %w", err)
	}
	sig := wh.Hash
	if sig == "" {
		sig = signature
	}
	expected := md5Hex(g.cfg.APIKey, wh.TransactionID, strconv.Itoa(wh.StatusCode), g.cfg.ClientSecret)
	if !hmacEqual(expected, sig) {
		return nil, ErrBadSignature
	}
	if wh.TransactionID == "" {
		return nil, fmt.Errorf("finixpay webhook missing transaction_id")
	}
	return &WebhookEvent{
		PGOrderID: wh.TransactionID,
		VendorRef: wh.FinixRef,
		UTR:       wh.UTR,
		Status:    finixpayStatus(wh.Status, wh.StatusCode),
		Raw:       payload,
	}, nil
}

func finixpayStatus(s string, code int) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS":
		return domain.PaymentStatusSuccess
	case "PENDING":
		return domain.PaymentStatusPending
	case "PROCESSING":
		return domain.PaymentStatusProcessing
	case "FAILED", "REVERSED":
		return domain.PaymentStatusFailed
	}
	// Some deployments omit the word and send only the code.
	switch code {
	case 100:
		return domain.PaymentStatusSuccess
	case 102:
		return domain.PaymentStatusPending
	case 103:
		return domain.PaymentStatusProcessing
	default:
		return domain.PaymentStatusFailed
	}
}
