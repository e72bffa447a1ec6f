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

// qikpay speaks a JSON payout API authenticated by a request hash:
// SHA-256(api_key|order_id|amount|secret). Its status vocabulary is
// Success|Pending|Processing|Failed|Refund.
type qikpay struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newQikPay(cfg models.PaymentGatewayConfig, client *http.Client) *qikpay {
	return &qikpay{cfg: cfg, client: client}
}

func (g *qikpay) Name() string { return ServiceQikPay }

type qikpayPayoutRequest struct {
	APIKey      string `json:"api_key"`
	OrderID     string `json:"order_id"`
	Amount      string `json:"amount"`
	Mode        string `json:"payment_mode"`
	AccountName string `json:"account_holder"`
	AccountNo   string `json:"account_no"`
	IFSC        string `json:"ifsc"`
	Hash        string `json:"hash"`
}

type qikpayResponse struct {
	Status  string `json:"status"`
	TxnID   string `json:"txn_id"`
	UTR     string `json:"utr"`
	Message string `json:"message"`
}

func (g *qikpay) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	amount := req.Amount.VendorString()
	body, err := json.Marshal(qikpayPayoutRequest{
		APIKey:      g.cfg.APIKey,
		OrderID:     req.PGOrderID,
		Amount:      amount,
		Mode:        string(req.Method),
		AccountName: req.Beneficiary.AccountName,
		AccountNo:   req.Beneficiary.AccountNumber,
		IFSC:        req.Beneficiary.IFSC,
		Hash:        g.requestHash(req.PGOrderID, amount),
	})
	if err != nil {
		return nil, fmt.Errorf("encode qikpay payout: %w", err)
	}

	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/api/v2/payout", nil, body)
	if err != nil {
		return nil, err
	}

	var resp qikpayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode payout response: %w", err)}
	}
	status := qikpayStatus(resp.Status)
	if status == domain.PaymentStatusFailed {
		return nil, &RejectionError{Gateway: g.Name(), Code: resp.Status, Reason: resp.Message}
	}
	return &SubmitResult{Status: status, VendorRef: resp.TxnID, UTR: resp.UTR, Raw: raw}, nil
}

func (g *qikpay) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"api_key":  g.cfg.APIKey,
		"order_id": pgOrderID,
		"hash":     g.requestHash(pgOrderID, ""),
	})
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/api/v2/payout/status", nil, body)
	if err != nil {
		return "", err
	}
	var resp qikpayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	return qikpayStatus(resp.Status), nil
}

type qikpayWebhook struct {
	OrderID string `json:"order_id"`
	TxnID   string `json:"txn_id"`
	Status  string `json:"status"`
	UTR     string `json:"utr"`
	Hash    string `json:"hash"`
}

// ParseWebhook verifies hash = SHA-256(api_key|order_id|status|secret).
func (g *qikpay) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	var wh qikpayWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode qikpay webhook: %w", err)
	}
	sig := wh.Hash
	if sig == "" {
		sig = signature
	}
	expected := sha256Hex(g.cfg.APIKey, wh.OrderID, wh.Status, g.cfg.ClientSecret)
	if !hmacEqual(expected, sig) {
		return nil, ErrBadSignature
	}
	if wh.OrderID == "" {
		return nil, fmt.Errorf("qikpay webhook missing order_id")
	}
	return &WebhookEvent{
		PGOrderID: wh.OrderID,
		VendorRef: wh.TxnID,
		UTR:       wh.UTR,
		Status:    qikpayStatus(wh.Status),
		Raw:       payload,
	}, nil
}

func (g *qikpay) requestHash(orderID, amount string) string {
	return sha256Hex(g.cfg.APIKey, orderID, amount, g.cfg.ClientSecret)
}

func qikpayStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return domain.PaymentStatusSuccess
	case "pending":
		return domain.PaymentStatusPending
	case "processing":
		return domain.PaymentStatusProcessing
	case "failed", "refund":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}
