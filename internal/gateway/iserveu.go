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

// iserveu's transfer API reports one of
// INVALID|DUPLICATE|PENDING|FAIL|SUCCESS|DENIED|REFUNDED. INVALID, DUPLICATE
// and DENIED are declines at submit time; REFUNDED means the bank bounced the
// credit after the fact and the attempt is failed.
type iserveu struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newIserveu(cfg models.PaymentGatewayConfig, client *http.Client) *iserveu {
	return &iserveu{cfg: cfg, client: client}
}

func (g *iserveu) Name() string { return ServiceIserveu }

type iserveuTransferRequest struct {
	ClientRefID   string `json:"clientReferenceNo"`
	Amount        string `json:"amount"`
	TransferType  string `json:"transferType"`
	BeneName      string `json:"beneName"`
	BeneAccountNo string `json:"beneAccountNo"`
	BeneIFSC      string `json:"beneifsc"`
	Latlong       string `json:"latlong,omitempty"`
}

type iserveuResponse struct {
	Status        string `json:"status"`
	StatusDesc    string `json:"statusDesc"`
	TransactionID string `json:"transactionId"`
	BankRefNo     string `json:"bankReferenceNo"`
}

func (g *iserveu) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	body, err := json.Marshal(iserveuTransferRequest{
		ClientRefID:   req.PGOrderID,
		Amount:        req.Amount.VendorString(),
		TransferType:  string(req.Method),
		BeneName:      req.Beneficiary.AccountName,
		BeneAccountNo: req.Beneficiary.AccountNumber,
		BeneIFSC:      req.Beneficiary.IFSC,
	})
	if err != nil {
		return nil, fmt.Errorf("encode iserveu transfer: %w", err)
	}

	headers := map[string]string{
		"client_id":     g.cfg.ClientID,
		"client_secret": g.cfg.ClientSecret,
	}
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/generate/payout", headers, body)
	if err != nil {
		return nil, err
	}

	var resp iserveuResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode transfer response: %w", err)}
	}
	switch strings.ToUpper(resp.Status) {
	case "INVALID", "DUPLICATE", "DENIED", "FAIL":
		return nil, &RejectionError{Gateway: g.Name(), Code: strings.ToUpper(resp.Status), Reason: resp.StatusDesc}
	}
	return &SubmitResult{
		Status:    iserveuStatus(resp.Status),
		VendorRef: resp.TransactionID,
		UTR:       resp.BankRefNo,
		Raw:       raw,
	}, nil
}

func (g *iserveu) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{"clientReferenceNo": pgOrderID})
	headers := map[string]string{
		"client_id":     g.cfg.ClientID,
		"client_secret": g.cfg.ClientSecret,
	}
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/statuscheck/payout", headers, body)
	if err != nil {
		return "", err
	}
	var resp iserveuResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	return iserveuStatus(resp.Status), nil
}

type iserveuWebhook struct {
	ClientRefID   string `json:"clientReferenceNo"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	BankRefNo     string `json:"bankReferenceNo"`
}

// ParseWebhook verifies the X-Hook-Signature header: HMAC-SHA256 of the raw
// body with the client secret.
func (g *iserveu) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if !hmacEqual(hmacSHA256Hex(g.cfg.ClientSecret, payload), signature) {
		return nil, ErrBadSignature
	}
	var wh iserveuWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode iserveu webhook: %w", err)
	}
	if wh.ClientRefID == "" {
		return nil, fmt.Errorf("iserveu webhook missing clientReferenceNo")
	}
	return &WebhookEvent{
		PGOrderID: wh.ClientRefID,
		VendorRef: wh.TransactionID,
		UTR:       wh.BankRefNo,
		Status:    iserveuStatus(wh.Status),
		Raw:       payload,
	}, nil
}

func iserveuStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS":
		return domain.PaymentStatusSuccess
	case "PENDING":
		return domain.PaymentStatusPending
	case "INPROGRESS":
		return domain.PaymentStatusProcessing
	case "FAIL", "INVALID", "DUPLICATE", "DENIED", "REFUNDED":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}
