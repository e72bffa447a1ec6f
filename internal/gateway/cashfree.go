package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"net/http"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
)

// cashfree implements the Cashfree Payouts transfer API. Auth is via client
// id/secret headers; webhooks are signed with an HMAC-SHA256 over the raw
// body using the client secret.
type cashfree struct {
	cfg    models.PaymentGatewayConfig
	client *http.Client
}

func newCashfree(cfg models.PaymentGatewayConfig, client *http.Client) *cashfree {
	return &cashfree{cfg: cfg, client: client}
}

func (g *cashfree) Name() string { return ServiceCashfree }

type cashfreeTransferRequest struct {
	TransferID   string `json:"transferId"`
	Amount       string `json:"amount"`
	TransferMode string `json:"transferMode"`
	BeneName     string `json:"beneName"`
	BeneAccount  string `json:"beneAccount"`
	BeneIFSC     string `json:"beneIfsc"`
	Remarks      string `json:"remarks,omitempty"`
}

type cashfreeTransferResponse struct {
	Status  string `json:"status"`
	SubCode string `json:"subCode"`
	Message string `json:"message"`
	Data    struct {
		ReferenceID string `json:"referenceId"`
		UTR         string `json:"utr"`
	} `json:"data"`
}

func (g *cashfree) Submit(ctx context.Context, req PayoutRequest) (*SubmitResult, error) {
	body, err := json.Marshal(cashfreeTransferRequest{
		TransferID:   req.PGOrderID,
		Amount:       req.Amount.VendorString(),
		TransferMode: strings.ToLower(string(req.Method)),
		BeneName:     req.Beneficiary.AccountName,
		BeneAccount:  req.Beneficiary.AccountNumber,
		BeneIFSC:     req.Beneficiary.IFSC,
		Remarks:      req.Remark,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cashfree transfer: %w", err)
	}

	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/payout/v1/requestTransfer", g.headers(), body)
	if err != nil {
		return nil, err
	}

	var resp cashfreeTransferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode transfer response: %w", err)}
	}
	switch strings.ToUpper(resp.Status) {
	case "SUCCESS", "PENDING":
		return &SubmitResult{
			Status:    cashfreeStatus(resp.Status),
			VendorRef: resp.Data.ReferenceID,
			UTR:       resp.Data.UTR,
			Raw:       raw,
		}, nil
	default:
		return nil, &RejectionError{Gateway: g.Name(), Code: resp.SubCode, Reason: resp.Message}
	}
}

type cashfreeStatusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Transfer struct {
			Status string `json:"status"`
			UTR    string `json:"utr"`
		} `json:"transfer"`
	} `json:"data"`
}

func (g *cashfree) CheckStatus(ctx context.Context, pgOrderID, vendorRef string) (string, error) {
	body, _ := json.Marshal(map[string]string{"transferId": pgOrderID})
	raw, _, err := postJSON(ctx, g.client, g.Name(), g.cfg.BaseURL+"/payout/v1/getTransferStatus", g.headers(), body)
	if err != nil {
		return "", err
	}
	var resp cashfreeStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &NetworkError{Gateway: g.Name(), Err: fmt.Errorf("decode status response: %w", err)}
	}
	return cashfreeStatus(resp.Data.Transfer.Status), nil
}

type cashfreeWebhook struct {
	Event       string `json:"event"`
	TransferID  string `json:"transferId"`
	ReferenceID string `json:"referenceId"`
	UTR         string `json:"utr"`
	Status      string `json:"status"`
}

func (g *cashfree) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if !hmacEqual(hmacSHA256Hex(g.cfg.ClientSecret, payload), signature) {
		return nil, ErrBadSignature
	}
	var wh cashfreeWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, fmt.Errorf("decode cashfree webhook: %w", err)
	}
	if wh.TransferID == "" {
		return nil, fmt.Errorf("cashfree webhook missing transferId")
	}
	return &WebhookEvent{
		PGOrderID: wh.TransferID,
		VendorRef: wh.ReferenceID,
		UTR:       wh.UTR,
		Status:    cashfreeStatus(wh.Status),
		Raw:       payload,
	}, nil
}

func (g *cashfree) headers() map[string]string {
	return map[string]string{
		"X-Client-Id":     g.cfg.ClientID,
		"X-Client-Secret": g.cfg.ClientSecret,
	}
}

// cashfreeStatus maps the vendor vocabulary onto the shared enum.
func cashfreeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "SUCCESS":
		return domain.PaymentStatusSuccess
	case "PENDING":
		return domain.PaymentStatusPending
	case "PROCESSING", "ACCEPTED":
		return domain.PaymentStatusProcessing
	case "FAILED", "REJECTED", "REVERSED", "ERROR":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}
