package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
)

// LedgerError is a definitive business failure from the MT5 bridge (unknown
// login, insufficient free margin, trading disabled). It is never retried
// blindly: a failed debit halts the saga before any money is considered
// moved.
type LedgerError struct {
	Code    int
	Message string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("mt5 ledger error %d: %s", e.Code, e.Message)
}

// Snapshot is the account state the bridge returns with every balance
// operation. It is persisted with the withdrawal and never overwritten.
type Snapshot struct {
	DealID     int64   `json:"dealid"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freemargin"`
	Equity     float64 `json:"equity"`
}

// Config carries the bridge connection settings, loaded once and passed in
// explicitly.
type Config struct {
	BaseURL  string
	APIKey   string
	Country  string
	Leverage int
	Timeout  time.Duration
}

// Client wraps the MT5 manager bridge's deposit/withdraw endpoints.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type balanceRequest struct {
	MT5ID   string `json:"mt5_id"`
	Amount  string `json:"amount"`
	Comment string `json:"comment,omitempty"`
}

type balanceResponse struct {
	Success bool     `json:"success"`
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    Snapshot `json:"data"`
}

// Debit removes amount from the trading balance. A non-success response is a
// LedgerError; transport failures are returned wrapped so the caller can tell
// the two apart.
func (c *Client) Debit(ctx context.Context, mt5ID string, amount domain.Amount) (*Snapshot, error) {
	return c.balanceOp(ctx, "/api/v1/withdraw", mt5ID, amount)
}

// Credit adds amount back to the trading balance, used for compensating
// refunds.
func (c *Client) Credit(ctx context.Context, mt5ID string, amount domain.Amount) (*Snapshot, error) {
	return c.balanceOp(ctx, "/api/v1/deposit", mt5ID, amount)
}

func (c *Client) balanceOp(ctx context.Context, path, mt5ID string, amount domain.Amount) (*Snapshot, error) {
	body, err := json.Marshal(balanceRequest{
		MT5ID:  mt5ID,
		Amount: amount.VendorString(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode mt5 request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build mt5 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mt5 %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read mt5 response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("mt5 %s: http %d", path, resp.StatusCode)
	}

	var parsed balanceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode mt5 response: %w", err)
	}
	if !parsed.Success {
		return nil, &LedgerError{Code: parsed.Code, Message: parsed.Message}
	}
	snap := parsed.Data
	return &snap, nil
}
