package models

import (
	"errors"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrAttemptNotFound    = errors.New("gateway attempt not found")
)

// Beneficiary is the payment-method snapshot captured at request time. The
// customer may later edit their saved details; settlement always uses this
// copy.
type Beneficiary struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	IFSC          string `json:"ifsc"`
	UPI           string `json:"upi,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
}

// MT5Snapshot is the trading-ledger state captured when the debit deal is
// booked. Immutable once written.
type MT5Snapshot struct {
	DealID     int64   `json:"dealid"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freemargin"`
	Equity     float64 `json:"equity"`
}

// WithdrawTransaction is one customer withdrawal request.
type WithdrawTransaction struct {
	TransactionID       uuid.UUID             `json:"transaction_id"`
	CustomerID          uuid.UUID             `json:"customer_id"`
	MT5ID               string                `json:"mt5_id"`
	AmountPaise         int64                 `json:"amount_paise"`
	Method              domain.TransferMethod `json:"transfer_method"`
	Beneficiary         Beneficiary           `json:"beneficiary"`
	MT5Status           string                `json:"mt5_status"`
	PayoutStatus        string                `json:"payout_status"`
	PaymentFailCount    int32                 `json:"payment_fail_count"`
	PGTask              bool                  `json:"pg_task"`
	RefundTransactionID *uuid.UUID            `json:"refund_transaction_id,omitempty"`
	Ledger              *MT5Snapshot          `json:"mt5_snapshot,omitempty"`
	Deleted             bool                  `json:"-"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// Amount returns the withdrawal amount as a typed value.
func (w *WithdrawTransaction) Amount() domain.Amount {
	return domain.AmountFromPaise(w.AmountPaise)
}

// Status is the derived overall status of the withdrawal.
func (w *WithdrawTransaction) Status() string {
	return domain.DeriveStatus(w.MT5Status, w.PayoutStatus)
}

// PgTransactionAttempt is one dispatch of a withdrawal to a specific gateway.
// Rows are append-only per withdrawal; a fresh pg_order_id is generated for
// every attempt and never reused across retries.
type PgTransactionAttempt struct {
	PGOrderID        string    `json:"pg_order_id"`
	TransactionID    uuid.UUID `json:"transaction_id"`
	GatewayID        int64     `json:"pg_id"`
	GatewayService   string    `json:"pg_service"`
	PaymentStatus    string    `json:"payment_status"`
	UnderProcessing  bool      `json:"under_processing"`
	PaymentFailCount int32     `json:"payment_fail_count"`
	UTR              *string   `json:"utr_id,omitempty"`
	PaymentOrderID   *string   `json:"payment_order_id,omitempty"`
	APIError         *string   `json:"api_error,omitempty"`
	CreatedAt        time.Time `json:"payment_creation_date"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PaymentGatewayConfig is the static per-provider routing and capability row.
// Read-only to this service; the admin layer owns mutation.
type PaymentGatewayConfig struct {
	ID           int64  `json:"pg_id"`
	Service      string `json:"pg_service"`
	Active       bool   `json:"active"`
	Deleted      bool   `json:"-"`
	Priority     int32  `json:"priority"`
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"-"`
	ClientSecret string `json:"-"`
	APIKey       string `json:"-"`

	IMPSEnabled bool  `json:"imps"`
	IMPSMin     int64 `json:"imps_min"`
	IMPSMax     int64 `json:"imps_max"`
	NEFTEnabled bool  `json:"neft"`
	NEFTMin     int64 `json:"neft_min"`
	NEFTMax     int64 `json:"neft_max"`
	RTGSEnabled bool  `json:"rtgs"`
	RTGSMin     int64 `json:"rtgs_min"`
	RTGSMax     int64 `json:"rtgs_max"`
}

// MethodBand returns whether the method is enabled and its [min, max] paise
// band.
func (c *PaymentGatewayConfig) MethodBand(m domain.TransferMethod) (enabled bool, minPaise, maxPaise int64) {
	switch m {
	case domain.TransferIMPS:
		return c.IMPSEnabled, c.IMPSMin, c.IMPSMax
	case domain.TransferNEFT:
		return c.NEFTEnabled, c.NEFTMin, c.NEFTMax
	case domain.TransferRTGS:
		return c.RTGSEnabled, c.RTGSMin, c.RTGSMax
	default:
		return false, 0, 0
	}
}

// Accepts reports whether this config can route the given amount over the
// given method.
func (c *PaymentGatewayConfig) Accepts(amount domain.Amount, m domain.TransferMethod) bool {
	if !c.Active || c.Deleted {
		return false
	}
	enabled, minPaise, maxPaise := c.MethodBand(m)
	return enabled && amount.Within(minPaise, maxPaise)
}

// SettlementEvent is one append-only history row, written in the same
// transaction as the state mutation it records.
type SettlementEvent struct {
	ID            int64      `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	PGOrderID     *string    `json:"pg_order_id,omitempty"`
	ActorID       *uuid.UUID `json:"actor_id,omitempty"`
	Action        string     `json:"action"`
	PrevStatus    string     `json:"prev_status"`
	NextStatus    string     `json:"next_status"`
	Metadata      []byte     `json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
