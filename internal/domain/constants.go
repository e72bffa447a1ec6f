package domain

import (
	"fmt"
	"strings"
)

// Ledger-leg (MT5) status axis.
const (
	MT5StatusPending  = "PENDING"
	MT5StatusDebited  = "DEBITED"
	MT5StatusFailed   = "FAILED"
	MT5StatusRefunded = "REFUNDED"
)

// Bank-leg (payout) status axis.
const (
	PayoutStatusPending         = "PENDING"
	PayoutStatusDispatched      = "DISPATCHED"
	PayoutStatusSettling        = "SETTLING"
	PayoutStatusSuccess         = "SUCCESS"
	PayoutStatusFailedRetryable = "FAILED_RETRYABLE"
	PayoutStatusFailedTerminal  = "FAILED_TERMINAL"
)

// Vendor-normalized status of a single gateway attempt.
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusSuccess    = "SUCCESS"
	PaymentStatusFailed     = "FAILED"
)

// Derived overall withdrawal status. Never stored; always computed from the
// two axes via DeriveStatus.
const (
	StatusRequested       = "requested"
	StatusMT5Debited      = "mt5_debited"
	StatusDispatched      = "dispatched"
	StatusSettling        = "settling"
	StatusSettled         = "settled"
	StatusFailedRetryable = "failed_retryable"
	StatusFailedTerminal  = "failed_terminal"
	StatusRefunded        = "refunded"
)

// DeriveStatus computes the overall withdrawal status from the MT5 and payout
// axes. The overall status is a pure function of the pair, so the inconsistent
// triples the source schema allowed cannot be represented.
func DeriveStatus(mt5Status, payoutStatus string) string {
	switch mt5Status {
	case MT5StatusPending:
		return StatusRequested
	case MT5StatusFailed:
		return StatusFailedTerminal
	case MT5StatusRefunded:
		return StatusRefunded
	case MT5StatusDebited:
		switch payoutStatus {
		case PayoutStatusPending:
			return StatusMT5Debited
		case PayoutStatusDispatched:
			return StatusDispatched
		case PayoutStatusSettling:
			return StatusSettling
		case PayoutStatusSuccess:
			return StatusSettled
		case PayoutStatusFailedRetryable:
			return StatusFailedRetryable
		case PayoutStatusFailedTerminal:
			return StatusFailedTerminal
		}
	}
	return StatusRequested
}

// IsTerminalStatus reports whether the derived status permits no further
// mutation on either axis.
func IsTerminalStatus(status string) bool {
	return status == StatusSettled || status == StatusRefunded
}

// IsTerminalPaymentStatus reports whether an attempt status is final.
func IsTerminalPaymentStatus(status string) bool {
	return status == PaymentStatusSuccess || status == PaymentStatusFailed
}

// TransferMethod is an Indian interbank transfer rail.
type TransferMethod string

const (
	TransferIMPS TransferMethod = "IMPS"
	TransferNEFT TransferMethod = "NEFT"
	TransferRTGS TransferMethod = "RTGS"
)

// ParseTransferMethod normalizes and validates a transfer method string.
func ParseTransferMethod(s string) (TransferMethod, error) {
	switch TransferMethod(strings.ToUpper(strings.TrimSpace(s))) {
	case TransferIMPS:
		return TransferIMPS, nil
	case TransferNEFT:
		return TransferNEFT, nil
	case TransferRTGS:
		return TransferRTGS, nil
	default:
		return "", fmt.Errorf("unsupported transfer method: %q", s)
	}
}
