package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is an INR value stored as BIGINT paise (10^-2) to avoid floating
// point errors end to end. Vendor APIs that want rupee strings get them via
// shopspring/decimal at the adapter boundary.
type Amount int64

// AmountFromPaise wraps a raw paise value.
func AmountFromPaise(paise int64) Amount {
	return Amount(paise)
}

// AmountFromRupees converts a rupee decimal to paise, rounding to the paisa.
func AmountFromRupees(d decimal.Decimal) Amount {
	return Amount(d.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// Paise returns the raw paise value.
func (a Amount) Paise() int64 {
	return int64(a)
}

// Rupees returns the value as a rupee decimal.
func (a Amount) Rupees() decimal.Decimal {
	return decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(100))
}

// VendorString formats the amount the way payout APIs expect it: rupees with
// two decimal places.
func (a Amount) VendorString() string {
	return a.Rupees().StringFixed(2)
}

// Within reports whether the amount falls inside the inclusive [min, max]
// paise band.
func (a Amount) Within(minPaise, maxPaise int64) bool {
	return int64(a) >= minPaise && int64(a) <= maxPaise
}

// String renders the amount for logs.
func (a Amount) String() string {
	return fmt.Sprintf("INR %s", a.Rupees().StringFixed(2))
}
