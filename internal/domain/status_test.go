package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name   string
		mt5    string
		payout string
		want   string
	}{
		{name: "requested", mt5: MT5StatusPending, payout: PayoutStatusPending, want: StatusRequested},
		{name: "debit_failed", mt5: MT5StatusFailed, payout: PayoutStatusPending, want: StatusFailedTerminal},
		{name: "debited_no_dispatch", mt5: MT5StatusDebited, payout: PayoutStatusPending, want: StatusMT5Debited},
		{name: "dispatched", mt5: MT5StatusDebited, payout: PayoutStatusDispatched, want: StatusDispatched},
		{name: "settling", mt5: MT5StatusDebited, payout: PayoutStatusSettling, want: StatusSettling},
		{name: "settled", mt5: MT5StatusDebited, payout: PayoutStatusSuccess, want: StatusSettled},
		{name: "retryable", mt5: MT5StatusDebited, payout: PayoutStatusFailedRetryable, want: StatusFailedRetryable},
		{name: "terminal", mt5: MT5StatusDebited, payout: PayoutStatusFailedTerminal, want: StatusFailedTerminal},
		{name: "refunded", mt5: MT5StatusRefunded, payout: PayoutStatusFailedTerminal, want: StatusRefunded},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DeriveStatus(tc.mt5, tc.payout))
		})
	}
}

func TestIsTerminalStatus(t *testing.T) {
	require.True(t, IsTerminalStatus(StatusSettled))
	require.True(t, IsTerminalStatus(StatusRefunded))
	require.False(t, IsTerminalStatus(StatusFailedTerminal))
	require.False(t, IsTerminalStatus(StatusSettling))
}

func TestParseTransferMethod(t *testing.T) {
	m, err := ParseTransferMethod(" imps ")
	require.NoError(t, err)
	require.Equal(t, TransferIMPS, m)

	m, err = ParseTransferMethod("NEFT")
	require.NoError(t, err)
	require.Equal(t, TransferNEFT, m)

	_, err = ParseTransferMethod("UPI")
	require.Error(t, err)
}

func TestAmountConversions(t *testing.T) {
	a := AmountFromPaise(500000)
	require.Equal(t, int64(500000), a.Paise())
	require.Equal(t, "5000.00", a.VendorString())

	b := AmountFromRupees(decimal.RequireFromString("123.45"))
	require.Equal(t, int64(12345), b.Paise())

	require.True(t, a.Within(10000, 10000000))
	require.False(t, AmountFromPaise(5000).Within(10000, 10000000))
}
