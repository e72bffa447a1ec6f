package gateway

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/arkfin/mt5-settlement/internal/models"
	"github.com/stretchr/testify/require"
)

func TestCashfreeParseWebhook(t *testing.T) {
	g := newCashfree(models.PaymentGatewayConfig{ClientSecret: "cf-secret"}, nil)

	payload, err := json.Marshal(map[string]string{
		"event":       "TRANSFER_SUCCESS",
		"transferId":  "pg-order-1",
		"referenceId": "cf-12345",
		"utr":         "UTR0001",
		"status":      "SUCCESS",
	})
	require.NoError(t, err)

	ev, err := g.ParseWebhook(payload, hmacSHA256Hex("cf-secret", payload))
	require.NoError(t, err)
	require.Equal(t, "pg-order-1", ev.PGOrderID)
	require.Equal(t, "cf-12345", ev.VendorRef)
	require.Equal(t, "UTR0001", ev.UTR)
	require.Equal(t, domain.PaymentStatusSuccess, ev.Status)

	_, err = g.ParseWebhook(payload, "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestQikPayParseWebhookStatusVocabulary(t *testing.T) {
	g := newQikPay(models.PaymentGatewayConfig{APIKey: "qk-key", ClientSecret: "qk-secret"}, nil)

	cases := []struct {
		vendor string
		want   string
	}{
		{vendor: "Success", want: domain.PaymentStatusSuccess},
		{vendor: "Pending", want: domain.PaymentStatusPending},
		{vendor: "Processing", want: domain.PaymentStatusProcessing},
		{vendor: "Failed", want: domain.PaymentStatusFailed},
		{vendor: "Refund", want: domain.PaymentStatusFailed},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.vendor, func(t *testing.T) {
			payload, err := json.Marshal(map[string]string{
				"order_id": "pg-order-2",
				"txn_id":   "qk-777",
				"status":   tc.vendor,
				"utr":      "UTR0002",
				"hash":     sha256Hex("qk-key", "pg-order-2", tc.vendor, "qk-secret"),
			})
			require.NoError(t, err)

			ev, err := g.ParseWebhook(payload, "")
			require.NoError(t, err)
			require.Equal(t, tc.want, ev.Status)
		})
	}
}

func TestIserveuStatusVocabulary(t *testing.T) {
	cases := map[string]string{
		"INVALID":   domain.PaymentStatusFailed,
		"DUPLICATE": domain.PaymentStatusFailed,
		"PENDING":   domain.PaymentStatusPending,
		"FAIL":      domain.PaymentStatusFailed,
		"SUCCESS":   domain.PaymentStatusSuccess,
		"DENIED":    domain.PaymentStatusFailed,
		"REFUNDED":  domain.PaymentStatusFailed,
	}
	for vendor, want := range cases {
		require.Equal(t, want, iserveuStatus(vendor), "vendor status %s", vendor)
	}
}

func TestPayAnyTimeParseWebhook(t *testing.T) {
	g := newPayAnyTime(models.PaymentGatewayConfig{ClientID: "pat-m1", ClientSecret: "pat-secret"}, nil)

	payload, err := json.Marshal(map[string]string{
		"merchant_ref":          "pg-order-3",
		"payanytime_trx_id":     "PAT-9",
		"trx_status":            "COMPLETED",
		"bank_reference_number": "UTR0003",
		"sign":                  sha256Hex("pg-order-3", "COMPLETED", "pat-secret"),
	})
	require.NoError(t, err)

	ev, err := g.ParseWebhook(payload, "")
	require.NoError(t, err)
	require.Equal(t, "pg-order-3", ev.PGOrderID)
	require.Equal(t, "UTR0003", ev.UTR)
	require.Equal(t, domain.PaymentStatusSuccess, ev.Status)

	tampered, err := json.Marshal(map[string]string{
		"merchant_ref":          "pg-order-3",
		"trx_status":            "FAILED",
		"bank_reference_number": "UTR0003",
		"sign":                  sha256Hex("pg-order-3", "COMPLETED", "pat-secret"),
	})
	require.NoError(t, err)
	_, err = g.ParseWebhook(tampered, "")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestFinixPayParseWebhook(t *testing.T) {
	g := newFinixPay(models.PaymentGatewayConfig{APIKey: "fx-key", ClientSecret: "fx-secret"}, nil)

	payload, err := json.Marshal(map[string]any{
		"status":         "FAILED",
		"status_code":    105,
		"transaction_id": "pg-order-4",
		"finix_ref":      "FX-55",
		"hash":           md5Hex("fx-key", "pg-order-4", fmt.Sprintf("%d", 105), "fx-secret"),
	})
	require.NoError(t, err)

	ev, err := g.ParseWebhook(payload, "")
	require.NoError(t, err)
	require.Equal(t, "pg-order-4", ev.PGOrderID)
	require.Equal(t, domain.PaymentStatusFailed, ev.Status)
}

func TestFinixPayStatusCodeFallback(t *testing.T) {
	require.Equal(t, domain.PaymentStatusSuccess, finixpayStatus("", 100))
	require.Equal(t, domain.PaymentStatusPending, finixpayStatus("", 102))
	require.Equal(t, domain.PaymentStatusProcessing, finixpayStatus("", 103))
	require.Equal(t, domain.PaymentStatusFailed, finixpayStatus("", 500))
}
