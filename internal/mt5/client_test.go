package mt5

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkfin/mt5-settlement/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestClientDebitReturnsSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/withdraw", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req balanceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "5000.00", req.Amount)

		json.NewEncoder(w).Encode(balanceResponse{
			Success: true,
			Data:    Snapshot{DealID: 991, Margin: 120.5, FreeMargin: 4500.25, Equity: 4620.75},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	snap, err := c.Debit(context.Background(), "10001", domain.AmountFromPaise(500000))
	require.NoError(t, err)
	require.Equal(t, int64(991), snap.DealID)
	require.Equal(t, 4500.25, snap.FreeMargin)
}

func TestClientDebitLedgerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(balanceResponse{
			Success: false,
			Code:    1030,
			Message: "insufficient free margin",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Debit(context.Background(), "10001", domain.AmountFromPaise(500000))

	var lerr *LedgerError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, 1030, lerr.Code)
}

func TestClientCreditTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := c.Credit(context.Background(), "10001", domain.AmountFromPaise(100000))
	require.Error(t, err)

	var lerr *LedgerError
	require.False(t, errors.As(err, &lerr), "transport failure must not be a ledger error")
}
