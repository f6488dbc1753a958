package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unibooks/orderflow/internal/domain"
	"github.com/unibooks/orderflow/internal/gateway"
	"go.uber.org/zap"
)

func payoutRequest() *gateway.PayoutRequest {
	return &gateway.PayoutRequest{
		OrderID:        42,
		SellerAccount:  "100",
		Amount:         decimal.RequireFromString("25.50"),
		IdempotencyKey: "42",
	}
}

func TestPayout_Success(t *testing.T) {
	var gotKey atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gateway.PayoutRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotKey.Store(req.IdempotencyKey)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(gateway.PayoutResponse{PayoutID: "po-123"})
	}))
	defer srv.Close()

	client := gateway.NewPayoutClient(srv.URL, time.Second, 2, zap.NewNop())

	resp, err := client.Payout(context.Background(), payoutRequest())

	require.NoError(t, err)
	assert.Equal(t, "po-123", resp.PayoutID)
	assert.Equal(t, "42", gotKey.Load())
}

func TestPayout_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		_ = json.NewEncoder(w).Encode(gateway.PayoutResponse{PayoutID: "po-retry"})
	}))
	defer srv.Close()

	client := gateway.NewPayoutClient(srv.URL, time.Second, 3, zap.NewNop())

	resp, err := client.Payout(context.Background(), payoutRequest())

	require.NoError(t, err)
	assert.Equal(t, "po-retry", resp.PayoutID)
	assert.Equal(t, int64(2), calls.Load())
}

func TestPayout_InsufficientFundsIsPermanent(t *testing.T) {
	var calls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := gateway.NewPayoutClient(srv.URL, time.Second, 3, zap.NewNop())

	_, err := client.Payout(context.Background(), payoutRequest())

	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(1), calls.Load(), "permanent failures must not be retried")
}

func TestPayout_ExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := gateway.NewPayoutClient(srv.URL, time.Second, 1, zap.NewNop())

	_, err := client.Payout(context.Background(), payoutRequest())

	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}
