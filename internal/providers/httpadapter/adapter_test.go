package httpadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorpay/internal/common/money"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		ID:      "stripe",
		BaseURL: srv.URL,
		APIKey:  "sk_test",
		RequiredFields: map[payments.Method][]string{
			payments.MethodCard: {"token"},
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessPayment_Success(t *testing.T) {
	var got map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "payment:k1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"ch_1","status":"succeeded"}`))
	})

	resp, err := a.ProcessPayment(context.Background(), providers.PaymentRequest{
		TransactionID:  "tx_1",
		UserID:         "u1",
		Amount:         money.New(1250, money.USD),
		Method:         payments.MethodCard,
		IdempotencyKey: "payment:k1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "ch_1", resp.ProviderTransactionID)
	assert.Equal(t, "12.50", got["amount"])
	assert.EqualValues(t, 1250, got["amount_minor"])
	assert.Equal(t, "USD", got["currency"])
	assert.Equal(t, "tx_1", got["reference"])
}

func TestProcessPayment_Decline(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"id":"ch_2","status":"declined","error":"insufficient_funds"}`))
	})

	resp, err := a.ProcessPayment(context.Background(), providers.PaymentRequest{
		TransactionID: "tx_2",
		Amount:        money.New(100, money.USD),
		Method:        payments.MethodCard,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_funds", resp.Error)
}

func TestProcessPayment_ServerError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := a.ProcessPayment(context.Background(), providers.PaymentRequest{
		Amount: money.New(100, money.USD),
	})
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
}

func TestProcessPayout(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payouts", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"po_9","status":"in_transit","estimated_arrival":"2026-01-02T00:00:00Z"}`))
	})

	resp, err := a.ProcessPayout(context.Background(), providers.PayoutRequest{
		PayoutID:    "p1",
		CreatorID:   "c1",
		Amount:      money.New(5000, money.EUR),
		Destination: payments.Destination{Type: payments.MethodBank, Account: "DE89"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "po_9", resp.ProviderPayoutID)
	require.NotNil(t, resp.EstimatedArrival)
	assert.Equal(t, 2026, resp.EstimatedArrival.Year())
}

func TestGetPayoutStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payouts/po_9", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"po_9","status":"paid"}`))
	})

	st, err := a.GetPayoutStatus(context.Background(), "po_9")
	require.NoError(t, err)
	assert.Equal(t, "paid", st.Status)
	assert.Equal(t, "po_9", st.ProviderReference)
}

func TestValidatePaymentData(t *testing.T) {
	a := New(Config{ID: "stripe", RequiredFields: map[payments.Method][]string{
		payments.MethodCard: {"token"},
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, a.ValidatePaymentData(payments.MethodCard, nil))
	assert.NoError(t, a.ValidatePaymentData(payments.MethodCard, map[string]string{"token": "tok"}))
	assert.NoError(t, a.ValidatePaymentData(payments.MethodEWallet, nil))
}
