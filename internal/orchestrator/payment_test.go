package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/money"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers/fake"
)

func paymentRequest(key string) PaymentRequest {
	return PaymentRequest{
		UserID:         "user-1",
		AmountMinor:    5000,
		Currency:       "USD",
		Method:         payments.MethodCard,
		IdempotencyKey: key,
	}
}

func TestProcessPayment_Succeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessPayment(ctx, paymentRequest("k1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "alpha", res.ProviderID)
	assert.Equal(t, payments.TransactionCompleted, res.Status)
	assert.Equal(t, "payment:k1", res.IdempotencyKey)
	require.NotNil(t, res.Fee)
	assert.Equal(t, money.New(145, money.USD), *res.Fee)
	assert.Equal(t, []Attempt{{ProviderID: "alpha", Outcome: AttemptSucceeded}}, res.Attempts)

	tx, err := f.svc.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, payments.TransactionCompleted, tx.Status)
	assert.Equal(t, "alpha", tx.ProviderID)
	assert.Equal(t, res.ProviderReference, tx.ProviderRef)

	assert.Len(t, f.audit.ByAction(audit.ActionTransactionCreated), 1)
	assert.Len(t, f.audit.ByAction(audit.ActionTransactionUpdated), 1)
	assert.Equal(t, []string{events.EventPaymentCompleted}, f.eventTypes())
}

func TestProcessPayment_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.ProcessPayment(ctx, paymentRequest("same"))
	require.NoError(t, err)
	second, err := f.svc.ProcessPayment(ctx, paymentRequest("same"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.fakes["alpha"].Calls(fake.OpPayment))

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, string(a), string(b))
}

func TestProcessPayment_FallsBackAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Err: fake.ErrUnavailable})

	res, err := f.svc.ProcessPayment(context.Background(), paymentRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.ProviderID)
	require.NotNil(t, res.Fee)
	assert.Equal(t, int64(175), res.Fee.AmountMinor)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, AttemptFailed, res.Attempts[0].Outcome)
	assert.Contains(t, res.Attempts[0].Reason, "unavailable")
	assert.Equal(t, AttemptSucceeded, res.Attempts[1].Outcome)

	assert.Equal(t, 1, f.health.Snapshot("alpha").ConsecutiveFailures)
	assert.Zero(t, f.health.Snapshot("beta").ConsecutiveFailures)
	assert.Len(t, f.audit.ByAction(audit.ActionProviderFailure), 1)
}

func TestProcessPayment_DeclineCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Decline: "card_declined"})

	res, err := f.svc.ProcessPayment(context.Background(), paymentRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.ProviderID)
	assert.Equal(t, "card_declined", res.Attempts[0].Reason)
	assert.Equal(t, "card_declined", f.health.Snapshot("alpha").LastReason)
}

func TestProcessPayment_OpenCircuitIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Err: fake.ErrUnavailable})
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		_, err := f.svc.ProcessPayment(ctx, paymentRequest(key))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.fakes["alpha"].Calls(fake.OpPayment))
	assert.Len(t, f.audit.ByAction(audit.ActionCircuitTransition), 1)
	assert.Contains(t, f.eventTypes(), events.EventCircuitOpened)

	res, err := f.svc.ProcessPayment(ctx, paymentRequest("k4"))
	require.NoError(t, err)
	assert.Equal(t, 3, f.fakes["alpha"].Calls(fake.OpPayment))
	assert.Equal(t, Attempt{ProviderID: "alpha", Outcome: AttemptSkipped, Reason: SkipCircuitOpen}, res.Attempts[0])
	assert.Equal(t, "beta", res.ProviderID)
}

func TestProcessPayment_ExhaustionIsCached(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Err: fake.ErrUnavailable})
	f.fakes["beta"].Set(fake.Behavior{Decline: "insufficient_funds"})
	ctx := context.Background()

	res, err := f.svc.ProcessPayment(ctx, paymentRequest("k1"))
	require.ErrorIs(t, err, payments.ErrExhausted)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, payments.CodeExhausted, res.Code)
	assert.Equal(t, payments.TransactionFailed, res.Status)
	assert.Contains(t, res.Error, "beta: insufficient_funds")

	tx, err := f.svc.GetTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, payments.TransactionFailed, tx.Status)
	assert.Equal(t, res.Error, tx.FailureReason)
	assert.Equal(t, []string{events.EventPaymentFailed}, f.eventTypes())

	again, err := f.svc.ProcessPayment(ctx, paymentRequest("k1"))
	require.ErrorIs(t, err, payments.ErrExhausted)
	assert.Equal(t, res.TransactionID, again.TransactionID)
	assert.Equal(t, 1, f.fakes["alpha"].Calls(fake.OpPayment))
	assert.Equal(t, 1, f.fakes["beta"].Calls(fake.OpPayment))
}

func TestProcessPayment_ProviderPanicIsAFailure(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Panic: "nil map write"})

	res, err := f.svc.ProcessPayment(context.Background(), paymentRequest("k1"))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.ProviderID)
	assert.Contains(t, res.Attempts[0].Reason, "panicked")
	assert.Equal(t, 1, f.health.Snapshot("alpha").ConsecutiveFailures)
}

func TestProcessPayment_SkipReasons(t *testing.T) {
	t.Run("preferred provider goes first", func(t *testing.T) {
		f := newFixture(t)
		req := paymentRequest("k1")
		req.PreferredProvider = "beta"

		res, err := f.svc.ProcessPayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "beta", res.ProviderID)
		assert.Zero(t, f.fakes["alpha"].Calls(fake.OpPayment))
	})

	t.Run("unknown preferred provider", func(t *testing.T) {
		f := newFixture(t)
		req := paymentRequest("k1")
		req.PreferredProvider = "ghost"

		res, err := f.svc.ProcessPayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, Attempt{ProviderID: "ghost", Outcome: AttemptSkipped, Reason: SkipUnknownProvider}, res.Attempts[0])
		assert.Equal(t, "alpha", res.ProviderID)
	})

	t.Run("payout provider is not a payment candidate", func(t *testing.T) {
		f := newFixture(t)
		req := paymentRequest("k1")
		req.PreferredProvider = "paxum"

		res, err := f.svc.ProcessPayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, SkipUnknownProvider, res.Attempts[0].Reason)
	})

	t.Run("unsupported currency", func(t *testing.T) {
		f := newFixture(t)
		f.fakes["alpha"].Set(fake.Behavior{Err: fake.ErrUnavailable})
		req := paymentRequest("k1")
		req.Currency = "EUR"

		res, err := f.svc.ProcessPayment(context.Background(), req)
		require.ErrorIs(t, err, payments.ErrExhausted)
		assert.Equal(t, Attempt{ProviderID: "beta", Outcome: AttemptSkipped, Reason: SkipUnsupportedCurrency}, res.Attempts[1])
		assert.Zero(t, f.fakes["beta"].Calls(fake.OpPayment))
	})

	t.Run("rejected payment data does not touch health", func(t *testing.T) {
		f := newFixture(t)
		f.fakes["alpha"].Set(fake.Behavior{Reject: errors.New("missing card token")})

		res, err := f.svc.ProcessPayment(context.Background(), paymentRequest("k1"))
		require.NoError(t, err)
		assert.Equal(t, SkipRejectedRequest, res.Attempts[0].Reason)
		assert.Zero(t, f.fakes["alpha"].Calls(fake.OpPayment))
		assert.Zero(t, f.health.Snapshot("alpha").ConsecutiveFailures)
	})
}

func TestProcessPayment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PaymentRequest)
	}{
		{"zero amount", func(r *PaymentRequest) { r.AmountMinor = 0 }},
		{"negative amount", func(r *PaymentRequest) { r.AmountMinor = -5 }},
		{"missing user", func(r *PaymentRequest) { r.UserID = "" }},
		{"unknown currency", func(r *PaymentRequest) { r.Currency = "XXX" }},
		{"malformed currency", func(r *PaymentRequest) { r.Currency = "US" }},
		{"unknown method", func(r *PaymentRequest) { r.Method = "barter" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := paymentRequest("k1")
			tt.mutate(&req)

			res, err := f.svc.ProcessPayment(context.Background(), req)
			require.ErrorIs(t, err, payments.ErrValidation)
			assert.Nil(t, res)
			assert.Zero(t, f.fakes["alpha"].Calls(fake.OpPayment))
		})
	}
}

func TestProcessPayment_ConcurrentSameKeyChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Delay: 50 * time.Millisecond})

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.ProcessPayment(context.Background(), paymentRequest("shared"))
			if assert.NoError(t, err) {
				ids[i] = res.TransactionID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.fakes["alpha"].Calls(fake.OpPayment))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSaveTransaction_WebhookWinsRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := payments.NewTransaction("tx-1", "user-1", money.New(5000, money.USD), payments.MethodCard, "", "payment:k1")
	require.NoError(t, f.store.CreateTransaction(ctx, tx))

	// A webhook completes the transaction while the synchronous path still holds a pending copy.
	stored, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.NoError(t, stored.MarkCompleted("alpha", ""))
	require.NoError(t, f.store.UpdateTransaction(ctx, stored, payments.TransactionPending))

	require.NoError(t, tx.MarkFailed("timeout"))
	got := f.svc.saveTransaction(ctx, tx, payments.TransactionPending)
	assert.Equal(t, payments.TransactionCompleted, got.Status)

	tx2, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, payments.TransactionCompleted, tx2.Status)
	assert.Empty(t, tx2.FailureReason)
}
