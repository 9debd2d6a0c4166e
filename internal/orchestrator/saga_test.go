package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/ledger"
	"creatorpay/internal/ledger/mocks"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers/fake"
	"creatorpay/internal/webhook"
)

func withdrawalRequest(amountMinor int64, key string) WithdrawalRequest {
	return WithdrawalRequest{PayoutRequest: payoutRequest("creator-1", amountMinor, key)}
}

func balance(t *testing.T, f *fixture, walletID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), walletID)
	require.NoError(t, err)
	return b
}

// panickingStore blows up while the payout record is being created.
type panickingStore struct {
	*payments.MemoryStore
}

func (panickingStore) CreatePayout(context.Context, *payments.Payout) error {
	panic("payout store unavailable")
}

// recordPanicStore accepts the payout record but panics when asked to store
// the provider's acceptance.
type recordPanicStore struct {
	*payments.MemoryStore
}

func (s recordPanicStore) UpdatePayout(ctx context.Context, p *payments.Payout, expected payments.PayoutStatus) error {
	if p.Status == payments.PayoutProcessing {
		panic("payout store unavailable")
	}
	return s.MemoryStore.UpdatePayout(ctx, p, expected)
}

// callbackFirstStore fails the stored payout, as a provider callback would,
// just before the accepted status is written.
type callbackFirstStore struct {
	*payments.MemoryStore
}

func (s callbackFirstStore) UpdatePayout(ctx context.Context, p *payments.Payout, expected payments.PayoutStatus) error {
	if p.Status == payments.PayoutProcessing {
		stored, err := s.MemoryStore.GetPayout(ctx, p.ID)
		if err == nil && stored.Status == payments.PayoutPending {
			if err := stored.MarkFailed("provider reported failed"); err == nil {
				_ = s.MemoryStore.UpdatePayout(ctx, stored, payments.PayoutPending)
			}
		}
	}
	return s.MemoryStore.UpdatePayout(ctx, p, expected)
}

func TestProcessWithdrawal_Succeeds(t *testing.T) {
	f := newFixture(t)
	wallet := f.ledger.Fund("creator-1", 10000)

	res, err := f.svc.ProcessWithdrawal(context.Background(), withdrawalRequest(5000, "w1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, wallet, res.WalletID)
	assert.NotEmpty(t, res.LedgerTransactionID)
	assert.Empty(t, res.RefundTransactionID)
	require.NotNil(t, res.Payout)
	assert.Equal(t, res.PayoutID, res.Payout.PayoutID)
	assert.Equal(t, payments.PayoutProcessing, res.Payout.Status)
	assert.Equal(t, int64(5000), balance(t, f, wallet))

	entries := f.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.RefPayout, entries[0].ReferenceType)
	assert.Equal(t, res.PayoutID, entries[0].ReferenceID)
	assert.Len(t, f.audit.ByAction(audit.ActionLedgerDebit), 1)
}

func TestProcessWithdrawal_CompensatesFailedPayout(t *testing.T) {
	f := newFixture(t)
	wallet := f.ledger.Fund("creator-1", 10000)
	f.fakes["paxum"].Set(fake.Behavior{Err: fake.ErrUnavailable})
	f.fakes["ipayout"].Set(fake.Behavior{Decline: "account_closed"})

	res, err := f.svc.ProcessWithdrawal(context.Background(), withdrawalRequest(5000, "w1"))
	require.ErrorIs(t, err, payments.ErrExhausted)
	assert.False(t, payments.IsCritical(err))
	assert.Equal(t, payments.CodeCompensated, res.Code)
	assert.NotEmpty(t, res.RefundTransactionID)
	assert.Equal(t, int64(10000), balance(t, f, wallet))

	entries := f.ledger.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.Debit, entries[0].Type)
	assert.Equal(t, ledger.Credit, entries[1].Type)
	assert.Equal(t, ledger.TypeRefund, entries[1].TransactionType)
	assert.Equal(t, ledger.RefLedgerTransaction, entries[1].ReferenceType)
	assert.Equal(t, entries[0].ID, entries[1].ReferenceID)

	assert.Len(t, f.audit.ByAction(audit.ActionLedgerDebit), 1)
	assert.Len(t, f.audit.ByAction(audit.ActionLedgerRefund), 1)
	assert.Contains(t, f.eventTypes(), events.EventWithdrawalCompensated)

	p, err := f.svc.GetPayout(context.Background(), res.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, payments.PayoutFailed, p.Status)
}

func TestProcessWithdrawal_CompensatesPanic(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Store = panickingStore{payments.NewMemoryStore()}
	})
	wallet := f.ledger.Fund("creator-1", 10000)

	res, err := f.svc.ProcessWithdrawal(context.Background(), withdrawalRequest(5000, "w1"))
	require.ErrorIs(t, err, payments.ErrExhausted)
	assert.Equal(t, payments.CodeCompensated, res.Code)
	assert.Contains(t, res.Error, "panicked")
	assert.Equal(t, int64(10000), balance(t, f, wallet))
	assert.Len(t, f.audit.ByAction(audit.ActionLedgerRefund), 1)
}

func TestProcessWithdrawal_CompensationFailureIsCritical(t *testing.T) {
	led := &mocks.Ledger{}
	led.On("GetOrCreateWallet", mock.Anything, "creator-1").Return("wal_1", nil)
	led.On("RecordTransaction", mock.Anything, mock.MatchedBy(func(r ledger.RecordRequest) bool {
		return r.Type == ledger.Debit
	})).Return(&ledger.RecordResult{TransactionID: "ltx_debit", BalanceAfter: 0}, nil).Once()
	led.On("RecordTransaction", mock.Anything, mock.MatchedBy(func(r ledger.RecordRequest) bool {
		return r.Type == ledger.Credit && r.ReferenceID == "ltx_debit"
	})).Return(nil, errors.New("connection reset")).Once()

	f := newFixture(t, func(d *Deps) { d.Ledger = led })
	f.fakes["paxum"].Set(fake.Behavior{Err: fake.ErrUnavailable})
	f.fakes["ipayout"].Set(fake.Behavior{Err: fake.ErrUnavailable})
	ctx := context.Background()

	res, err := f.svc.ProcessWithdrawal(ctx, withdrawalRequest(5000, "w1"))
	require.ErrorIs(t, err, payments.ErrCompensationFailed)
	assert.True(t, payments.IsCritical(err))
	assert.Equal(t, payments.CodeCompensationFailed, res.Code)
	assert.Contains(t, res.Error, "ltx_debit")
	assert.Len(t, f.audit.ByAction(audit.ActionCompensationFailed), 1)

	var alert *events.Event
	for _, e := range f.publisher.Drain() {
		if e.Type == events.EventWithdrawalCompensationFail {
			alert = e
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, events.SeverityCritical, alert.Severity)

	// The critical outcome is cached; a retry must not debit again.
	_, err = f.svc.ProcessWithdrawal(ctx, withdrawalRequest(5000, "w1"))
	require.ErrorIs(t, err, payments.ErrCompensationFailed)
	led.AssertNumberOfCalls(t, "RecordTransaction", 2)
	led.AssertExpectations(t)
}

func TestProcessWithdrawal_InsufficientFundsIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessWithdrawal(ctx, withdrawalRequest(5000, "w1"))
	require.ErrorIs(t, err, payments.ErrInsufficientFunds)
	assert.Zero(t, f.fakes["paxum"].Calls(fake.OpPayout))

	wallet := f.ledger.Fund("creator-1", 5000)
	res, err := f.svc.ProcessWithdrawal(ctx, withdrawalRequest(5000, "w1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, balance(t, f, wallet))
}

func TestProcessWithdrawal_ComplianceBlocksDebit(t *testing.T) {
	f := newFixture(t)
	wallet := f.ledger.Fund("creator-2", 10000)
	req := withdrawalRequest(5000, "w1")
	req.CreatorID = "creator-2"

	res, err := f.svc.ProcessWithdrawal(context.Background(), req)
	require.ErrorIs(t, err, payments.ErrCompliance)
	assert.Equal(t, payments.CodeComplianceFailed, res.Code)
	assert.Empty(t, f.ledger.Entries())
	assert.Equal(t, int64(10000), balance(t, f, wallet))
	assert.Zero(t, f.fakes["paxum"].Calls(fake.OpPayout))
	assert.Zero(t, f.fakes["ipayout"].Calls(fake.OpPayout))

	require.NotNil(t, res.Payout)
	assert.NotEmpty(t, res.PayoutID)
	assert.Equal(t, res.PayoutID, res.Payout.PayoutID)
	p, err := f.svc.GetPayout(context.Background(), res.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, payments.PayoutFailed, p.Status)
	assert.Contains(t, p.FailureReason, payments.ErrCompliance.Error())
	assert.Empty(t, p.DebitID)

	created := f.audit.ByAction(audit.ActionPayoutCreated)
	require.Len(t, created, 1)
	assert.Equal(t, res.PayoutID, created[0].TargetID)
	updated := f.audit.ByAction(audit.ActionPayoutUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, res.PayoutID, updated[0].TargetID)
	assert.Contains(t, f.eventTypes(), events.EventPayoutFailed)
}

func TestProcessWithdrawal_AcceptedPayoutIsNotReversed(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Store = recordPanicStore{payments.NewMemoryStore()}
	})
	wallet := f.ledger.Fund("creator-1", 10000)

	res, err := f.svc.ProcessWithdrawal(context.Background(), withdrawalRequest(5000, "w1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.RefundTransactionID)
	require.NotNil(t, res.Payout)
	assert.Equal(t, "paxum", res.Payout.ProviderID)
	assert.NotEmpty(t, res.Payout.ProviderReference)
	assert.Equal(t, 1, f.fakes["paxum"].Calls(fake.OpPayout))

	assert.Equal(t, int64(5000), balance(t, f, wallet))
	assert.Len(t, f.ledger.Entries(), 1)
	assert.Empty(t, f.audit.ByAction(audit.ActionLedgerRefund))

	var alert *events.Event
	for _, e := range f.publisher.Drain() {
		if e.Type == events.EventPayoutRecordFailed {
			alert = e
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, events.SeverityCritical, alert.Severity)
	assert.Equal(t, res.PayoutID, alert.AggregateID)
}

func TestProcessWithdrawal_CallbackFailureDuringPayoutCompensates(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Store = callbackFirstStore{payments.NewMemoryStore()}
	})
	wallet := f.ledger.Fund("creator-1", 10000)

	res, err := f.svc.ProcessWithdrawal(context.Background(), withdrawalRequest(5000, "w1"))
	require.ErrorIs(t, err, payments.ErrExhausted)
	assert.Equal(t, payments.CodeCompensated, res.Code)
	require.NotNil(t, res.Payout)
	assert.Equal(t, payments.PayoutFailed, res.Payout.Status)
	assert.Equal(t, int64(10000), balance(t, f, wallet))
	assert.Len(t, f.ledger.Entries(), 2)

	// A late callback for the same failure does not credit twice.
	_, err = f.svc.status.Process(context.Background(), "paxum", webhook.Payload{
		Object: payments.ObjectPayout, ExternalID: res.PayoutID, Status: "failed",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance(t, f, wallet))
	assert.Len(t, f.ledger.Entries(), 2)
}

func depositRequest(key string) DepositRequest {
	return DepositRequest{PaymentRequest: paymentRequest(key)}
}

func TestProcessDeposit_CreditsWallet(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.ProcessDeposit(context.Background(), depositRequest("d1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Payment)
	assert.Equal(t, "alpha", res.Payment.ProviderID)
	assert.Equal(t, int64(5000), balance(t, f, res.WalletID))

	entries := f.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.TypeDeposit, entries[0].TransactionType)
	assert.Equal(t, res.Payment.TransactionID, entries[0].ReferenceID)
	assert.Len(t, f.audit.ByAction(audit.ActionLedgerCredit), 1)
	assert.Contains(t, f.eventTypes(), events.EventDepositCredited)
}

func TestProcessDeposit_FailedPaymentCreditsNothing(t *testing.T) {
	f := newFixture(t)
	f.fakes["alpha"].Set(fake.Behavior{Err: fake.ErrUnavailable})
	f.fakes["beta"].Set(fake.Behavior{Err: fake.ErrUnavailable})

	res, err := f.svc.ProcessDeposit(context.Background(), depositRequest("d1"))
	require.ErrorIs(t, err, payments.ErrExhausted)
	assert.Equal(t, payments.CodeExhausted, res.Code)
	assert.Empty(t, f.ledger.Entries())
}

func TestProcessDeposit_RefundsWhenCreditFails(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailWhen = func(ledger.RecordRequest) error { return errors.New("ledger offline") }

	res, err := f.svc.ProcessDeposit(context.Background(), depositRequest("d1"))
	require.ErrorIs(t, err, payments.ErrLedger)
	assert.False(t, payments.IsCritical(err))
	assert.Equal(t, payments.CodeRefunded, res.Code)
	assert.NotEmpty(t, res.ProviderRefundID)
	assert.Equal(t, 1, f.fakes["alpha"].Calls(fake.OpRefund))
	assert.Len(t, f.audit.ByAction(audit.ActionProviderRefund), 1)
}

func TestProcessDeposit_RefundFailureIsCritical(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailWhen = func(ledger.RecordRequest) error { return errors.New("ledger offline") }
	f.fakes["alpha"].Set(fake.Behavior{RefundErr: errors.New("refund window closed")})

	res, err := f.svc.ProcessDeposit(context.Background(), depositRequest("d1"))
	require.ErrorIs(t, err, payments.ErrCompensationFailed)
	assert.Equal(t, payments.CodeCompensationFailed, res.Code)
	assert.Len(t, f.audit.ByAction(audit.ActionDepositCompFailed), 1)
	assert.Contains(t, f.eventTypes(), events.EventDepositCompensationFail)
}

func TestTransfer(t *testing.T) {
	t.Run("moves funds once per key", func(t *testing.T) {
		f := newFixture(t)
		from := f.ledger.Fund("user-a", 1000)
		req := TransferRequest{FromUserID: "user-a", ToUserID: "user-b", AmountMinor: 400, Currency: "USD", IdempotencyKey: "t1"}

		first, err := f.svc.Transfer(context.Background(), req)
		require.NoError(t, err)
		second, err := f.svc.Transfer(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, first.DebitTransactionID, second.DebitTransactionID)
		assert.Equal(t, int64(600), balance(t, f, from))
		assert.Equal(t, int64(400), balance(t, f, first.ToWalletID))
		assert.Len(t, f.audit.ByAction(audit.ActionLedgerTransfer), 1)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.Fund("user-a", 100)

		_, err := f.svc.Transfer(context.Background(), TransferRequest{FromUserID: "user-a", ToUserID: "user-b", AmountMinor: 400, Currency: "USD"})
		require.ErrorIs(t, err, payments.ErrInsufficientFunds)
	})

	t.Run("same wallet", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Transfer(context.Background(), TransferRequest{FromUserID: "user-a", ToUserID: "user-a", AmountMinor: 400, Currency: "USD"})
		require.ErrorIs(t, err, payments.ErrValidation)
	})
}

func TestSyncPayout_AppliesProviderStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessPayout(ctx, payoutRequest("creator-1", 5000, "k1"))
	require.NoError(t, err)

	out, err := f.svc.SyncPayout(ctx, res.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, out.Outcome)
	assert.Equal(t, string(payments.PayoutCompleted), out.ToStatus)

	p, err := f.svc.GetPayout(ctx, res.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, payments.PayoutCompleted, p.Status)
}

func TestSyncTransaction_PendingStatusChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessPayment(ctx, paymentRequest("k1"))
	require.NoError(t, err)
	f.fakes["alpha"].Set(fake.Behavior{Status: "pending"})

	out, err := f.svc.SyncTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, out.Outcome)
	assert.Equal(t, string(payments.TransactionCompleted), out.ToStatus)
}

func TestSyncPayout_RequiresProviderReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessPayout(ctx, payoutRequest("creator-2", 5000, "k1"))
	require.ErrorIs(t, err, payments.ErrCompliance)

	_, err = f.svc.SyncPayout(ctx, res.PayoutID)
	require.ErrorIs(t, err, payments.ErrValidation)

	_, err = f.svc.SyncPayout(ctx, "missing")
	require.ErrorIs(t, err, payments.ErrNotFound)
}

func TestSyncPayout_FailedWithdrawalIsReversed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wallet := f.ledger.Fund("creator-1", 10000)

	res, err := f.svc.ProcessWithdrawal(ctx, withdrawalRequest(5000, "w1"))
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance(t, f, wallet))
	f.publisher.Drain()

	f.fakes["paxum"].Set(fake.Behavior{Status: "returned"})
	out, err := f.svc.SyncPayout(ctx, res.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, out.Outcome)
	assert.Equal(t, string(payments.PayoutFailed), out.ToStatus)

	assert.Equal(t, int64(10000), balance(t, f, wallet))
	entries := f.ledger.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, res.LedgerTransactionID, entries[1].ReferenceID)
	assert.Contains(t, f.eventTypes(), events.EventWithdrawalCompensated)
}
