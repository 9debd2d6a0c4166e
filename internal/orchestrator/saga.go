package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/oklog/ulid/v2"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/money"
	"creatorpay/internal/compliance"
	"creatorpay/internal/idempotency"
	"creatorpay/internal/ledger"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
)

// WithdrawalRequest moves a creator's wallet balance out through a payout.
type WithdrawalRequest struct {
	PayoutRequest
}

// WithdrawalResult is the cached outcome of a withdrawal.
type WithdrawalResult struct {
	Success             bool              `json:"success"`
	Code                string            `json:"code,omitempty"`
	Error               string            `json:"error,omitempty"`
	WalletID            string            `json:"wallet_id,omitempty"`
	LedgerTransactionID string            `json:"ledger_transaction_id,omitempty"`
	RefundTransactionID string            `json:"refund_transaction_id,omitempty"`
	PayoutID            string            `json:"payout_id,omitempty"`
	Payout              *PayoutResult     `json:"payout,omitempty"`
	Compliance          compliance.Result `json:"compliance"`
	IdempotencyKey      string            `json:"idempotency_key"`
}

// Err returns the error class the result represents, or nil on success.
func (r *WithdrawalResult) Err() error {
	return resultErr(r.Code, r.Error)
}

// ProcessWithdrawal debits the creator's wallet and pays the amount out. If
// the payout fails or panics the debit is reversed with a refund credit. If
// that credit also fails the result carries ErrCompensationFailed and a
// critical alert is raised; such a result must not be retried.
func (s *Service) ProcessWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, err
	}

	key := requestKey(idempotency.ScopeWithdrawal, req.IdempotencyKey, req.CreatorID, req.AmountMinor, string(amount.Currency), req.Nonce)
	res := &WithdrawalResult{}
	if _, err := s.once(ctx, key, res, func(ctx context.Context) (bool, error) {
		return s.executeWithdrawal(ctx, req, amount, key, res)
	}); err != nil {
		return nil, err
	}
	return res, res.Err()
}

func (s *Service) executeWithdrawal(ctx context.Context, req WithdrawalRequest, amount money.Money, key string, res *WithdrawalResult) (bool, error) {
	*res = WithdrawalResult{IdempotencyKey: key}

	// Compliance runs before the debit so a blocked creator's wallet is never
	// touched. The blocked payout is still recorded as failed.
	check := s.gate.CheckCompliance(ctx, req.CreatorID, amount.AmountMinor)
	res.Compliance = check
	if !check.Passed() {
		payout := &PayoutResult{}
		if cache, err := s.executePayout(ctx, req.PayoutRequest, amount, key, payoutRun{id: ulid.Make().String(), pre: &check}, payout); !cache {
			return false, err
		}
		res.Payout = payout
		res.PayoutID = payout.PayoutID
		res.Code = payout.Code
		res.Error = payout.Error
		s.logger.Warn("withdrawal blocked by compliance", "creator_id", req.CreatorID, "payout_id", payout.PayoutID, "reason", check.Reason)
		return true, nil
	}

	walletID, err := s.ledger.GetOrCreateWallet(ctx, req.CreatorID)
	if err != nil {
		return false, fmt.Errorf("%w: resolving wallet: %w", payments.ErrLedger, err)
	}
	res.WalletID = walletID

	payoutID := ulid.Make().String()
	debit, err := s.ledger.RecordTransaction(ctx, ledger.RecordRequest{
		UserID:          req.CreatorID,
		WalletID:        walletID,
		Type:            ledger.Debit,
		TransactionType: ledger.TypeWithdrawal,
		AmountMinor:     amount.AmountMinor,
		Currency:        string(amount.Currency),
		ReferenceType:   ledger.RefPayout,
		ReferenceID:     payoutID,
		Description:     "withdrawal",
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return false, fmt.Errorf("%w: wallet %s", payments.ErrInsufficientFunds, walletID)
		}
		return false, fmt.Errorf("%w: debiting wallet: %w", payments.ErrLedger, err)
	}
	res.LedgerTransactionID = debit.TransactionID
	res.PayoutID = payoutID
	s.record(ctx, audit.ActionLedgerDebit, audit.TargetWallet, walletID, map[string]any{
		"ledger_transaction_id": debit.TransactionID,
		"payout_id":             payoutID,
		"amount_minor":          amount.AmountMinor,
		"currency":              amount.Currency,
		"balance_after":         debit.BalanceAfter,
	})

	payout := &PayoutResult{}
	perr := s.safePayout(ctx, req.PayoutRequest, amount, key, payoutRun{
		id:       payoutID,
		pre:      &check,
		walletID: walletID,
		debitID:  debit.TransactionID,
	}, payout)
	res.Payout = payout
	// A callback can fail the payout while the provider call is still in
	// flight; the stored status wins over the provider's acceptance.
	if perr == nil && payout.Success && payout.Status != payments.PayoutFailed {
		res.Success = true
		s.logger.Info("withdrawal completed",
			"creator_id", req.CreatorID,
			"payout_id", payoutID,
			"ledger_transaction_id", debit.TransactionID,
		)
		return true, nil
	}

	reason := payout.Error
	switch {
	case perr != nil:
		reason = perr.Error()
	case payout.Success:
		reason = "payout failed by provider callback"
	}
	s.compensateWithdrawal(context.WithoutCancel(ctx), req, amount, walletID, debit.TransactionID, payoutID, reason, res)
	return true, nil
}

// safePayout runs a payout and turns a panic before provider acceptance into
// an error, so the withdrawal reaches its compensation step. A panic after a
// provider accepted the payout leaves the money on its way out: the payout
// counts as sent and a critical alert reports the record that could not be
// written.
func (s *Service) safePayout(ctx context.Context, req PayoutRequest, amount money.Money, key string, run payoutRun, res *PayoutResult) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if !res.Success {
			s.logger.Error("payout panicked", "payout_id", run.id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("payout %s panicked: %v", run.id, r)
			return
		}

		err = nil
		reason := fmt.Sprintf("recording accepted payout panicked: %v", r)
		s.logger.Error("accepted payout not recorded",
			"severity", "critical",
			"payout_id", run.id,
			"provider", res.ProviderID,
			"provider_reference", res.ProviderReference,
			"panic", r,
			"stack", string(debug.Stack()),
		)
		s.publish(ctx, events.EventPayoutRecordFailed, audit.TargetPayout, run.id, events.PayoutData{
			PayoutID:    run.id,
			CreatorID:   req.CreatorID,
			ProviderID:  res.ProviderID,
			AmountMinor: amount.AmountMinor,
			Currency:    string(amount.Currency),
			Reason:      reason,
		}, true)
	}()
	_, err = s.executePayout(ctx, req, amount, key, run, res)
	return err
}

func (s *Service) compensateWithdrawal(ctx context.Context, req WithdrawalRequest, amount money.Money, walletID, debitID, payoutID, reason string, res *WithdrawalResult) {
	refund, err := s.ledger.RecordTransaction(ctx, ledger.RecordRequest{
		UserID:          req.CreatorID,
		WalletID:        walletID,
		Type:            ledger.Credit,
		TransactionType: ledger.TypeRefund,
		AmountMinor:     amount.AmountMinor,
		Currency:        string(amount.Currency),
		ReferenceType:   ledger.RefLedgerTransaction,
		ReferenceID:     debitID,
		Description:     "withdrawal reversal",
		Metadata:        map[string]string{"payout_id": payoutID, "reason": reason},
	})
	if err == nil {
		res.RefundTransactionID = refund.TransactionID
		res.Code = payments.CodeCompensated
		res.Error = reason
		if refund.Duplicate {
			s.logger.Info("withdrawal already reversed", "payout_id", payoutID, "debit_id", debitID, "refund_id", refund.TransactionID)
			return
		}

		s.record(ctx, audit.ActionLedgerRefund, audit.TargetWallet, walletID, map[string]any{
			"ledger_transaction_id": refund.TransactionID,
			"reverses":              debitID,
			"payout_id":             payoutID,
			"reason":                reason,
		})
		s.logger.Warn("withdrawal compensated",
			"creator_id", req.CreatorID,
			"payout_id", payoutID,
			"debit_id", debitID,
			"refund_id", refund.TransactionID,
			"reason", reason,
		)
		s.publish(ctx, events.EventWithdrawalCompensated, audit.TargetWallet, walletID, events.CompensationData{
			UserID:              req.CreatorID,
			WalletID:            walletID,
			LedgerTransactionID: debitID,
			PayoutID:            payoutID,
			AmountMinor:         amount.AmountMinor,
			Currency:            string(amount.Currency),
		}, false)
		return
	}

	res.Code = payments.CodeCompensationFailed
	res.Error = fmt.Sprintf("payout failed (%s) and reversing ledger transaction %s failed: %v", reason, debitID, err)

	s.logger.Error("withdrawal compensation failed",
		"severity", "critical",
		"creator_id", req.CreatorID,
		"wallet_id", walletID,
		"debit_id", debitID,
		"payout_id", payoutID,
		"amount", amount.AmountMinor,
		"currency", amount.Currency,
		"error", err,
	)
	s.record(ctx, audit.ActionCompensationFailed, audit.TargetWallet, walletID, map[string]any{
		"ledger_transaction_id": debitID,
		"payout_id":             payoutID,
		"amount_minor":          amount.AmountMinor,
		"currency":              amount.Currency,
		"payout_error":          reason,
		"error":                 err.Error(),
	})
	s.publish(ctx, events.EventWithdrawalCompensationFail, audit.TargetWallet, walletID, events.CompensationData{
		UserID:              req.CreatorID,
		WalletID:            walletID,
		LedgerTransactionID: debitID,
		PayoutID:            payoutID,
		AmountMinor:         amount.AmountMinor,
		Currency:            string(amount.Currency),
		Error:               err.Error(),
	}, true)
}

// DepositRequest charges a payer and credits the amount to their wallet.
type DepositRequest struct {
	PaymentRequest
}

// DepositResult is the cached outcome of a deposit.
type DepositResult struct {
	Success             bool           `json:"success"`
	Code                string         `json:"code,omitempty"`
	Error               string         `json:"error,omitempty"`
	WalletID            string         `json:"wallet_id,omitempty"`
	LedgerTransactionID string         `json:"ledger_transaction_id,omitempty"`
	ProviderRefundID    string         `json:"provider_refund_id,omitempty"`
	Payment             *PaymentResult `json:"payment,omitempty"`
	IdempotencyKey      string         `json:"idempotency_key"`
}

// Err returns the error class the result represents, or nil on success.
func (r *DepositResult) Err() error {
	return resultErr(r.Code, r.Error)
}

// ProcessDeposit charges the payer and credits their wallet. A charge whose
// credit cannot be posted is refunded through the provider that took it.
func (s *Service) ProcessDeposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, err
	}

	key := requestKey(idempotency.ScopeDeposit, req.IdempotencyKey, req.UserID, req.AmountMinor, string(amount.Currency), req.Nonce)
	res := &DepositResult{}
	if _, err := s.once(ctx, key, res, func(ctx context.Context) (bool, error) {
		return s.executeDeposit(ctx, req, amount, key, res)
	}); err != nil {
		return nil, err
	}
	return res, res.Err()
}

func (s *Service) executeDeposit(ctx context.Context, req DepositRequest, amount money.Money, key string, res *DepositResult) (bool, error) {
	*res = DepositResult{IdempotencyKey: key}

	payment := &PaymentResult{}
	cache, err := s.executePayment(ctx, req.PaymentRequest, amount, key, payment)
	if !cache {
		return false, err
	}
	res.Payment = payment
	if !payment.Success {
		res.Code = payment.Code
		res.Error = payment.Error
		return true, nil
	}

	walletID, err := s.ledger.GetOrCreateWallet(ctx, req.UserID)
	if err != nil {
		s.refundDeposit(context.WithoutCancel(ctx), req, payment, "", fmt.Sprintf("resolving wallet: %v", err), res)
		return true, nil
	}
	res.WalletID = walletID

	credit, err := s.ledger.RecordTransaction(ctx, ledger.RecordRequest{
		UserID:          req.UserID,
		WalletID:        walletID,
		Type:            ledger.Credit,
		TransactionType: ledger.TypeDeposit,
		AmountMinor:     amount.AmountMinor,
		Currency:        string(amount.Currency),
		ReferenceType:   ledger.RefTransaction,
		ReferenceID:     payment.TransactionID,
		Description:     "deposit",
		Metadata:        map[string]string{"provider_id": payment.ProviderID},
	})
	if err != nil {
		s.refundDeposit(context.WithoutCancel(ctx), req, payment, walletID, fmt.Sprintf("crediting wallet: %v", err), res)
		return true, nil
	}

	res.Success = true
	res.LedgerTransactionID = credit.TransactionID
	s.record(ctx, audit.ActionLedgerCredit, audit.TargetWallet, walletID, map[string]any{
		"ledger_transaction_id": credit.TransactionID,
		"transaction_id":        payment.TransactionID,
		"amount_minor":          amount.AmountMinor,
		"currency":              amount.Currency,
		"balance_after":         credit.BalanceAfter,
	})
	s.publish(ctx, events.EventDepositCredited, audit.TargetWallet, walletID, events.CompensationData{
		UserID:              req.UserID,
		WalletID:            walletID,
		LedgerTransactionID: credit.TransactionID,
		TransactionID:       payment.TransactionID,
		AmountMinor:         amount.AmountMinor,
		Currency:            string(amount.Currency),
	}, false)
	return true, nil
}

func (s *Service) refundDeposit(ctx context.Context, req DepositRequest, payment *PaymentResult, walletID, reason string, res *DepositResult) {
	refundID, err := s.safeRefund(ctx, payment, reason)
	if err == nil {
		res.Code = payments.CodeRefunded
		res.Error = reason
		res.ProviderRefundID = refundID

		s.record(ctx, audit.ActionProviderRefund, audit.TargetTransaction, payment.TransactionID, map[string]string{
			"provider":           payment.ProviderID,
			"provider_refund_id": refundID,
			"reason":             reason,
		})
		s.logger.Warn("deposit refunded",
			"transaction_id", payment.TransactionID,
			"provider", payment.ProviderID,
			"reason", reason,
		)
		return
	}

	res.Code = payments.CodeCompensationFailed
	res.Error = fmt.Sprintf("ledger credit failed (%s) and provider refund failed: %v", reason, err)

	s.logger.Error("deposit compensation failed",
		"severity", "critical",
		"user_id", req.UserID,
		"transaction_id", payment.TransactionID,
		"provider", payment.ProviderID,
		"amount", payment.Amount.AmountMinor,
		"currency", payment.Amount.Currency,
		"error", err,
	)
	s.record(ctx, audit.ActionDepositCompFailed, audit.TargetTransaction, payment.TransactionID, map[string]any{
		"provider":     payment.ProviderID,
		"amount_minor": payment.Amount.AmountMinor,
		"currency":     payment.Amount.Currency,
		"ledger_error": reason,
		"error":        err.Error(),
	})
	s.publish(ctx, events.EventDepositCompensationFail, audit.TargetTransaction, payment.TransactionID, events.CompensationData{
		UserID:        req.UserID,
		WalletID:      walletID,
		TransactionID: payment.TransactionID,
		AmountMinor:   payment.Amount.AmountMinor,
		Currency:      string(payment.Amount.Currency),
		Error:         err.Error(),
	}, true)
}

func (s *Service) safeRefund(ctx context.Context, payment *PaymentResult, reason string) (refundID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: provider %s panicked during refund: %v", payments.ErrProvider, payment.ProviderID, r)
		}
	}()
	p, ok := s.providers.Payment(payment.ProviderID)
	if !ok {
		return "", fmt.Errorf("no adapter for provider %s", payment.ProviderID)
	}
	resp, err := p.ProcessRefund(ctx, providers.RefundRequest{
		ProviderTransactionID: payment.ProviderReference,
		Amount:                payment.Amount,
		Reason:                reason,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || !resp.Success {
		msg := "refund declined"
		if resp != nil && resp.Error != "" {
			msg = resp.Error
		}
		return "", errors.New(msg)
	}
	return resp.ProviderRefundID, nil
}

// TransferRequest moves funds between two users' wallets.
type TransferRequest struct {
	FromUserID     string `json:"from_user_id" validate:"required,max=128"`
	ToUserID       string `json:"to_user_id" validate:"required,max=128,nefield=FromUserID"`
	AmountMinor    int64  `json:"amount_minor" validate:"gt=0"`
	Currency       string `json:"currency" validate:"required,len=3"`
	Description    string `json:"description,omitempty" validate:"max=500"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"max=255"`
	Nonce          string `json:"nonce,omitempty" validate:"max=255"`
}

// TransferResult is the cached outcome of a transfer.
type TransferResult struct {
	Success             bool        `json:"success"`
	FromWalletID        string      `json:"from_wallet_id"`
	ToWalletID          string      `json:"to_wallet_id"`
	DebitTransactionID  string      `json:"debit_transaction_id"`
	CreditTransactionID string      `json:"credit_transaction_id"`
	Amount              money.Money `json:"amount"`
	IdempotencyKey      string      `json:"idempotency_key"`
}

// Transfer moves funds between wallets in one ledger transaction. Failed
// transfers are not cached; a retry with the same key runs again.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, err
	}

	nonce := req.Nonce
	if nonce != "" {
		nonce += ":" + req.ToUserID
	}
	key := requestKey(idempotency.ScopeTransfer, req.IdempotencyKey, req.FromUserID, req.AmountMinor, string(amount.Currency), nonce)
	res := &TransferResult{}
	if _, err := s.once(ctx, key, res, func(ctx context.Context) (bool, error) {
		return s.executeTransfer(ctx, req, amount, key, res)
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) executeTransfer(ctx context.Context, req TransferRequest, amount money.Money, key string, res *TransferResult) (bool, error) {
	from, err := s.ledger.GetOrCreateWallet(ctx, req.FromUserID)
	if err != nil {
		return false, fmt.Errorf("%w: resolving source wallet: %w", payments.ErrLedger, err)
	}
	to, err := s.ledger.GetOrCreateWallet(ctx, req.ToUserID)
	if err != nil {
		return false, fmt.Errorf("%w: resolving destination wallet: %w", payments.ErrLedger, err)
	}

	out, err := s.ledger.TransferFunds(ctx, ledger.TransferRequest{
		FromUserID:   req.FromUserID,
		FromWalletID: from,
		ToUserID:     req.ToUserID,
		ToWalletID:   to,
		AmountMinor:  amount.AmountMinor,
		Currency:     string(amount.Currency),
		Description:  req.Description,
		Metadata:     map[string]string{"idempotency_key": key},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return false, fmt.Errorf("%w: wallet %s", payments.ErrInsufficientFunds, from)
		}
		return false, fmt.Errorf("%w: transferring funds: %w", payments.ErrLedger, err)
	}

	*res = TransferResult{
		Success:             true,
		FromWalletID:        from,
		ToWalletID:          to,
		DebitTransactionID:  out.DebitTransactionID,
		CreditTransactionID: out.CreditTransactionID,
		Amount:              amount,
		IdempotencyKey:      key,
	}
	s.record(ctx, audit.ActionLedgerTransfer, audit.TargetWallet, from, res)
	s.logger.Info("transfer completed", "from_wallet", from, "to_wallet", to, "amount", amount.AmountMinor, "currency", amount.Currency)
	return true, nil
}
