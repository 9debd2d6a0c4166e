package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/money"
	"creatorpay/internal/idempotency"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
	"creatorpay/internal/routing"
)

// PaymentRequest charges a payer through the payment provider chain.
type PaymentRequest struct {
	UserID            string            `json:"user_id" validate:"required,max=128"`
	AmountMinor       int64             `json:"amount_minor" validate:"gt=0"`
	Currency          string            `json:"currency" validate:"required,len=3"`
	Method            payments.Method   `json:"method" validate:"required,oneof=card crypto bank ewallet"`
	Description       string            `json:"description,omitempty" validate:"max=500"`
	PaymentData       map[string]string `json:"payment_data,omitempty"`
	PreferredProvider string            `json:"preferred_provider,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key,omitempty" validate:"max=255"`
	Nonce             string            `json:"nonce,omitempty" validate:"max=255"`
}

// PaymentResult is the cached outcome of a payment.
type PaymentResult struct {
	Success           bool                       `json:"success"`
	Code              string                     `json:"code,omitempty"`
	Error             string                     `json:"error,omitempty"`
	TransactionID     string                     `json:"transaction_id"`
	Status            payments.TransactionStatus `json:"status"`
	ProviderID        string                     `json:"provider_id,omitempty"`
	ProviderReference string                     `json:"provider_reference,omitempty"`
	Amount            money.Money                `json:"amount"`
	Fee               *money.Money               `json:"fee,omitempty"`
	RequiresAction    bool                       `json:"requires_action,omitempty"`
	ActionURL         string                     `json:"action_url,omitempty"`
	Attempts          []Attempt                  `json:"attempts"`
	IdempotencyKey    string                     `json:"idempotency_key"`
}

// Err returns the error class the result represents, or nil on success.
func (r *PaymentResult) Err() error {
	return resultErr(r.Code, r.Error)
}

func resultErr(code, msg string) error {
	sentinel := payments.CodeError(code)
	if sentinel == nil {
		return nil
	}
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func parseAmount(amountMinor int64, currency string) (money.Money, error) {
	cur := money.ParseCurrency(currency)
	if _, ok := money.GetCurrencyInfo(cur); !ok {
		return money.Money{}, fmt.Errorf("%w: unsupported currency %q", payments.ErrValidation, currency)
	}
	return money.New(amountMinor, cur), nil
}

// ProcessPayment charges a payer. Repeating a request with the same
// idempotency key returns the first result without contacting any provider.
// Exhaustion is returned as both a failed result and an ErrExhausted error.
func (s *Service) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, err
	}

	key := requestKey(idempotency.ScopePayment, req.IdempotencyKey, req.UserID, req.AmountMinor, string(amount.Currency), req.Nonce)
	res := &PaymentResult{}
	if _, err := s.once(ctx, key, res, func(ctx context.Context) (bool, error) {
		return s.executePayment(ctx, req, amount, key, res)
	}); err != nil {
		return nil, err
	}
	return res, res.Err()
}

// executePayment runs the payment state machine and fills res. The boolean
// reports whether res is final.
func (s *Service) executePayment(ctx context.Context, req PaymentRequest, amount money.Money, key string, res *PaymentResult) (bool, error) {
	tx := payments.NewTransaction(ulid.Make().String(), req.UserID, amount, req.Method, req.Description, key)
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return false, fmt.Errorf("creating transaction: %w", err)
	}
	s.record(ctx, audit.ActionTransactionCreated, audit.TargetTransaction, tx.ID, tx)

	candidates := s.routes.Resolve(routing.Request{
		Kind:              payments.KindPayment,
		Method:            req.Method,
		Currency:          amount.Currency,
		AmountMinor:       amount.AmountMinor,
		PreferredProvider: req.PreferredProvider,
	})

	var resp *providers.PaymentResponse
	winner, attempts := s.run(ctx, chain{
		kind:       payments.KindPayment,
		currency:   amount.Currency,
		candidates: candidates,
		targetType: audit.TargetTransaction,
		targetID:   tx.ID,
		precheck: func(d payments.ProviderDescriptor) string {
			p, ok := s.providers.Payment(d.ID)
			if !ok {
				return SkipNoAdapter
			}
			if err := p.ValidatePaymentData(req.Method, req.PaymentData); err != nil {
				s.logger.Info("provider rejected payment data", "provider", d.ID, "error", err)
				return SkipRejectedRequest
			}
			return ""
		},
		call: func(ctx context.Context, d payments.ProviderDescriptor) (string, error) {
			p, _ := s.providers.Payment(d.ID)
			r, err := p.ProcessPayment(ctx, providers.PaymentRequest{
				TransactionID:  tx.ID,
				UserID:         req.UserID,
				Amount:         amount,
				Method:         req.Method,
				Description:    req.Description,
				PaymentData:    req.PaymentData,
				IdempotencyKey: key,
			})
			if err != nil {
				return "", err
			}
			if r == nil || !r.Success {
				return declineReason(r), nil
			}
			resp = r
			return "", nil
		},
	})

	*res = PaymentResult{
		TransactionID:  tx.ID,
		Amount:         amount,
		Attempts:       attempts,
		IdempotencyKey: key,
	}

	from := tx.Status
	if winner != nil {
		if err := tx.MarkCompleted(winner.ID, resp.ProviderTransactionID); err != nil {
			return false, err
		}
		tx = s.saveTransaction(ctx, tx, from)

		fee := winner.Fee(amount)
		res.Success = true
		res.ProviderID = winner.ID
		res.ProviderReference = resp.ProviderTransactionID
		res.Fee = &fee
		res.RequiresAction = resp.RequiresAction
		res.ActionURL = resp.ActionURL
		res.Status = tx.Status

		s.logger.Info("payment completed",
			"transaction_id", tx.ID,
			"provider", winner.ID,
			"amount", amount.AmountMinor,
			"currency", amount.Currency,
		)
		s.publish(ctx, events.EventPaymentCompleted, audit.TargetTransaction, tx.ID, paymentData(tx, ""), false)
		return true, nil
	}

	reason := exhaustionReason(attempts)
	if err := tx.MarkFailed(reason); err != nil {
		return false, err
	}
	tx = s.saveTransaction(ctx, tx, from)

	res.Code = payments.CodeExhausted
	res.Error = reason
	res.Status = tx.Status

	s.logger.Warn("payment failed", "transaction_id", tx.ID, "reason", reason)
	s.publish(ctx, events.EventPaymentFailed, audit.TargetTransaction, tx.ID, paymentData(tx, reason), false)
	return true, nil
}

func declineReason(r *providers.PaymentResponse) string {
	if r == nil {
		return "provider returned no response"
	}
	if r.Error != "" {
		return r.Error
	}
	return "declined"
}

func paymentData(tx *payments.Transaction, reason string) events.PaymentData {
	return events.PaymentData{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		ProviderID:    tx.ProviderID,
		AmountMinor:   tx.Amount.AmountMinor,
		Currency:      string(tx.Amount.Currency),
		Reason:        reason,
	}
}

// saveTransaction persists tx if the stored status is still expected. If a
// webhook got there first the stored record wins and only gains our provider
// details. The returned transaction is what is now stored.
func (s *Service) saveTransaction(ctx context.Context, tx *payments.Transaction, expected payments.TransactionStatus) *payments.Transaction {
	err := s.store.UpdateTransaction(ctx, tx, expected)
	if err == nil {
		s.record(ctx, audit.ActionTransactionUpdated, audit.TargetTransaction, tx.ID, map[string]any{
			"from":     expected,
			"to":       tx.Status,
			"provider": tx.ProviderID,
			"reason":   tx.FailureReason,
		})
		return tx
	}
	if !errors.Is(err, payments.ErrStaleStatus) {
		s.logger.Error("failed to persist transaction", "error", err, "transaction_id", tx.ID, "status", tx.Status)
		return tx
	}

	current, gErr := s.store.GetTransaction(ctx, tx.ID)
	if gErr != nil {
		s.logger.Error("failed to reload transaction", "error", gErr, "transaction_id", tx.ID)
		return tx
	}
	s.logger.Warn("transaction advanced concurrently",
		"transaction_id", tx.ID,
		"stored_status", current.Status,
		"local_status", tx.Status,
	)
	current.Annotate(tx.ProviderID, tx.ProviderRef)
	if err := s.store.UpdateTransaction(ctx, current, current.Status); err != nil {
		s.logger.Error("failed to annotate transaction", "error", err, "transaction_id", tx.ID)
	}
	return current
}
