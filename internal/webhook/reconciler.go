package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/idempotency"
	"creatorpay/internal/ledger"
	"creatorpay/internal/payments"
)

// Payload is the normalised body every provider callback is translated to.
type Payload struct {
	EventID string          `json:"event_id,omitempty"`
	Object  payments.Object `json:"object"`
	// ExternalID is our record ID as echoed by the provider.
	ExternalID        string `json:"external_id,omitempty"`
	ProviderReference string `json:"provider_reference,omitempty"`
	Status            string `json:"status"`
	Reason            string `json:"reason,omitempty"`
}

// ParsePayload decodes and validates a callback body.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: decoding webhook payload: %v", payments.ErrValidation, err)
	}
	return p, p.Validate()
}

// Validate checks the payload identifies a record and carries a known status.
func (p Payload) Validate() error {
	if p.Object != payments.ObjectPayment && p.Object != payments.ObjectPayout {
		return fmt.Errorf("%w: unknown webhook object %q", payments.ErrValidation, p.Object)
	}
	if p.ExternalID == "" && p.ProviderReference == "" {
		return fmt.Errorf("%w: webhook carries neither external_id nor provider_reference", payments.ErrValidation)
	}
	if _, ok := NormalizeStatus(p.Object, p.Status); !ok {
		return fmt.Errorf("%w: unknown webhook status %q", payments.ErrValidation, p.Status)
	}
	return nil
}

// recordKey is the identity used for dedup.
func (p Payload) recordKey() string {
	if p.ExternalID != "" {
		return p.ExternalID
	}
	return p.ProviderReference
}

// NormalizeStatus maps a provider's status vocabulary onto ours.
func NormalizeStatus(object payments.Object, raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "completed", "paid", "settled":
		if object == payments.ObjectPayment {
			return string(payments.TransactionCompleted), true
		}
		return string(payments.PayoutCompleted), true
	case "failed", "declined", "rejected", "returned", "canceled", "cancelled":
		if object == payments.ObjectPayment {
			return string(payments.TransactionFailed), true
		}
		return string(payments.PayoutFailed), true
	case "processing", "pending", "in_transit", "accepted":
		if object == payments.ObjectPayout {
			return string(payments.PayoutProcessing), true
		}
	}
	return "", false
}

// Outcome says what Process did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is returned by Process and cached per dedup key.
type Result struct {
	Outcome    Outcome         `json:"outcome"`
	Object     payments.Object `json:"object"`
	RecordID   string          `json:"record_id"`
	FromStatus string          `json:"from_status"`
	ToStatus   string          `json:"to_status"`
}

// Reconciler applies verified callbacks.
type Reconciler struct {
	store     payments.Store
	idem      idempotency.Store
	wallets   ledger.Ledger
	audit     audit.Sink
	publisher events.Publisher
	ttl       time.Duration
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. publisher may be nil. wallets reverses
// the funding debit of a withdrawal payout that a callback fails; without it
// such a failure raises a critical alert instead.
func NewReconciler(store payments.Store, idem idempotency.Store, wallets ledger.Ledger, sink audit.Sink, publisher events.Publisher, ttl time.Duration, logger *slog.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if ttl == 0 {
		ttl = idempotency.DefaultTTL
	}
	return &Reconciler{
		store:     store,
		idem:      idem,
		wallets:   wallets,
		audit:     sink,
		publisher: publisher,
		ttl:       ttl,
		logger:    logger.With("component", "webhook"),
	}
}

const maxStaleRetries = 3

// Process applies one callback. It is idempotent per provider, record and
// reported status: a repeat delivery returns OutcomeDuplicate and changes
// nothing. A callback for an unknown record is not cached, so the provider's
// redelivery can succeed once the record exists.
func (r *Reconciler) Process(ctx context.Context, providerID string, p Payload) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	status, _ := NormalizeStatus(p.Object, p.Status)
	key := idempotency.WebhookKey(providerID, p.recordKey(), status)
	cached, found, err := r.idem.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquiring webhook key: %w", err)
	}
	if found {
		var res Result
		if err := json.Unmarshal(cached, &res); err != nil {
			return nil, fmt.Errorf("decoding cached webhook result: %w", err)
		}
		res.Outcome = OutcomeDuplicate
		r.logger.Info("duplicate webhook delivery", "provider", providerID, "record_id", res.RecordID, "status", p.Status)
		return &res, nil
	}

	var res *Result
	if p.Object == payments.ObjectPayment {
		res, err = r.applyTransaction(ctx, providerID, p)
	} else {
		res, err = r.applyPayout(ctx, providerID, p)
	}
	if err != nil {
		_ = r.idem.Abandon(ctx, key)
		return nil, err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		_ = r.idem.Abandon(ctx, key)
		return nil, fmt.Errorf("encoding webhook result: %w", err)
	}
	if err := r.idem.Complete(ctx, key, payload, r.ttl); err != nil {
		r.logger.Error("failed to cache webhook result", "error", err, "key", key)
	}
	return res, nil
}

func (r *Reconciler) findTransaction(ctx context.Context, providerID string, p Payload) (*payments.Transaction, error) {
	if p.ExternalID != "" {
		t, err := r.store.GetTransaction(ctx, p.ExternalID)
		if err == nil || !errors.Is(err, payments.ErrNotFound) {
			return t, err
		}
	}
	ref := p.ProviderReference
	if ref == "" {
		ref = p.ExternalID
	}
	return r.store.GetTransactionByProviderRef(ctx, providerID, ref)
}

func (r *Reconciler) applyTransaction(ctx context.Context, providerID string, p Payload) (*Result, error) {
	to, _ := NormalizeStatus(p.Object, p.Status)
	target := payments.TransactionStatus(to)

	for attempt := 0; ; attempt++ {
		t, err := r.findTransaction(ctx, providerID, p)
		if err != nil {
			return nil, fmt.Errorf("finding transaction for webhook: %w", err)
		}

		from := t.Status
		res := &Result{Object: p.Object, RecordID: t.ID, FromStatus: string(from), ToStatus: to}

		if !t.CanTransition(target) {
			t.Annotate(providerID, p.ProviderReference)
			if err := r.store.UpdateTransaction(ctx, t, from); err != nil && !errors.Is(err, payments.ErrStaleStatus) {
				return nil, fmt.Errorf("annotating transaction: %w", err)
			}
			res.Outcome = OutcomeIgnored
			res.ToStatus = string(from)
			r.record(ctx, audit.ActionWebhookIgnored, audit.TargetTransaction, t.ID, providerID, p, res)
			return res, nil
		}

		if target == payments.TransactionCompleted {
			err = t.MarkCompleted(providerID, p.ProviderReference)
		} else {
			t.Annotate(providerID, p.ProviderReference)
			err = t.MarkFailed(failureReason(p))
		}
		if err != nil {
			return nil, err
		}

		err = r.store.UpdateTransaction(ctx, t, from)
		if errors.Is(err, payments.ErrStaleStatus) && attempt < maxStaleRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating transaction from webhook: %w", err)
		}

		res.Outcome = OutcomeApplied
		r.record(ctx, audit.ActionWebhookApplied, audit.TargetTransaction, t.ID, providerID, p, res)

		eventType := events.EventPaymentCompleted
		if target == payments.TransactionFailed {
			eventType = events.EventPaymentFailed
		}
		r.publish(ctx, eventType, "transaction", t.ID, events.PaymentData{
			TransactionID: t.ID,
			UserID:        t.UserID,
			ProviderID:    providerID,
			AmountMinor:   t.Amount.AmountMinor,
			Currency:      string(t.Amount.Currency),
			Reason:        t.FailureReason,
		}, false)
		return res, nil
	}
}

func (r *Reconciler) findPayout(ctx context.Context, providerID string, p Payload) (*payments.Payout, error) {
	if p.ExternalID != "" {
		po, err := r.store.GetPayout(ctx, p.ExternalID)
		if err == nil || !errors.Is(err, payments.ErrNotFound) {
			return po, err
		}
	}
	ref := p.ProviderReference
	if ref == "" {
		ref = p.ExternalID
	}
	return r.store.GetPayoutByProviderRef(ctx, providerID, ref)
}

func (r *Reconciler) applyPayout(ctx context.Context, providerID string, p Payload) (*Result, error) {
	to, _ := NormalizeStatus(p.Object, p.Status)
	target := payments.PayoutStatus(to)

	for attempt := 0; ; attempt++ {
		po, err := r.findPayout(ctx, providerID, p)
		if err != nil {
			return nil, fmt.Errorf("finding payout for webhook: %w", err)
		}

		from := po.Status
		res := &Result{Object: p.Object, RecordID: po.ID, FromStatus: string(from), ToStatus: to}

		if !po.CanTransition(target) {
			po.Annotate(providerID, p.ProviderReference)
			if err := r.store.UpdatePayout(ctx, po, from); err != nil && !errors.Is(err, payments.ErrStaleStatus) {
				return nil, fmt.Errorf("annotating payout: %w", err)
			}
			res.Outcome = OutcomeIgnored
			res.ToStatus = string(from)
			r.record(ctx, audit.ActionWebhookIgnored, audit.TargetPayout, po.ID, providerID, p, res)
			return res, nil
		}

		switch target {
		case payments.PayoutProcessing:
			err = po.MarkProcessing(providerID, p.ProviderReference, po.EstimatedArrival)
		case payments.PayoutCompleted:
			po.Annotate(providerID, p.ProviderReference)
			err = po.MarkCompleted()
		default:
			po.Annotate(providerID, p.ProviderReference)
			err = po.MarkFailed(failureReason(p))
		}
		if err != nil {
			// A payout that never cleared compliance cannot be advanced by a callback.
			return nil, err
		}

		err = r.store.UpdatePayout(ctx, po, from)
		if errors.Is(err, payments.ErrStaleStatus) && attempt < maxStaleRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating payout from webhook: %w", err)
		}

		res.Outcome = OutcomeApplied
		r.record(ctx, audit.ActionWebhookApplied, audit.TargetPayout, po.ID, providerID, p, res)

		eventType := events.EventPayoutProcessing
		switch target {
		case payments.PayoutCompleted:
			eventType = events.EventPayoutCompleted
		case payments.PayoutFailed:
			eventType = events.EventPayoutFailed
		}
		r.publish(ctx, eventType, "payout", po.ID, events.PayoutData{
			PayoutID:    po.ID,
			CreatorID:   po.CreatorID,
			ProviderID:  providerID,
			AmountMinor: po.Amount.AmountMinor,
			Currency:    string(po.Amount.Currency),
			Reason:      po.FailureReason,
		}, false)
		if target == payments.PayoutFailed && po.DebitID != "" {
			r.reverseWithdrawal(context.WithoutCancel(ctx), po)
		}
		return res, nil
	}
}

// reverseWithdrawal credits back the debit that funded a failed payout. The
// ledger posts a reversal at most once per debit, so a withdrawal that already
// compensated itself is left as it is.
func (r *Reconciler) reverseWithdrawal(ctx context.Context, po *payments.Payout) {
	data := events.CompensationData{
		UserID:              po.CreatorID,
		WalletID:            po.WalletID,
		LedgerTransactionID: po.DebitID,
		PayoutID:            po.ID,
		AmountMinor:         po.Amount.AmountMinor,
		Currency:            string(po.Amount.Currency),
	}
	if r.wallets == nil {
		data.Error = "no wallet ledger configured"
		r.logger.Error("withdrawal payout failed with no ledger to reverse it",
			"severity", "critical",
			"payout_id", po.ID,
			"debit_id", po.DebitID,
		)
		r.publish(ctx, events.EventWithdrawalCompensationReq, audit.TargetWallet, po.WalletID, data, true)
		return
	}

	refund, err := r.wallets.RecordTransaction(ctx, ledger.RecordRequest{
		UserID:          po.CreatorID,
		WalletID:        po.WalletID,
		Type:            ledger.Credit,
		TransactionType: ledger.TypeRefund,
		AmountMinor:     po.Amount.AmountMinor,
		Currency:        string(po.Amount.Currency),
		ReferenceType:   ledger.RefLedgerTransaction,
		ReferenceID:     po.DebitID,
		Description:     "withdrawal reversal",
		Metadata:        map[string]string{"payout_id": po.ID, "reason": po.FailureReason},
	})
	if err != nil {
		data.Error = err.Error()
		r.logger.Error("withdrawal compensation failed",
			"severity", "critical",
			"payout_id", po.ID,
			"wallet_id", po.WalletID,
			"debit_id", po.DebitID,
			"error", err,
		)
		r.appendAudit(ctx, audit.ActionCompensationFailed, audit.TargetWallet, po.WalletID, map[string]any{
			"ledger_transaction_id": po.DebitID,
			"payout_id":             po.ID,
			"error":                 err.Error(),
		})
		r.publish(ctx, events.EventWithdrawalCompensationFail, audit.TargetWallet, po.WalletID, data, true)
		return
	}
	if refund.Duplicate {
		r.logger.Info("withdrawal already reversed", "payout_id", po.ID, "refund_id", refund.TransactionID)
		return
	}

	r.appendAudit(ctx, audit.ActionLedgerRefund, audit.TargetWallet, po.WalletID, map[string]any{
		"ledger_transaction_id": refund.TransactionID,
		"reverses":              po.DebitID,
		"payout_id":             po.ID,
		"reason":                po.FailureReason,
	})
	r.logger.Warn("withdrawal reversed after payout failure",
		"payout_id", po.ID,
		"debit_id", po.DebitID,
		"refund_id", refund.TransactionID,
	)
	r.publish(ctx, events.EventWithdrawalCompensated, audit.TargetWallet, po.WalletID, data, false)
}

func failureReason(p Payload) string {
	if p.Reason != "" {
		return p.Reason
	}
	return "provider reported " + strings.ToLower(p.Status)
}

func (r *Reconciler) record(ctx context.Context, action, targetType, targetID, providerID string, p Payload, res *Result) {
	diff := map[string]any{
		"provider":           providerID,
		"event_id":           p.EventID,
		"reported_status":    p.Status,
		"provider_reference": p.ProviderReference,
		"from":               res.FromStatus,
		"to":                 res.ToStatus,
	}
	r.appendAudit(ctx, action, targetType, targetID, diff)
	r.logger.Info("webhook processed",
		"provider", providerID,
		"object", p.Object,
		"record_id", targetID,
		"outcome", res.Outcome,
		"from", res.FromStatus,
		"to", res.ToStatus,
	)
}

func (r *Reconciler) appendAudit(ctx context.Context, action, targetType, targetID string, diff any) {
	if err := r.audit.Append(ctx, audit.NewEntry(audit.ActorSystem, action, targetType, targetID, diff)); err != nil {
		r.logger.Error("failed to append audit entry", "error", err, "action", action, "target_id", targetID)
	}
}

func (r *Reconciler) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any, critical bool) {
	ev, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		r.logger.Error("failed to build event", "error", err, "type", eventType)
		return
	}
	if critical {
		ev.Critical()
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Error("failed to publish event", "error", err, "type", eventType, "critical", critical)
	}
}
