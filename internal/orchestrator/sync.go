package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
	"creatorpay/internal/webhook"
)

// ErrSyncUnavailable is returned by the Sync operations when no StatusApplier is configured.
var ErrSyncUnavailable = errors.New("status sync is not configured")

// SyncPayout asks the payout's provider for its current status and applies it
// exactly as a webhook reporting that status would be applied.
func (s *Service) SyncPayout(ctx context.Context, id string) (*webhook.Result, error) {
	if s.status == nil {
		return nil, ErrSyncUnavailable
	}
	p, err := s.store.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ProviderID == "" || p.ProviderRef == "" {
		return nil, fmt.Errorf("%w: payout %s was never accepted by a provider", payments.ErrValidation, id)
	}
	adapter, ok := s.providers.Payout(p.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %s", payments.ErrValidation, p.ProviderID)
	}
	st, err := adapter.GetPayoutStatus(ctx, p.ProviderRef)
	if err != nil {
		return nil, fmt.Errorf("%w: payout status from %s: %w", payments.ErrProvider, p.ProviderID, err)
	}
	return s.applyStatus(ctx, p.ProviderID, payments.ObjectPayout, p.ID, string(p.Status), p.ProviderRef, st)
}

// SyncTransaction does the same for a payment transaction.
func (s *Service) SyncTransaction(ctx context.Context, id string) (*webhook.Result, error) {
	if s.status == nil {
		return nil, ErrSyncUnavailable
	}
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ProviderID == "" || t.ProviderRef == "" {
		return nil, fmt.Errorf("%w: transaction %s was never charged by a provider", payments.ErrValidation, id)
	}
	adapter, ok := s.providers.Payment(t.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %s", payments.ErrValidation, t.ProviderID)
	}
	st, err := adapter.GetTransactionStatus(ctx, t.ProviderRef)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction status from %s: %w", payments.ErrProvider, t.ProviderID, err)
	}
	return s.applyStatus(ctx, t.ProviderID, payments.ObjectPayment, t.ID, string(t.Status), t.ProviderRef, st)
}

func (s *Service) applyStatus(ctx context.Context, providerID string, object payments.Object, id, current, ref string, st *providers.StatusResponse) (*webhook.Result, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: %s returned no status", payments.ErrProvider, providerID)
	}
	// Statuses with no meaning for the object, such as a pending payment, change nothing.
	if _, ok := webhook.NormalizeStatus(object, st.Status); !ok {
		s.logger.Info("provider status not applicable", "provider", providerID, "record_id", id, "status", st.Status)
		return &webhook.Result{
			Outcome:    webhook.OutcomeIgnored,
			Object:     object,
			RecordID:   id,
			FromStatus: current,
			ToStatus:   current,
		}, nil
	}
	return s.status.Process(ctx, providerID, webhook.Payload{
		Object:            object,
		ExternalID:        id,
		ProviderReference: ref,
		Status:            st.Status,
	})
}
