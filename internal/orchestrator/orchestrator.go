// Package orchestrator executes payments, payouts and the wallet sagas built on
// them: it routes across providers, isolates failing ones, deduplicates
// retried requests and keeps the ledger consistent with what providers did.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/api"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/middleware"
	"creatorpay/internal/compliance"
	"creatorpay/internal/health"
	"creatorpay/internal/idempotency"
	"creatorpay/internal/ledger"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
	"creatorpay/internal/registry"
	"creatorpay/internal/routing"
	"creatorpay/internal/webhook"
)

// ComplianceChecker gates payouts.
type ComplianceChecker interface {
	CheckCompliance(ctx context.Context, creatorID string, amountMinor int64) compliance.Result
}

// StatusApplier folds a provider-reported status into the state machines.
// *webhook.Reconciler satisfies it.
type StatusApplier interface {
	Process(ctx context.Context, providerID string, p webhook.Payload) (*webhook.Result, error)
}

// Config holds orchestrator configuration.
type Config struct {
	IdempotencyTTL time.Duration
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Registry    *registry.Registry
	Routes      *routing.Table
	Health      *health.Tracker
	Idempotency idempotency.Store
	Compliance  ComplianceChecker
	Providers   *providers.Set
	Store       payments.Store
	Ledger      ledger.Ledger
	Audit       audit.Sink
	// Publisher receives fire-and-forget notifications. Optional.
	Publisher events.Publisher
	// Status applies provider status lookups. Optional; required by Sync*.
	Status StatusApplier
}

// Service is the orchestration engine.
type Service struct {
	cfg       Config
	registry  *registry.Registry
	routes    *routing.Table
	health    *health.Tracker
	idem      idempotency.Store
	gate      ComplianceChecker
	providers *providers.Set
	store     payments.Store
	ledger    ledger.Ledger
	audit     audit.Sink
	publisher events.Publisher
	status    StatusApplier
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService creates a new orchestration service.
func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		cfg:       cfg,
		registry:  deps.Registry,
		routes:    deps.Routes,
		health:    deps.Health,
		idem:      deps.Idempotency,
		gate:      deps.Compliance,
		providers: deps.Providers,
		store:     deps.Store,
		ledger:    deps.Ledger,
		audit:     deps.Audit,
		publisher: publisher,
		status:    deps.Status,
		validate:  api.NewValidator(),
		logger:    logger.With("component", "orchestrator"),
	}
}

// once runs fn at most once per key. If the key already completed, the cached
// payload is decoded into out and fn is not called. fn fills out and reports
// whether the outcome is final and should be cached; uncached outcomes release
// the key so a retry runs again.
func (s *Service) once(ctx context.Context, key string, out any, fn func(ctx context.Context) (cache bool, err error)) (replayed bool, err error) {
	cached, found, err := s.idem.Acquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("acquiring idempotency key: %w", err)
	}
	if found {
		if err := json.Unmarshal(cached, out); err != nil {
			return false, fmt.Errorf("decoding cached result: %w", err)
		}
		s.logger.Info("idempotent replay", "key", key)
		return true, nil
	}

	settled := false
	defer func() {
		if !settled {
			if err := s.idem.Abandon(context.WithoutCancel(ctx), key); err != nil {
				s.logger.Error("failed to release idempotency key", "error", err, "key", key)
			}
		}
	}()

	cache, err := fn(ctx)
	if !cache {
		return false, err
	}

	payload, mErr := json.Marshal(out)
	if mErr != nil {
		return false, fmt.Errorf("encoding result: %w", mErr)
	}
	if cErr := s.idem.Complete(context.WithoutCancel(ctx), key, payload, s.cfg.IdempotencyTTL); cErr != nil {
		s.logger.Error("failed to cache result", "error", cErr, "key", key)
		return false, err
	}
	settled = true
	return false, err
}

// requestKey namespaces a caller key, or derives one. Without a caller key or
// nonce every call gets a fresh nonce and is therefore distinct.
func requestKey(scope, key, userID string, amountMinor int64, currency, nonce string) string {
	if key != "" {
		return idempotency.Key(scope, key)
	}
	if nonce == "" {
		nonce = ulid.Make().String()
	}
	return idempotency.DeriveKey(scope, userID, amountMinor, currency, nonce)
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", payments.ErrValidation, err)
	}
	return nil
}

func actor(ctx context.Context) string {
	if a := middleware.GetActor(ctx); a != "" {
		return a
	}
	return audit.ActorSystem
}

func (s *Service) record(ctx context.Context, action, targetType, targetID string, diff any) {
	entry := audit.NewEntry(actor(ctx), action, targetType, targetID, diff)
	if err := s.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to append audit entry", "error", err, "action", action, "target_id", targetID)
	}
}

func (s *Service) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any, critical bool) {
	ev, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "error", err, "type", eventType)
		return
	}
	ev.WithCorrelation(middleware.GetCorrelationID(ctx))
	if critical {
		ev.Critical()
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("failed to publish event", "error", err, "type", eventType, "critical", critical)
	}
}

// ProviderHealth returns every tracked breaker.
func (s *Service) ProviderHealth() []health.Health {
	return s.health.Snapshots()
}

// GetTransaction returns a payment transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (*payments.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetPayout returns a payout.
func (s *Service) GetPayout(ctx context.Context, id string) (*payments.Payout, error) {
	return s.store.GetPayout(ctx, id)
}
