package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Severity      Severity        `json:"severity"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// Severity marks events that need an operator's attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityCritical Severity = "critical"
)

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		Severity:      SeverityInfo,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// Critical marks the event as requiring manual intervention
func (e *Event) Critical() *Event {
	e.Severity = SeverityCritical
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types emitted by the orchestrator
const (
	EventPaymentCompleted           = "payment.completed"
	EventPaymentFailed              = "payment.failed"
	EventPayoutProcessing           = "payout.processing"
	EventPayoutCompleted            = "payout.completed"
	EventPayoutFailed               = "payout.failed"
	EventDepositCredited            = "deposit.credited"
	EventWithdrawalCompensated      = "withdrawal.compensated"
	EventWithdrawalCompensationFail = "withdrawal.compensation_failed"
	EventDepositCompensationFail    = "deposit.compensation_failed"
	EventWithdrawalCompensationReq  = "withdrawal.compensation_required"
	EventPayoutRecordFailed         = "payout.record_failed"
	EventCircuitOpened              = "provider.circuit_opened"
)

// PaymentData is the data for payment.* events
type PaymentData struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	ProviderID    string `json:"provider_id,omitempty"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason,omitempty"`
}

// PayoutData is the data for payout.* events
type PayoutData struct {
	PayoutID    string `json:"payout_id"`
	CreatorID   string `json:"creator_id"`
	ProviderID  string `json:"provider_id,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}

// CompensationData is the data for *.compensation_failed alerts
type CompensationData struct {
	UserID              string `json:"user_id"`
	WalletID            string `json:"wallet_id,omitempty"`
	LedgerTransactionID string `json:"ledger_transaction_id,omitempty"`
	PayoutID            string `json:"payout_id,omitempty"`
	TransactionID       string `json:"transaction_id,omitempty"`
	AmountMinor         int64  `json:"amount_minor"`
	Currency            string `json:"currency"`
	Error               string `json:"error"`
}

// CircuitData is the data for provider.circuit_opened events
type CircuitData struct {
	ProviderID string `json:"provider_id"`
	Failures   int    `json:"failures"`
	Reason     string `json:"reason,omitempty"`
}
