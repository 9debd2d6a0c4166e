// Package natsadapter drives a processor sitting behind NATS request-reply.
// Requests go to providers.<id>.<operation> and the reply is a JSON envelope.
package natsadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
)

// Operations addressed by subject suffix.
const (
	OpPayment       = "payment"
	OpRefund        = "refund"
	OpSubscription  = "subscription"
	OpPaymentStatus = "payment_status"
	OpPayout        = "payout"
	OpPayoutStatus  = "payout_status"
)

// Requester sends one request and waits for the reply. *nats.Client from
// internal/common/nats satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Reply is the envelope every processor answer is wrapped in.
type Reply struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ErrRemote wraps an error the processor reported in its reply envelope.
var ErrRemote = errors.New("processor error")

// Config holds adapter configuration.
type Config struct {
	ID             string
	RequestTimeout time.Duration
}

// Adapter implements both processor contracts over NATS.
type Adapter struct {
	config Config
	nc     Requester
	logger *slog.Logger
}

// New creates a new NATS adapter.
func New(cfg Config, nc Requester, logger *slog.Logger) *Adapter {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Adapter{config: cfg, nc: nc, logger: logger.With("provider", cfg.ID)}
}

func (a *Adapter) ID() string { return a.config.ID }

// Subject returns the subject an operation is sent on.
func Subject(providerID, op string) string {
	return "providers." + providerID + "." + op
}

func (a *Adapter) request(ctx context.Context, op string, in, out any) error {
	reqData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	raw, err := a.nc.Request(ctx, Subject(a.config.ID, op), reqData)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("unmarshal %s reply: %w", op, err)
	}
	if !reply.OK {
		return fmt.Errorf("%s: %w: %s", op, ErrRemote, reply.Error)
	}
	if out != nil && len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, out); err != nil {
			return fmt.Errorf("unmarshal %s data: %w", op, err)
		}
	}
	return nil
}

func (a *Adapter) ProcessPayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResponse, error) {
	var resp providers.PaymentResponse
	if err := a.request(ctx, OpPayment, req, &resp); err != nil {
		return nil, err
	}
	if resp.TransactionID == "" {
		resp.TransactionID = req.TransactionID
	}

	a.logger.Info("payment processed",
		"transaction_id", req.TransactionID,
		"provider_reference", resp.ProviderTransactionID,
		"success", resp.Success,
	)
	return &resp, nil
}

func (a *Adapter) ProcessRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResponse, error) {
	var resp providers.RefundResponse
	if err := a.request(ctx, OpRefund, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) ProcessSubscription(ctx context.Context, req providers.SubscriptionRequest) (*providers.SubscriptionResponse, error) {
	var resp providers.SubscriptionResponse
	if err := a.request(ctx, OpSubscription, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidatePaymentData accepts everything; the processor validates remotely.
func (a *Adapter) ValidatePaymentData(payments.Method, map[string]string) error {
	return nil
}

func (a *Adapter) GetTransactionStatus(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	var resp providers.StatusResponse
	if err := a.request(ctx, OpPaymentStatus, map[string]string{"provider_reference": providerRef}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) ProcessPayout(ctx context.Context, req providers.PayoutRequest) (*providers.PayoutResponse, error) {
	var resp providers.PayoutResponse
	if err := a.request(ctx, OpPayout, req, &resp); err != nil {
		return nil, err
	}
	if resp.PayoutID == "" {
		resp.PayoutID = req.PayoutID
	}

	a.logger.Info("payout processed",
		"payout_id", req.PayoutID,
		"provider_reference", resp.ProviderPayoutID,
		"success", resp.Success,
	)
	return &resp, nil
}

func (a *Adapter) GetPayoutStatus(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	var resp providers.StatusResponse
	if err := a.request(ctx, OpPayoutStatus, map[string]string{"provider_reference": providerRef}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

var (
	_ providers.PaymentProvider = (*Adapter)(nil)
	_ providers.PayoutProvider  = (*Adapter)(nil)
)
