// Package fake is an in-memory processor for tests and local runs. One
// Provider satisfies both the payment and payout contracts.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
)

// Operation names used by Calls.
const (
	OpPayment      = "payment"
	OpRefund       = "refund"
	OpSubscription = "subscription"
	OpPayout       = "payout"
	OpStatus       = "status"
)

// ErrUnavailable is the default transport error a failing fake returns.
var ErrUnavailable = errors.New("fake provider unavailable")

// Behavior scripts how the provider answers.
type Behavior struct {
	// Err is returned as a transport error.
	Err error
	// Decline makes the provider answer with Success=false and this message.
	Decline string
	// Panic makes the provider panic with this value.
	Panic any
	// Delay is waited out (honouring ctx) before answering.
	Delay time.Duration
	// Reject is returned by ValidatePaymentData.
	Reject error
	// RefundErr fails refunds only.
	RefundErr error
	// ETA is reported as the payout's estimated arrival offset.
	ETA time.Duration
	// Status is reported by the status lookups. Defaults to "completed".
	Status string
}

// Provider is a scripted processor.
type Provider struct {
	id string

	mu       sync.Mutex
	behavior Behavior
	queue    []Behavior
	calls    map[string]int
	seq      int
}

// New returns a provider that succeeds until told otherwise.
func New(id string) *Provider {
	return &Provider{id: id, calls: make(map[string]int)}
}

// Failing returns a provider whose every call fails with a transport error.
func Failing(id string) *Provider {
	p := New(id)
	p.behavior.Err = ErrUnavailable
	return p
}

func (p *Provider) ID() string { return p.id }

// Set replaces the standing behaviour.
func (p *Provider) Set(b Behavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behavior = b
}

// Then queues one-shot behaviours consumed in order before the standing one.
func (p *Provider) Then(bs ...Behavior) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, bs...)
	return p
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) next(op string) (Behavior, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	p.seq++
	b := p.behavior
	if len(p.queue) > 0 {
		b = p.queue[0]
		p.queue = p.queue[1:]
	}
	return b, fmt.Sprintf("%s_%s_%d", p.id, op, p.seq)
}

func (p *Provider) act(ctx context.Context, b Behavior) error {
	if b.Panic != nil {
		panic(b.Panic)
	}
	if b.Delay > 0 {
		t := time.NewTimer(b.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return b.Err
}

func (p *Provider) ProcessPayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResponse, error) {
	b, ref := p.next(OpPayment)
	if err := p.act(ctx, b); err != nil {
		return nil, err
	}
	if b.Decline != "" {
		return &providers.PaymentResponse{TransactionID: req.TransactionID, Error: b.Decline}, nil
	}
	return &providers.PaymentResponse{
		Success:               true,
		TransactionID:         req.TransactionID,
		ProviderTransactionID: ref,
	}, nil
}

func (p *Provider) ProcessRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResponse, error) {
	b, ref := p.next(OpRefund)
	if err := p.act(ctx, b); err != nil {
		return nil, err
	}
	if b.RefundErr != nil {
		return nil, b.RefundErr
	}
	return &providers.RefundResponse{Success: true, ProviderRefundID: ref}, nil
}

func (p *Provider) ProcessSubscription(ctx context.Context, req providers.SubscriptionRequest) (*providers.SubscriptionResponse, error) {
	b, ref := p.next(OpSubscription)
	if err := p.act(ctx, b); err != nil {
		return nil, err
	}
	if b.Decline != "" {
		return &providers.SubscriptionResponse{Error: b.Decline}, nil
	}
	return &providers.SubscriptionResponse{Success: true, ProviderSubscriptionID: ref}, nil
}

func (p *Provider) ValidatePaymentData(_ payments.Method, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.behavior.Reject
}

func (p *Provider) GetTransactionStatus(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	return p.status(ctx, providerRef)
}

func (p *Provider) ProcessPayout(ctx context.Context, req providers.PayoutRequest) (*providers.PayoutResponse, error) {
	b, ref := p.next(OpPayout)
	if err := p.act(ctx, b); err != nil {
		return nil, err
	}
	if b.Decline != "" {
		return &providers.PayoutResponse{PayoutID: req.PayoutID, Error: b.Decline}, nil
	}
	resp := &providers.PayoutResponse{
		Success:          true,
		PayoutID:         req.PayoutID,
		ProviderPayoutID: ref,
	}
	if b.ETA > 0 {
		eta := time.Now().UTC().Add(b.ETA)
		resp.EstimatedArrival = &eta
	}
	return resp, nil
}

func (p *Provider) GetPayoutStatus(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	return p.status(ctx, providerRef)
}

func (p *Provider) status(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	b, _ := p.next(OpStatus)
	if err := p.act(ctx, b); err != nil {
		return nil, err
	}
	status := b.Status
	if status == "" {
		status = "completed"
	}
	return &providers.StatusResponse{ProviderReference: providerRef, Status: status}, nil
}

var (
	_ providers.PaymentProvider = (*Provider)(nil)
	_ providers.PayoutProvider  = (*Provider)(nil)
)
