// Package httpadapter drives a processor that exposes a REST JSON API.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"creatorpay/internal/common/money"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
)

// Config holds adapter configuration.
type Config struct {
	ID      string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequiredFields lists payment data keys that must be present per method.
	RequiredFields map[payments.Method][]string
}

// APIError is a non-2xx answer the processor did not describe as a decline.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Adapter implements both processor contracts over HTTP.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new HTTP adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("provider", cfg.ID),
	}
}

func (a *Adapter) ID() string { return a.config.ID }

type amountBody struct {
	AmountMinor int64  `json:"amount_minor"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

func toAmount(m money.Money) amountBody {
	return amountBody{AmountMinor: m.AmountMinor, Amount: m.MajorString(), Currency: string(m.Currency)}
}

type chargeBody struct {
	Reference   string            `json:"reference"`
	Customer    string            `json:"customer"`
	Method      string            `json:"method"`
	Description string            `json:"description,omitempty"`
	PaymentData map[string]string `json:"payment_data,omitempty"`
	amountBody
}

type chargeResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	RequiresAction bool   `json:"requires_action"`
	ActionURL      string `json:"action_url"`
	Error          string `json:"error"`
}

// ProcessPayment submits a charge. A 402/422 answer is a decline; other
// non-2xx answers are transport failures.
func (a *Adapter) ProcessPayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentResponse, error) {
	body := chargeBody{
		Reference:   req.TransactionID,
		Customer:    req.UserID,
		Method:      string(req.Method),
		Description: req.Description,
		PaymentData: req.PaymentData,
		amountBody:  toAmount(req.Amount),
	}

	var resp chargeResponse
	declined, err := a.post(ctx, "/payments", req.IdempotencyKey, body, &resp)
	if err != nil {
		return nil, fmt.Errorf("submit payment: %w", err)
	}

	out := &providers.PaymentResponse{
		TransactionID:         req.TransactionID,
		ProviderTransactionID: resp.ID,
		RequiresAction:        resp.RequiresAction,
		ActionURL:             resp.ActionURL,
		Error:                 resp.Error,
	}
	out.Success = !declined && !isFailureStatus(resp.Status)
	if !out.Success && out.Error == "" {
		out.Error = "declined: " + resp.Status
	}

	a.logger.Info("payment submitted",
		"transaction_id", req.TransactionID,
		"provider_reference", resp.ID,
		"status", resp.Status,
	)
	return out, nil
}

type refundBody struct {
	Payment string `json:"payment"`
	Reason  string `json:"reason,omitempty"`
	amountBody
}

func (a *Adapter) ProcessRefund(ctx context.Context, req providers.RefundRequest) (*providers.RefundResponse, error) {
	var resp chargeResponse
	declined, err := a.post(ctx, "/refunds", "refund:"+req.ProviderTransactionID, refundBody{
		Payment:    req.ProviderTransactionID,
		Reason:     req.Reason,
		amountBody: toAmount(req.Amount),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("submit refund: %w", err)
	}
	return &providers.RefundResponse{
		Success:          !declined && !isFailureStatus(resp.Status),
		ProviderRefundID: resp.ID,
		Error:            resp.Error,
	}, nil
}

type subscriptionBody struct {
	Customer    string            `json:"customer"`
	Plan        string            `json:"plan"`
	Interval    string            `json:"interval"`
	PaymentData map[string]string `json:"payment_data,omitempty"`
	amountBody
}

func (a *Adapter) ProcessSubscription(ctx context.Context, req providers.SubscriptionRequest) (*providers.SubscriptionResponse, error) {
	var resp chargeResponse
	declined, err := a.post(ctx, "/subscriptions", "", subscriptionBody{
		Customer:    req.UserID,
		Plan:        req.PlanID,
		Interval:    req.Interval,
		PaymentData: req.PaymentData,
		amountBody:  toAmount(req.Amount),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("submit subscription: %w", err)
	}
	return &providers.SubscriptionResponse{
		Success:                !declined && !isFailureStatus(resp.Status),
		ProviderSubscriptionID: resp.ID,
		Error:                  resp.Error,
	}, nil
}

// ValidatePaymentData checks the configured required fields are present.
func (a *Adapter) ValidatePaymentData(method payments.Method, data map[string]string) error {
	for _, field := range a.config.RequiredFields[method] {
		if data[field] == "" {
			return fmt.Errorf("%s: payment data field %q is required for %s", a.config.ID, field, method)
		}
	}
	return nil
}

func (a *Adapter) GetTransactionStatus(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	return a.status(ctx, "/payments/", providerRef)
}

type payoutBody struct {
	Reference   string               `json:"reference"`
	Recipient   string               `json:"recipient"`
	Destination payments.Destination `json:"destination"`
	Description string               `json:"description,omitempty"`
	amountBody
}

type payoutResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	EstimatedArrival *time.Time `json:"estimated_arrival"`
	Error            string     `json:"error"`
}

func (a *Adapter) ProcessPayout(ctx context.Context, req providers.PayoutRequest) (*providers.PayoutResponse, error) {
	var resp payoutResponse
	declined, err := a.post(ctx, "/payouts", req.IdempotencyKey, payoutBody{
		Reference:   req.PayoutID,
		Recipient:   req.CreatorID,
		Destination: req.Destination,
		Description: req.Description,
		amountBody:  toAmount(req.Amount),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("submit payout: %w", err)
	}

	out := &providers.PayoutResponse{
		Success:          !declined && !isFailureStatus(resp.Status),
		PayoutID:         req.PayoutID,
		ProviderPayoutID: resp.ID,
		EstimatedArrival: resp.EstimatedArrival,
		Error:            resp.Error,
	}
	if !out.Success && out.Error == "" {
		out.Error = "declined: " + resp.Status
	}

	a.logger.Info("payout submitted",
		"payout_id", req.PayoutID,
		"provider_reference", resp.ID,
		"status", resp.Status,
	)
	return out, nil
}

func (a *Adapter) GetPayoutStatus(ctx context.Context, providerRef string) (*providers.StatusResponse, error) {
	return a.status(ctx, "/payouts/", providerRef)
}

func (a *Adapter) status(ctx context.Context, path, providerRef string) (*providers.StatusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+path+url.PathEscape(providerRef), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	var resp chargeResponse
	if _, err := a.do(httpReq, &resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &providers.StatusResponse{ProviderReference: providerRef, Status: resp.Status}, nil
}

func (a *Adapter) post(ctx context.Context, path, idempotencyKey string, body, out any) (declined bool, err error) {
	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return a.do(httpReq, out)
}

func (a *Adapter) do(httpReq *http.Request, out any) (declined bool, err error) {
	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusPaymentRequired || httpResp.StatusCode == http.StatusUnprocessableEntity:
		declined = true
	case httpResp.StatusCode >= 400:
		return false, &APIError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return declined, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return declined, nil
}

func isFailureStatus(status string) bool {
	switch status {
	case "failed", "declined", "rejected", "canceled", "cancelled":
		return true
	}
	return false
}

// IsAPIError reports whether err carries a processor HTTP error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

var (
	_ providers.PaymentProvider = (*Adapter)(nil)
	_ providers.PayoutProvider  = (*Adapter)(nil)
)
