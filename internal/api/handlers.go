// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creatorpay/internal/common/api"
	"creatorpay/internal/health"
	"creatorpay/internal/orchestrator"
	"creatorpay/internal/payments"
	"creatorpay/internal/webhook"
)

// IdempotencyHeader carries the caller's idempotency key. It takes precedence
// over a key in the body.
const IdempotencyHeader = "Idempotency-Key"

// Orchestrator is the subset of the orchestration service the API serves.
type Orchestrator interface {
	ProcessPayment(ctx context.Context, req orchestrator.PaymentRequest) (*orchestrator.PaymentResult, error)
	ProcessPayout(ctx context.Context, req orchestrator.PayoutRequest) (*orchestrator.PayoutResult, error)
	ProcessWithdrawal(ctx context.Context, req orchestrator.WithdrawalRequest) (*orchestrator.WithdrawalResult, error)
	ProcessDeposit(ctx context.Context, req orchestrator.DepositRequest) (*orchestrator.DepositResult, error)
	Transfer(ctx context.Context, req orchestrator.TransferRequest) (*orchestrator.TransferResult, error)
	GetTransaction(ctx context.Context, id string) (*payments.Transaction, error)
	GetPayout(ctx context.Context, id string) (*payments.Payout, error)
	SyncTransaction(ctx context.Context, id string) (*webhook.Result, error)
	SyncPayout(ctx context.Context, id string) (*webhook.Result, error)
	ProviderHealth() []health.Health
}

// Handler handles orchestrator HTTP requests
type Handler struct {
	svc    Orchestrator
	logger *slog.Logger
}

// NewHandler creates a new orchestrator handler
func NewHandler(svc Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "api")}
}

// Routes returns the orchestrator routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.CreatePayment)
	r.Post("/deposits", h.CreateDeposit)
	r.Get("/transactions/{id}", h.GetTransaction)
	r.Post("/transactions/{id}/sync", h.SyncTransaction)

	r.Post("/payouts", h.CreatePayout)
	r.Post("/withdrawals", h.CreateWithdrawal)
	r.Get("/payouts/{id}", h.GetPayout)
	r.Post("/payouts/{id}/sync", h.SyncPayout)

	r.Post("/transfers", h.CreateTransfer)

	r.Get("/providers/health", h.ProviderHealth)

	return r
}

// CreatePayment handles POST /payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.svc.ProcessPayment(r.Context(), req)
	h.respond(w, r, res, err)
}

// CreateDeposit handles POST /deposits
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.svc.ProcessDeposit(r.Context(), req)
	h.respond(w, r, res, err)
}

// CreatePayout handles POST /payouts
func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.PayoutRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.svc.ProcessPayout(r.Context(), req)
	h.respond(w, r, res, err)
}

// CreateWithdrawal handles POST /withdrawals
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.WithdrawalRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.svc.ProcessWithdrawal(r.Context(), req)
	h.respond(w, r, res, err)
}

// CreateTransfer handles POST /transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := h.svc.Transfer(r.Context(), req)
	h.respond(w, r, res, err)
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, tx)
}

// GetPayout handles GET /payouts/{id}
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// SyncTransaction handles POST /transactions/{id}/sync
func (h *Handler) SyncTransaction(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SyncTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// SyncPayout handles POST /payouts/{id}/sync
func (h *Handler) SyncPayout(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SyncPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// ProviderHealth handles GET /providers/health
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, h.svc.ProviderHealth())
}

func idempotencyKey(r *http.Request, body string) string {
	if k := r.Header.Get(IdempotencyHeader); k != "" {
		return k
	}
	return body
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := api.DecodeAndValidate(r, v); err != nil {
		if errors.Is(err, api.ErrMalformedBody) {
			api.BadRequest(w, err.Error())
			return false
		}
		api.ValidationError(w, err)
		return false
	}
	return true
}

// respond writes a result. A failed result is returned alongside the error
// so callers can see the attempts and records it produced.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, res any, err error) {
	if err == nil {
		api.WriteData(w, http.StatusCreated, res)
		return
	}
	if isNilResult(res) {
		h.writeError(w, r, err)
		return
	}
	status, code := classify(err)
	h.log(r, status, err)
	api.WriteJSON(w, status, api.Response[any]{
		Data:  res,
		Error: &api.Error{Code: code, Message: err.Error()},
	})
}

func isNilResult(res any) bool {
	switch v := res.(type) {
	case *orchestrator.PaymentResult:
		return v == nil
	case *orchestrator.PayoutResult:
		return v == nil
	case *orchestrator.WithdrawalResult:
		return v == nil
	case *orchestrator.DepositResult:
		return v == nil
	case *orchestrator.TransferResult:
		return v == nil
	}
	return res == nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	h.log(r, status, err)
	msg := err.Error()
	if status == http.StatusInternalServerError && code == api.ErrCodeInternalError {
		msg = "internal error"
	}
	if errors.Is(err, payments.ErrValidation) {
		api.ValidationError(w, err)
		return
	}
	api.WriteError(w, status, code, msg)
}

func (h *Handler) log(r *http.Request, status int, err error) {
	switch {
	case payments.IsCritical(err):
		h.logger.Error("request needs manual reconciliation", "severity", "critical", "path", r.URL.Path, "error", err)
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	default:
		h.logger.Info("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
}

// classify maps the error taxonomy onto HTTP.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payments.ErrValidation):
		return http.StatusUnprocessableEntity, api.ErrCodeValidation
	case errors.Is(err, payments.ErrNotFound):
		return http.StatusNotFound, api.ErrCodeNotFound
	case errors.Is(err, payments.ErrInsufficientFunds):
		return http.StatusConflict, api.ErrCodeInsufficientFunds
	case errors.Is(err, payments.ErrInFlight):
		return http.StatusConflict, api.ErrCodeConflict
	case errors.Is(err, payments.ErrCompliance):
		return http.StatusUnprocessableEntity, api.ErrCodeComplianceFailed
	case errors.Is(err, payments.ErrCompensationFailed):
		return http.StatusInternalServerError, api.ErrCodeCompensationFailed
	case errors.Is(err, payments.ErrExhausted), errors.Is(err, payments.ErrProvider):
		return http.StatusBadGateway, api.ErrCodeProvidersExhausted
	case errors.Is(err, payments.ErrLedger), errors.Is(err, orchestrator.ErrSyncUnavailable):
		return http.StatusServiceUnavailable, api.ErrCodeServiceUnavail
	default:
		return http.StatusInternalServerError, api.ErrCodeInternalError
	}
}
