package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/api"
	"creatorpay/internal/common/middleware"
	"creatorpay/internal/payments"
)

const maxBodyBytes = 1 << 20

// Secrets returns the shared secret for a provider, or "" when none is set.
type Secrets func(providerID string) string

// StaticSecrets serves secrets from a map.
func StaticSecrets(m map[string]string) Secrets {
	return func(providerID string) string { return m[providerID] }
}

// Handler receives callbacks on POST /webhooks/{provider}.
type Handler struct {
	verifier   *Verifier
	secrets    Secrets
	reconciler *Reconciler
	audit      audit.Sink
	logger     *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(verifier *Verifier, secrets Secrets, reconciler *Reconciler, sink audit.Sink, logger *slog.Logger) *Handler {
	return &Handler{
		verifier:   verifier,
		secrets:    secrets,
		reconciler: reconciler,
		audit:      sink,
		logger:     logger.With("component", "webhook"),
	}
}

// ServeHTTP verifies and applies one callback.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}

	var header string
	if scheme, ok := h.verifier.Scheme(providerID); ok {
		header = r.Header.Get(scheme.Header)
	}
	if !h.verifier.VerifySignature(providerID, body, header, h.secrets(providerID)) {
		h.reject(r, providerID, len(body))
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeInvalidSignature, payments.ErrSignature.Error())
		return
	}

	payload, err := ParsePayload(body)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.reconciler.Process(ctx, providerID, payload)
	switch {
	case err == nil:
		api.WriteData(w, http.StatusOK, res)
	case errors.Is(err, payments.ErrNotFound):
		api.NotFound(w, "no matching transaction or payout")
	case errors.Is(err, payments.ErrValidation):
		api.ValidationError(w, err)
	case errors.Is(err, payments.ErrInvalidTransition), errors.Is(err, payments.ErrInFlight), errors.Is(err, payments.ErrStaleStatus):
		api.Conflict(w, err.Error())
	default:
		h.logger.Error("webhook processing failed", "error", err, "provider", providerID)
		api.InternalError(w, "webhook processing failed")
	}
}

func (h *Handler) reject(r *http.Request, providerID string, size int) {
	h.logger.Warn("webhook signature rejected",
		"security_event", true,
		"provider", providerID,
		"remote_addr", r.RemoteAddr,
		"bytes", size,
		"correlation_id", middleware.GetCorrelationID(r.Context()),
	)
	entry := audit.NewEntry(audit.ActorSystem, audit.ActionWebhookRejected, audit.TargetWebhook, providerID, map[string]any{
		"remote_addr": r.RemoteAddr,
		"bytes":       size,
	})
	if err := h.audit.Append(r.Context(), entry); err != nil {
		h.logger.Error("failed to append audit entry", "error", err)
	}
}
