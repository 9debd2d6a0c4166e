// Package api exposes read-only wallet statements over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"creatorpay/internal/common/api"
	"creatorpay/internal/ledger"
)

const (
	defaultEntryLimit = 50
	maxEntryLimit     = 200
)

// Handler handles wallet HTTP requests
type Handler struct {
	reader ledger.Reader
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(reader ledger.Reader, logger *slog.Logger) *Handler {
	return &Handler{reader: reader, logger: logger.With("component", "wallet_api")}
}

// Routes returns the wallet routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{userID}", h.GetWallet)

	return r
}

// GetWallet handles GET /wallets/{userID}?limit=N
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		api.BadRequest(w, "user ID required")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	st, err := h.reader.Statement(r.Context(), userID, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			api.NotFound(w, "wallet not found")
			return
		}
		h.logger.Error("loading wallet statement", "user_id", userID, "error", err)
		api.InternalError(w, "failed to get wallet")
		return
	}

	api.WriteData(w, http.StatusOK, st)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultEntryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxEntryLimit), nil
}
