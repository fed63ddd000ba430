package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/middleware"
	"github.com/profimatch/backend/internal/models"
)

// Wallets is the read side of the ledger.
type Wallets interface {
	Balance(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	History(ctx context.Context, ownerID uuid.UUID, limit, offset int) (*ledger.Statement, error)
	Reconcile(ctx context.Context, ownerID uuid.UUID) error
}

type WalletHandler struct {
	Wallets Wallets
	Logger  *slog.Logger
}

// Balance handles GET /v1/wallet/balance.
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	wallet, err := h.Wallets.Balance(r.Context(), p.UserID)
	if err != nil {
		h.Logger.Error("wallet balance failed", "owner_id", p.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Entries handles GET /v1/wallet/entries?limit=&offset=.
func (h *WalletHandler) Entries(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, ok := queryInt(r, "limit", ledger.DefaultPageSize)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	st, err := h.Wallets.History(r.Context(), p.UserID, limit, offset)
	if err != nil {
		h.Logger.Error("wallet history failed", "owner_id", p.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if st.Entries == nil {
		st.Entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, st)
}

// Reconcile handles GET /v1/admin/wallets/{id}/reconcile.
func (h *WalletHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}
	err := h.Wallets.Reconcile(r.Context(), owner)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "consistent": true})
	case errors.Is(err, ledger.ErrReconciliation):
		writeJSON(w, http.StatusConflict, map[string]any{"owner_id": owner, "consistent": false, "error": err.Error()})
	default:
		h.Logger.Error("wallet reconcile failed", "owner_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
