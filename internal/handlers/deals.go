package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/profimatch/backend/internal/auth"
	"github.com/profimatch/backend/internal/commission"
	"github.com/profimatch/backend/internal/deals"
	"github.com/profimatch/backend/internal/dispute"
	"github.com/profimatch/backend/internal/escrow"
	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/middleware"
	"github.com/profimatch/backend/internal/models"
)

type Commissions interface {
	IssueCode(ctx context.Context, dealID, specialistID uuid.UUID) (string, error)
	Confirm(ctx context.Context, dealID, clientID uuid.UUID, code string) (*commission.Confirmation, error)
}

type Disputes interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	Open(ctx context.Context, dealID, openedBy uuid.UUID, reason string) (*models.Dispute, error)
	Settle(ctx context.Context, disputeID uuid.UUID, decision string, adminID uuid.UUID) (*dispute.Outcome, error)
}

type Escrows interface {
	Get(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error)
}

// Lifecycle moves a paid deal through work.
type Lifecycle interface {
	Start(ctx context.Context, dealID, specialistID uuid.UUID) (*deals.Outcome, error)
	Complete(ctx context.Context, dealID, clientID uuid.UUID) (*deals.Outcome, error)
	Cancel(ctx context.Context, dealID, clientID uuid.UUID) (*deals.Outcome, error)
}

// DealHandler serves the deal-scoped money endpoints.
type DealHandler struct {
	Commissions Commissions
	Disputes    Disputes
	Escrows     Escrows
	Lifecycle   Lifecycle
	Logger      *slog.Logger
}

// GET /v1/deals/{id}/escrow
func (h *DealHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return
	}
	e, err := h.Escrows.Get(r.Context(), dealID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			writeError(w, http.StatusNotFound, "escrow not found")
			return
		}
		h.Logger.Error("get escrow failed", "deal_id", dealID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	if p.Role != auth.RoleAdmin && p.UserID != e.PayerID && p.UserID != e.RecipientID {
		writeError(w, http.StatusNotFound, "escrow not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// POST /v1/deals/{id}/start
func (h *DealHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start deal", h.Lifecycle.Start)
}

// POST /v1/deals/{id}/complete
func (h *DealHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "complete deal", h.Lifecycle.Complete)
}

// POST /v1/deals/{id}/cancel
func (h *DealHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "cancel deal", h.Lifecycle.Cancel)
}

func (h *DealHandler) lifecycle(w http.ResponseWriter, r *http.Request, op string, call func(context.Context, uuid.UUID, uuid.UUID) (*deals.Outcome, error)) {
	dealID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	out, err := call(r.Context(), dealID, p.UserID)
	if err != nil {
		h.fail(w, op, dealID, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /v1/deals/{id}/commission-code
func (h *DealHandler) IssueCommissionCode(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	code, err := h.Commissions.IssueCode(r.Context(), dealID, p.UserID)
	if err != nil {
		h.fail(w, "issue commission code", dealID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"deal_id": dealID.String(), "code": code})
}

type confirmRequest struct {
	Code string `json:"code"`
}

// POST /v1/deals/{id}/commission-code/confirm
func (h *DealHandler) ConfirmCommissionCode(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return
	}
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	c, err := h.Commissions.Confirm(r.Context(), dealID, p.UserID, req.Code)
	if err != nil {
		h.fail(w, "confirm commission code", dealID, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type openDisputeRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/deals/{id}/disputes
func (h *DealHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	dealID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid deal id")
		return
	}
	var req openDisputeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	d, err := h.Disputes.Open(r.Context(), dealID, p.UserID, req.Reason)
	if err != nil {
		h.fail(w, "open dispute", dealID, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GET /v1/admin/disputes/{id}
func (h *DealHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	d, err := h.Disputes.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get dispute", id, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type settleRequest struct {
	Decision string `json:"decision"`
}

// POST /v1/admin/disputes/{id}/settle
func (h *DealHandler) SettleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	out, err := h.Disputes.Settle(r.Context(), id, req.Decision, p.UserID)
	if err != nil {
		h.fail(w, "settle dispute", id, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DealHandler) fail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	status, msg := dealErrorStatus(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(op+" failed", "id", id, "error", err)
	}
	writeError(w, status, msg)
}

func dealErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, commission.ErrDealNotFound),
		errors.Is(err, commission.ErrNoCode),
		errors.Is(err, deals.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrDealNotFound),
		errors.Is(err, dispute.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, commission.ErrNotSpecialist),
		errors.Is(err, commission.ErrNotClient),
		errors.Is(err, deals.ErrNotSpecialist),
		errors.Is(err, deals.ErrNotClient),
		errors.Is(err, dispute.ErrNotParty):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, commission.ErrNotConfirmable),
		errors.Is(err, commission.ErrAlreadyConfirmed),
		errors.Is(err, dispute.ErrNotDisputable),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, deals.ErrInvalidState),
		errors.Is(err, deals.ErrWorkStarted),
		errors.Is(err, dispute.ErrEscrowSettled):
		return http.StatusConflict, err.Error()
	case errors.Is(err, commission.ErrInvalidCode):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, dispute.ErrInvalidDecision),
		errors.Is(err, dispute.ErrMissingReason):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}
