package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/middleware"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/responses"
)

type Responses interface {
	Charge(ctx context.Context, req responses.ChargeRequest) (*models.Response, error)
	MarkViewed(ctx context.Context, responseID, clientID uuid.UUID) error
}

type ResponseHandler struct {
	Responses Responses
	Logger    *slog.Logger
}

// respondRequest names the request being answered. The price comes from the stored
// request, so the body carries nothing it depends on.
type respondRequest struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`
}

// Create handles POST /v1/responses. The caller is the responding specialist.
func (h *ResponseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())

	resp, err := h.Responses.Charge(r.Context(), responses.ChargeRequest{
		ID:           req.ID,
		RequestID:    req.RequestID,
		SpecialistID: p.UserID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, resp)
	case errors.Is(err, responses.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, responses.ErrInvalidTariffType), errors.Is(err, responses.ErrSelfResponse):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, responses.ErrAlreadyResponded), errors.Is(err, responses.ErrRequestClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		h.Logger.Error("charge response failed", "request_id", req.RequestID, "specialist_id", p.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// View handles POST /v1/responses/{id}/view. The caller is the request's client.
func (h *ResponseHandler) View(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid response id")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	err := h.Responses.MarkViewed(r.Context(), id, p.UserID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, responses.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, responses.ErrNotClient):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		h.Logger.Error("mark response viewed failed", "response_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
