package handlers

import (
	"net/http"

	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/pricing"
)

type Pricer interface {
	Price(in pricing.Input) int64
}

type PricingHandler struct {
	Pricer Pricer
}

type quoteResponse struct {
	Price    int64         `json:"price"`
	Currency string        `json:"currency"`
	Input    pricing.Input `json:"input"`
}

// Quote handles POST /v1/pricing/quote. It prices without charging anyone.
func (h *PricingHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var in pricing.Input
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.CategoryID == "" {
		writeError(w, http.StatusBadRequest, "category_id is required")
		return
	}
	if in.ChargeType != models.ChargeTypeResponse && in.ChargeType != models.ChargeTypeCommission {
		writeError(w, http.StatusBadRequest, "charge_type must be RESPONSE or COMMISSION")
		return
	}
	if in.Budget < 0 || in.Competing < 0 {
		writeError(w, http.StatusBadRequest, "budget and competing_responses must not be negative")
		return
	}
	if in.Tier == "" {
		in.Tier = models.TierNew
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Price:    h.Pricer.Price(in),
		Currency: models.DefaultCurrency,
		Input:    in,
	})
}
