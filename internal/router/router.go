package router

import (
	"net/http"

	"github.com/profimatch/backend/internal/auth"
	"github.com/profimatch/backend/internal/handlers"
	"github.com/profimatch/backend/internal/middleware"
)

// Handlers groups everything served under /v1.
type Handlers struct {
	Wallet    *handlers.WalletHandler
	Pricing   *handlers.PricingHandler
	Deals     *handlers.DealHandler
	Responses *handlers.ResponseHandler
}

// New returns an http.Handler that serves the JSON API under /v1. Every route requires a
// bearer token; role checks follow the route's caller.
func New(tokens middleware.TokenValidator, h Handlers) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.BearerAuth(tokens)

	route := func(pattern string, fn http.HandlerFunc, roles ...string) {
		var next http.Handler = fn
		if len(roles) > 0 {
			next = middleware.RequireRole(roles...)(next)
		}
		mux.Handle(pattern, middleware.Instrument(pattern, authed(next)))
	}

	route("GET /v1/wallet/balance", h.Wallet.Balance)
	route("GET /v1/wallet/entries", h.Wallet.Entries)

	route("POST /v1/pricing/quote", h.Pricing.Quote)

	route("GET /v1/deals/{id}/escrow", h.Deals.GetEscrow)
	route("POST /v1/deals/{id}/start", h.Deals.Start, auth.RoleSpecialist)
	route("POST /v1/deals/{id}/complete", h.Deals.Complete, auth.RoleClient)
	route("POST /v1/deals/{id}/cancel", h.Deals.Cancel, auth.RoleClient)
	route("POST /v1/deals/{id}/commission-code", h.Deals.IssueCommissionCode, auth.RoleSpecialist)
	route("POST /v1/deals/{id}/commission-code/confirm", h.Deals.ConfirmCommissionCode, auth.RoleClient)
	route("POST /v1/deals/{id}/disputes", h.Deals.OpenDispute, auth.RoleClient, auth.RoleSpecialist)

	route("GET /v1/admin/wallets/{id}/reconcile", h.Wallet.Reconcile, auth.RoleAdmin)
	route("GET /v1/admin/disputes/{id}", h.Deals.GetDispute, auth.RoleAdmin)
	route("POST /v1/admin/disputes/{id}/settle", h.Deals.SettleDispute, auth.RoleAdmin)

	route("POST /v1/responses", h.Responses.Create, auth.RoleSpecialist)
	route("POST /v1/responses/{id}/view", h.Responses.View, auth.RoleClient)

	return mux
}
