package router

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profimatch/backend/internal/auth"
	"github.com/profimatch/backend/internal/handlers"
	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/pricing"
)

type stubWallets struct{}

func (stubWallets) Balance(_ context.Context, owner uuid.UUID) (*models.Wallet, error) {
	return &models.Wallet{OwnerID: owner, Balance: 100, Currency: models.DefaultCurrency}, nil
}

func (stubWallets) History(context.Context, uuid.UUID, int, int) (*ledger.Statement, error) {
	return &ledger.Statement{}, nil
}

func (stubWallets) Reconcile(context.Context, uuid.UUID) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, auth.Service) {
	t.Helper()
	tokens := auth.NewService(strings.Repeat("k", 32), auth.DefaultTokenTTL)
	log := slog.New(slog.DiscardHandler)
	h := New(tokens, Handlers{
		Wallet:    &handlers.WalletHandler{Wallets: stubWallets{}, Logger: log},
		Pricing:   &handlers.PricingHandler{Pricer: pricing.NewEngine(nil)},
		Deals:     &handlers.DealHandler{Logger: log},
		Responses: &handlers.ResponseHandler{Logger: log},
	})
	return h, tokens
}

func bearer(t *testing.T, tokens auth.Service, role string) string {
	t.Helper()
	tok, err := tokens.IssueToken(uuid.New(), role)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestRouter_RequiresToken(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallet/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_ServesWallet(t *testing.T) {
	h, tokens := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet/balance", nil)
	req.Header.Set("Authorization", bearer(t, tokens, auth.RoleClient))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":100`)
}

func TestRouter_QuoteUsesSafetyNet(t *testing.T) {
	h, tokens := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/pricing/quote",
		strings.NewReader(`{"category_id":"repair","charge_type":"RESPONSE"}`))
	req.Header.Set("Authorization", bearer(t, tokens, auth.RoleSpecialist))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"price":5000`)
}

func TestRouter_EnforcesRoles(t *testing.T) {
	h, tokens := newTestRouter(t)
	tests := []struct {
		name   string
		method string
		path   string
		role   string
	}{
		{"client cannot settle", http.MethodPost, "/v1/admin/disputes/" + uuid.NewString() + "/settle", auth.RoleClient},
		{"client cannot issue codes", http.MethodPost, "/v1/deals/" + uuid.NewString() + "/commission-code", auth.RoleClient},
		{"specialist cannot confirm", http.MethodPost, "/v1/deals/" + uuid.NewString() + "/commission-code/confirm", auth.RoleSpecialist},
		{"client cannot respond", http.MethodPost, "/v1/responses", auth.RoleClient},
		{"specialist cannot reconcile", http.MethodGet, "/v1/admin/wallets/" + uuid.NewString() + "/reconcile", auth.RoleSpecialist},
		{"admin cannot open disputes", http.MethodPost, "/v1/deals/" + uuid.NewString() + "/disputes", auth.RoleAdmin},
		{"client cannot start work", http.MethodPost, "/v1/deals/" + uuid.NewString() + "/start", auth.RoleClient},
		{"specialist cannot complete", http.MethodPost, "/v1/deals/" + uuid.NewString() + "/complete", auth.RoleSpecialist},
		{"specialist cannot cancel", http.MethodPost, "/v1/deals/" + uuid.NewString() + "/cancel", auth.RoleSpecialist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			req.Header.Set("Authorization", bearer(t, tokens, tt.role))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

func TestRouter_MethodMismatch(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/wallet/balance", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
