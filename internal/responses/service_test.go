package responses

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/pricing"
	"github.com/profimatch/backend/internal/sweeper"
	"github.com/profimatch/backend/internal/testutil/memstore"
)

type fixture struct {
	store  *memstore.Store
	ledger ledger.Service
	locker *lock.KeyedMutex
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	locker := lock.NewKeyedMutex()
	l := ledger.NewService(store, store, store, locker, "UZS", nil)
	rules, err := pricing.ParseRules([]byte(`[{
		"category_id": "tutoring",
		"charge_type": "RESPONSE",
		"base_price": "10000",
		"budget_tiers": [{"threshold": "100000", "multiplier": "1.0"}, {"threshold": null, "multiplier": "2.0"}],
		"competition": {"base": "1.0", "step": "0.1", "cap": "1.5"}
	}]`))
	require.NoError(t, err)
	return &fixture{
		store:  store,
		ledger: l,
		locker: locker,
		svc:    NewService(store, store.Responses(), store.Requests(), l, pricing.NewEngine(rules), locker, nil),
	}
}

func (f *fixture) fund(t *testing.T, owner uuid.UUID, amount int64) {
	t.Helper()
	_, err := f.ledger.Apply(context.Background(), ledger.ApplyRequest{
		OwnerID: owner, Amount: amount, Kind: models.EntryDeposit, IdempotencyKey: "fund-" + uuid.NewString(),
	})
	require.NoError(t, err)
}

// publish stores an open request with a budget of 50000 under tariff.
func (f *fixture) publish(tariff string) *models.ServiceRequest {
	sr := &models.ServiceRequest{
		ID:         uuid.New(),
		ClientID:   uuid.New(),
		CategoryID: "tutoring",
		Budget:     50000,
		TariffType: tariff,
		Status:     models.RequestOpen,
	}
	f.store.Requests().Put(sr)
	return sr
}

func respond(sr *models.ServiceRequest) ChargeRequest {
	return ChargeRequest{RequestID: sr.ID, SpecialistID: uuid.New()}
}

func TestCharge_ResponseTariffDebitsSpecialist(t *testing.T) {
	f := newFixture(t)
	sr := f.publish(models.ChargeTypeResponse)
	req := respond(sr)
	f.fund(t, req.SpecialistID, 20000)

	resp, err := f.svc.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), resp.PricePaid)
	assert.Equal(t, sr.ClientID, resp.ClientID)
	assert.Equal(t, models.ChargeTypeResponse, resp.TariffType)
	assert.Equal(t, int64(10000), f.store.Balance(req.SpecialistID))

	var charge *models.LedgerEntry
	for _, e := range f.store.Entries() {
		if e.Kind == models.EntryChargeResponse {
			charge = e
		}
	}
	require.NotNil(t, charge)
	assert.Equal(t, "response:"+resp.ID.String(), charge.IdempotencyKey)
	assert.Equal(t, int64(-10000), charge.Amount)
}

func TestCharge_PricesFromStoredRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sr := f.publish(models.ChargeTypeResponse)
	for i := 0; i < 3; i++ {
		earlier := respond(sr)
		f.fund(t, earlier.SpecialistID, 20000)
		_, err := f.svc.Charge(ctx, earlier)
		require.NoError(t, err)
	}

	req := respond(sr)
	f.fund(t, req.SpecialistID, 20000)
	var asked uuid.UUID
	f.svc.SetTierFunc(func(_ context.Context, id uuid.UUID) string {
		asked = id
		return models.TierTop
	})

	resp, err := f.svc.Charge(ctx, req)
	require.NoError(t, err)
	// 10000 * 1.3 for three earlier responses * 0.85 for TOP.
	assert.Equal(t, int64(11050), resp.PricePaid)
	assert.Equal(t, req.SpecialistID, asked)
}

func TestCharge_CommissionTariffIsFree(t *testing.T) {
	f := newFixture(t)
	req := respond(f.publish(models.ChargeTypeCommission))

	resp, err := f.svc.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.PricePaid)
	assert.Equal(t, models.ChargeTypeCommission, resp.TariffType)
	assert.Empty(t, f.store.Entries())
}

func TestCharge_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sr := f.publish(models.ChargeTypeResponse)
	req := respond(sr)
	f.fund(t, req.SpecialistID, 1000)
	_, err := f.svc.Charge(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, int64(1000), f.store.Balance(req.SpecialistID))

	_, err = f.svc.Charge(ctx, respond(f.publish("FREE")))
	assert.ErrorIs(t, err, ErrInvalidTariffType)

	self := respond(sr)
	self.SpecialistID = sr.ClientID
	_, err = f.svc.Charge(ctx, self)
	assert.ErrorIs(t, err, ErrSelfResponse)

	_, err = f.svc.Charge(ctx, ChargeRequest{RequestID: uuid.New(), SpecialistID: uuid.New()})
	assert.ErrorIs(t, err, ErrRequestNotFound)

	closed := f.publish(models.ChargeTypeResponse)
	closed.Status = models.RequestClosed
	f.store.Requests().Put(closed)
	_, err = f.svc.Charge(ctx, respond(closed))
	assert.ErrorIs(t, err, ErrRequestClosed)
}

func TestCharge_DuplicateResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := respond(f.publish(models.ChargeTypeResponse))
	f.fund(t, req.SpecialistID, 50000)

	_, err := f.svc.Charge(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Charge(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyResponded)
	assert.Equal(t, int64(40000), f.store.Balance(req.SpecialistID))
}

func TestMarkViewed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sr := f.publish(models.ChargeTypeResponse)
	req := respond(sr)
	f.fund(t, req.SpecialistID, 20000)
	resp, err := f.svc.Charge(ctx, req)
	require.NoError(t, err)

	err = f.svc.MarkViewed(ctx, resp.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotClient)
	err = f.svc.MarkViewed(ctx, uuid.New(), sr.ClientID)
	assert.True(t, errors.Is(err, ErrNotFound))

	first := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return first }
	require.NoError(t, f.svc.MarkViewed(ctx, resp.ID, sr.ClientID))
	f.svc.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, f.svc.MarkViewed(ctx, resp.ID, sr.ClientID))

	got, err := f.store.Responses().GetByID(ctx, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ViewedAt)
	assert.True(t, got.ViewedAt.Equal(first))
}

func TestViewedResponseIsNotSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	f.store.SetClock(func() time.Time { return base.Add(-48 * time.Hour) })

	viewedReq := f.publish(models.ChargeTypeResponse)
	viewed := respond(viewedReq)
	ignored := respond(f.publish(models.ChargeTypeResponse))
	f.fund(t, viewed.SpecialistID, 20000)
	f.fund(t, ignored.SpecialistID, 20000)
	v, err := f.svc.Charge(ctx, viewed)
	require.NoError(t, err)
	_, err = f.svc.Charge(ctx, ignored)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkViewed(ctx, v.ID, viewedReq.ClientID))

	sw, err := sweeper.New(f.store, f.store.Responses(), f.ledger, f.locker, 24*time.Hour, nil)
	require.NoError(t, err)
	n, err := sw.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(10000), f.store.Balance(viewed.SpecialistID))
	assert.Equal(t, int64(20000), f.store.Balance(ignored.SpecialistID))
}
