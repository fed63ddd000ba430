package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profimatch/backend/internal/ledger"
	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/testutil/memstore"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memstore.Store
	ledger  ledger.Service
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	locker := lock.NewKeyedMutex()
	l := ledger.NewService(store, store, store, locker, "UZS", nil)
	s, err := New(store, store.Responses(), l, locker, 24*time.Hour, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return &fixture{store: store, ledger: l, sweeper: s}
}

func (f *fixture) response(age time.Duration, price int64, mutate func(*models.Response)) *models.Response {
	r := &models.Response{
		ID:           uuid.New(),
		RequestID:    uuid.New(),
		ClientID:     uuid.New(),
		SpecialistID: uuid.New(),
		TariffType:   models.ChargeTypeResponse,
		PricePaid:    price,
		CreatedAt:    now.Add(-age),
	}
	if mutate != nil {
		mutate(r)
	}
	f.store.Responses().Put(r)
	return r
}

func (f *fixture) refunded(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	r, err := f.store.Responses().GetByID(context.Background(), id)
	require.NoError(t, err)
	return r.RefundProcessed
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

func TestRun_RefundsOnlyEligible(t *testing.T) {
	f := newFixture(t)
	viewedAt := now.Add(-30 * time.Hour)

	stale := f.response(25*time.Hour, 12000, nil)
	fresh := f.response(2*time.Hour, 12000, nil)
	viewed := f.response(48*time.Hour, 12000, func(r *models.Response) { r.ViewedAt = &viewedAt })
	free := f.response(48*time.Hour, 0, nil)
	commission := f.response(48*time.Hour, 12000, func(r *models.Response) { r.TariffType = models.ChargeTypeCommission })
	done := f.response(48*time.Hour, 12000, func(r *models.Response) { r.RefundProcessed = true })

	n, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, f.refunded(t, stale.ID))
	assert.Equal(t, int64(12000), f.store.Balance(stale.SpecialistID))
	for _, r := range []*models.Response{fresh, viewed, free, commission} {
		assert.False(t, f.refunded(t, r.ID))
		assert.Equal(t, int64(0), f.store.Balance(r.SpecialistID))
	}
	assert.Equal(t, int64(0), f.store.Balance(done.SpecialistID))

	entries := f.store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryRefund, entries[0].Kind)
	assert.Equal(t, stale.ID.String(), entries[0].Metadata["response_id"])
}

// ---------------------------------------------------------------------------
// Exactly once
// ---------------------------------------------------------------------------

func TestRun_TwiceRefundsOnce(t *testing.T) {
	f := newFixture(t)
	r := f.response(25*time.Hour, 8000, nil)

	first, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	second, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, int64(8000), f.store.Balance(r.SpecialistID))
	assert.Len(t, f.store.Entries(), 1)
}

func TestRun_ConcurrentSweepsRefundOnce(t *testing.T) {
	f := newFixture(t)
	var responses []*models.Response
	for i := 0; i < 20; i++ {
		responses = append(responses, f.response(25*time.Hour, 1000, nil))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.sweeper.Run(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total)
	for _, r := range responses {
		assert.Equal(t, int64(1000), f.store.Balance(r.SpecialistID))
	}
	assert.Len(t, f.store.Entries(), 20)
}

// ---------------------------------------------------------------------------
// Failure isolation
// ---------------------------------------------------------------------------

type flakyLedger struct {
	Ledger
	failFor uuid.UUID
}

func (l flakyLedger) ApplyTx(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest) (*models.LedgerEntry, error) {
	if req.OwnerID == l.failFor {
		return nil, errors.New("wallet row locked by another session")
	}
	return l.Ledger.ApplyTx(ctx, tx, req)
}

func TestRun_FailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	bad := f.response(30*time.Hour, 5000, nil)
	good1 := f.response(29*time.Hour, 5000, nil)
	good2 := f.response(28*time.Hour, 5000, nil)
	f.sweeper.ledger = flakyLedger{Ledger: f.ledger, failFor: bad.SpecialistID}

	n, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.refunded(t, bad.ID))
	assert.True(t, f.refunded(t, good1.ID))
	assert.True(t, f.refunded(t, good2.ID))

	// The failed candidate is picked up once the ledger recovers.
	f.sweeper.ledger = f.ledger
	n, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5000), f.store.Balance(bad.SpecialistID))
}

func TestRun_FailedCandidateDoesNotStarveBatch(t *testing.T) {
	f := newFixture(t)
	bad := f.response(30*time.Hour, 5000, nil)
	good := f.response(26*time.Hour, 5000, nil)
	f.sweeper.ledger = flakyLedger{Ledger: f.ledger, failFor: bad.SpecialistID}
	f.sweeper.batchSize = 1

	n, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	stored, err := f.store.Responses().GetByID(context.Background(), bad.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RefundAttemptedAt)

	n, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.refunded(t, good.ID))

	// With nothing untried left, the failed one comes round again.
	f.sweeper.ledger = f.ledger
	n, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.refunded(t, bad.ID))
}

func TestRun_BatchSize(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.response(time.Duration(25+i)*time.Hour, 100, nil)
	}
	f.sweeper.batchSize = 3

	n, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNew_RejectsNonPositiveTTL(t *testing.T) {
	store := memstore.New()
	_, err := New(store, store.Responses(), nil, lock.NewKeyedMutex(), 0, nil)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

// ---------------------------------------------------------------------------
// River wiring
// ---------------------------------------------------------------------------

type countingRunner struct {
	calls int
	err   error
}

func (r *countingRunner) Run(context.Context) (int, error) {
	r.calls++
	return 0, r.err
}

func TestWorker_RunsSweep(t *testing.T) {
	r := &countingRunner{}
	w := NewWorker(r)
	require.NoError(t, w.Work(context.Background(), &river.Job[RefundSweepArgs]{}))
	assert.Equal(t, 1, r.calls)

	r.err = errors.New("db down")
	assert.ErrorContains(t, w.Work(context.Background(), &river.Job[RefundSweepArgs]{}), "db down")
}

func TestPeriodicJob(t *testing.T) {
	job, err := PeriodicJob(time.Hour, "")
	require.NoError(t, err)
	assert.NotNil(t, job)

	job, err = PeriodicJob(0, "*/15 * * * *")
	require.NoError(t, err)
	assert.NotNil(t, job)

	_, err = PeriodicJob(time.Hour, "every now and then")
	assert.Error(t, err)

	_, err = PeriodicJob(0, "")
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
