package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
	"github.com/profimatch/backend/internal/testutil/memstore"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestService(store *memstore.Store) Service {
	return NewService(store, store, store, lock.NewKeyedMutex(), "UZS", nil)
}

func deposit(owner uuid.UUID, amount int64, key string) ApplyRequest {
	return ApplyRequest{OwnerID: owner, Amount: amount, Kind: models.EntryDeposit, IdempotencyKey: key}
}

// racyEntries hides existing keys from lookups so Apply reaches the insert and hits the
// unique index, the way two processes racing on one key do.
type racyEntries struct {
	*memstore.Store
	mu     sync.Mutex
	misses int
}

func (r *racyEntries) GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.misses > 0 {
		r.misses--
		return nil, repository.ErrNotFound
	}
	return r.Store.GetByIdempotencyKey(ctx, key)
}

func (r *racyEntries) GetByIdempotencyKeyTx(context.Context, pgx.Tx, string) (*models.LedgerEntry, error) {
	return nil, repository.ErrNotFound
}

// failingWallets fails the balance write.
type failingWallets struct {
	*memstore.Store
}

func (failingWallets) UpdateBalanceTx(context.Context, pgx.Tx, uuid.UUID, int64) error {
	return errors.New("disk full")
}

// ---------------------------------------------------------------------------
// 1. Apply
// ---------------------------------------------------------------------------

func TestApply_DepositCreatesWalletLazily(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()

	entry, err := svc.Apply(context.Background(), deposit(owner, 100000, "dep-1"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if entry.Kind != models.EntryDeposit || entry.Amount != 100000 || entry.BalanceAfter != 100000 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if got := store.Balance(owner); got != 100000 {
		t.Errorf("balance: got %d, want 100000", got)
	}
	if n := len(store.Entries()); n != 1 {
		t.Errorf("entries: got %d, want 1", n)
	}
}

func TestApply_ReplayReturnsFirstResult(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()
	ctx := context.Background()

	if _, err := svc.Apply(ctx, deposit(owner, 100000, "dep")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	charge := ApplyRequest{OwnerID: owner, Amount: -15000, Kind: models.EntryChargeResponse, IdempotencyKey: "charge-1"}
	first, err := svc.Apply(ctx, charge)
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}

	// Same key, different amount: the first application wins.
	charge.Amount = -50000
	second, err := svc.Apply(ctx, charge)
	if err != nil {
		t.Fatalf("replayed charge: %v", err)
	}
	if second.ID != first.ID || second.Amount != -15000 {
		t.Errorf("replay should return the first entry, got %+v", second)
	}
	if got := store.Balance(owner); got != 85000 {
		t.Errorf("balance: got %d, want 85000", got)
	}
	if n := len(store.Entries()); n != 2 {
		t.Errorf("entries: got %d, want 2", n)
	}
}

func TestApply_NoOverdraftByDefault(t *testing.T) {
	ctx := context.Background()
	for _, balance := range []int64{0, 1, 500, 15000} {
		for _, debit := range []int64{balance + 1, balance + 1000, 2*balance + 7} {
			store := memstore.New()
			svc := newTestService(store)
			owner := uuid.New()
			if balance > 0 {
				if _, err := svc.Apply(ctx, deposit(owner, balance, "seed")); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			_, err := svc.Apply(ctx, ApplyRequest{
				OwnerID: owner, Amount: -debit, Kind: models.EntryWithdrawal,
				IdempotencyKey: fmt.Sprintf("w-%d-%d", balance, debit),
			})
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("balance %d debit %d: expected ErrInsufficientFunds, got %v", balance, debit, err)
			}
			if got := store.Balance(owner); got != balance {
				t.Errorf("balance %d debit %d: balance changed to %d", balance, debit, got)
			}
		}
	}
}

func TestApply_OverdraftWhenAllowed(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()

	entry, err := svc.Apply(context.Background(), ApplyRequest{
		OwnerID: owner, Amount: -3000, Kind: models.EntryChargeCommission,
		IdempotencyKey: "commission:1", AllowOverdraft: true,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if entry.BalanceAfter != -3000 || store.Balance(owner) != -3000 {
		t.Errorf("overdraft balance: entry %d, wallet %d", entry.BalanceAfter, store.Balance(owner))
	}
}

func TestApply_Validation(t *testing.T) {
	svc := newTestService(memstore.New())
	owner := uuid.New()
	cases := []struct {
		name string
		req  ApplyRequest
		want error
	}{
		{"zero amount", ApplyRequest{OwnerID: owner, Kind: models.EntryDeposit, IdempotencyKey: "k"}, ErrInvalidAmount},
		{"unknown kind", ApplyRequest{OwnerID: owner, Amount: 1, Kind: "bonus", IdempotencyKey: "k"}, ErrInvalidKind},
		{"missing key", ApplyRequest{OwnerID: owner, Amount: 1, Kind: models.EntryDeposit}, ErrMissingKey},
		{"missing owner", ApplyRequest{Amount: 1, Kind: models.EntryDeposit, IdempotencyKey: "k"}, ErrMissingOwner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Apply(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestApply_UniqueViolationIsReplay(t *testing.T) {
	store := memstore.New()
	owner := uuid.New()
	ctx := context.Background()

	plain := newTestService(store)
	first, err := plain.Apply(ctx, deposit(owner, 700, "shared-key"))
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}

	entries := &racyEntries{Store: store, misses: 1}
	svc := NewService(store, store, entries, lock.NewKeyedMutex(), "UZS", nil)
	got, err := svc.Apply(ctx, deposit(uuid.New(), 900, "shared-key"))
	if err != nil {
		t.Fatalf("racing apply: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected the committed entry %s, got %s", first.ID, got.ID)
	}
}

func TestApply_FailedWriteAppendsNothing(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, failingWallets{store}, store, lock.NewKeyedMutex(), "UZS", nil)

	if _, err := svc.Apply(context.Background(), deposit(uuid.New(), 100, "k")); err == nil {
		t.Fatal("expected error from failed balance write")
	}
	if n := len(store.Entries()); n != 0 {
		t.Errorf("entries after failed write: got %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// 2. Concurrency
// ---------------------------------------------------------------------------

func TestApply_ConcurrentSameWalletConserves(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()
	ctx := context.Background()

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Apply(ctx, deposit(owner, 100, fmt.Sprintf("dep-%d", i))); err != nil {
				t.Errorf("deposit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// 64 debits of 150 exceed the 6400 deposited, so some must be rejected.
	var succeeded atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Apply(ctx, ApplyRequest{
				OwnerID: owner, Amount: -150, Kind: models.EntryWithdrawal,
				IdempotencyKey: fmt.Sprintf("wd-%d", i),
			})
			if err == nil {
				succeeded.Add(1)
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("withdraw %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if n := succeeded.Load(); n != 42 {
		t.Errorf("successful debits: got %d, want 42", n)
	}
	if got := store.Balance(owner); got != 6400-42*150 {
		t.Fatalf("balance: got %d, want %d", got, 6400-42*150)
	}
	if err := svc.Reconcile(ctx, owner); err != nil {
		t.Errorf("Reconcile: %v", err)
	}
}

func TestApply_ConcurrentSameKeyAppliesOnce(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := svc.Apply(ctx, deposit(owner, 250, "retry-me"))
			if err != nil {
				t.Errorf("apply %d: %v", i, err)
				return
			}
			ids[i] = e.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("call %d returned entry %s, want %s", i, ids[i], ids[0])
		}
	}
	if got := store.Balance(owner); got != 250 {
		t.Errorf("balance: got %d, want 250", got)
	}
}

// ---------------------------------------------------------------------------
// 3. Reads
// ---------------------------------------------------------------------------

func TestBalance_UnknownOwnerIsZero(t *testing.T) {
	svc := newTestService(memstore.New())
	w, err := svc.Balance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if w.Balance != 0 || w.Currency != "UZS" {
		t.Errorf("unexpected wallet: %+v", w)
	}
}

func TestHistory_PagesNewestFirst(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := svc.Apply(ctx, deposit(owner, int64(i), fmt.Sprintf("k%d", i))); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if _, err := svc.Apply(ctx, deposit(uuid.New(), 99, "other")); err != nil {
		t.Fatalf("apply other: %v", err)
	}

	page, err := svc.History(ctx, owner, 2, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if page.Total != 5 || len(page.Entries) != 2 {
		t.Fatalf("page: total %d, len %d", page.Total, len(page.Entries))
	}
	if page.Entries[0].Amount != 4 || page.Entries[1].Amount != 3 {
		t.Errorf("order: got %d, %d; want 4, 3", page.Entries[0].Amount, page.Entries[1].Amount)
	}

	clamped, err := svc.History(ctx, owner, 1000, -3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if clamped.Limit != MaxPageSize || clamped.Offset != 0 {
		t.Errorf("clamp: limit %d offset %d", clamped.Limit, clamped.Offset)
	}

	empty, err := svc.History(ctx, uuid.New(), 0, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if empty.Entries == nil || empty.Limit != DefaultPageSize {
		t.Errorf("empty history should be a non-nil page with default limit: %+v", empty)
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	store := memstore.New()
	svc := newTestService(store)
	owner := uuid.New()
	ctx := context.Background()

	if _, err := svc.Apply(ctx, deposit(owner, 100, "k")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	w, _ := store.GetByOwner(ctx, owner)
	_ = store.UpdateBalanceTx(ctx, nil, w.ID, 101)

	if err := svc.Reconcile(ctx, owner); !errors.Is(err, ErrReconciliation) {
		t.Errorf("expected ErrReconciliation, got %v", err)
	}
}
