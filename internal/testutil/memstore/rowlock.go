package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/models"
)

// RowLocks gives deal rows SELECT ... FOR UPDATE semantics: a row locked through
// LockingDeals stays held by its transaction until Commit or Rollback. Use it as the
// TxBeginner of every service under test so they share the same locks.
type RowLocks struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]chan struct{}
	waiting map[uuid.UUID]int
	onLock  func(id uuid.UUID)
}

func NewRowLocks() *RowLocks {
	return &RowLocks{rows: make(map[uuid.UUID]chan struct{}), waiting: make(map[uuid.UUID]int)}
}

func (l *RowLocks) Begin(context.Context) (pgx.Tx, error) {
	return &LockingTx{locks: l}, nil
}

// OnNextLock runs fn once, right after the next row lock is granted and before the
// caller reads the row.
func (l *RowLocks) OnNextLock(fn func(id uuid.UUID)) {
	l.mu.Lock()
	l.onLock = fn
	l.mu.Unlock()
}

// Waiting reports how many transactions are blocked on the row.
func (l *RowLocks) Waiting(id uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting[id]
}

func (l *RowLocks) row(id uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.rows[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[id] = ch
	}
	return ch
}

func (l *RowLocks) acquire(ctx context.Context, id uuid.UUID) error {
	ch := l.row(id)
	select {
	case ch <- struct{}{}:
	default:
		l.mu.Lock()
		l.waiting[id]++
		l.mu.Unlock()
		defer func() {
			l.mu.Lock()
			l.waiting[id]--
			l.mu.Unlock()
		}()
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	fn := l.onLock
	l.onLock = nil
	l.mu.Unlock()
	if fn != nil {
		fn(id)
	}
	return nil
}

// LockingTx is a transaction that owns row locks. Commit and Rollback release them.
type LockingTx struct {
	Tx
	locks *RowLocks
	mu    sync.Mutex
	held  []uuid.UUID
}

func (t *LockingTx) Commit(context.Context) error {
	t.release()
	return nil
}

func (t *LockingTx) Rollback(context.Context) error {
	t.release()
	return nil
}

func (t *LockingTx) lock(ctx context.Context, id uuid.UUID) error {
	t.mu.Lock()
	for _, h := range t.held {
		if h == id {
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()

	if err := t.locks.acquire(ctx, id); err != nil {
		return err
	}
	t.mu.Lock()
	t.held = append(t.held, id)
	t.mu.Unlock()
	return nil
}

func (t *LockingTx) release() {
	t.mu.Lock()
	held := t.held
	t.held = nil
	t.mu.Unlock()
	for _, id := range held {
		<-t.locks.row(id)
	}
}

// LockingDeals is the deal table with row locks taken by GetByIDForUpdate when the tx
// came from a RowLocks. Other transactions read without locking.
type LockingDeals struct {
	Deals
}

func (s *Store) LockingDeals() LockingDeals {
	return LockingDeals{Deals: s.Deals()}
}

func (r LockingDeals) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	if lt, ok := tx.(*LockingTx); ok {
		if err := lt.lock(ctx, id); err != nil {
			return nil, err
		}
	}
	return r.Deals.GetByIDForUpdate(ctx, tx, id)
}
