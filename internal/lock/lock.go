// Package lock provides per-key mutual exclusion for balance mutations and other
// read-check-write sections that must not interleave for the same key.
package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker serializes callers on a key. Acquire blocks until the key is free or ctx is done.
// Every successful Acquire must be paired with exactly one Release of the same key.
type Locker interface {
	Acquire(ctx context.Context, key string) error
	Release(key string)
}

// WalletKey is the lock key for a wallet owner.
func WalletKey(ownerID uuid.UUID) string {
	return "wallet:" + ownerID.String()
}

// DealKey is the lock key for per-deal state (escrow, commission code).
func DealKey(dealID uuid.UUID) string {
	return "deal:" + dealID.String()
}

// GatewayKey is the lock key for one provider transaction.
func GatewayKey(providerID string) string {
	return "gateway:" + providerID
}

// ResponseKey is the lock key for one paid response.
func ResponseKey(responseID uuid.UUID) string {
	return "response:" + responseID.String()
}

func DisputeKey(disputeID uuid.UUID) string {
	return "dispute:" + disputeID.String()
}

// With runs fn while holding key.
func With(ctx context.Context, l Locker, key string, fn func() error) error {
	if err := l.Acquire(ctx, key); err != nil {
		return err
	}
	defer l.Release(key)
	return fn()
}

// KeyedMutex is an in-process Locker. Keys nobody holds or waits on are dropped.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

var _ Locker = (*KeyedMutex)(nil)

func (m *KeyedMutex) Acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		m.drop(key, e)
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *KeyedMutex) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		panic("lock: release of unheld key " + key)
	}
	select {
	case <-e.ch:
	default:
		panic("lock: release of unheld key " + key)
	}
	m.drop(key, e)
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) drop(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
