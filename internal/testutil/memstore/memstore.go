// Package memstore keeps every money-core table in memory behind the same method sets
// as the pgx repositories, for service tests. Transactions are no-ops: writes land
// immediately. Only _test.go files import it.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
)

// Tx satisfies pgx.Tx; only Commit and Rollback are expected to be called.
type Tx struct{}

func (Tx) Begin(context.Context) (pgx.Tx, error) { return Tx{}, nil }
func (Tx) Commit(context.Context) error          { return nil }
func (Tx) Rollback(context.Context) error        { return nil }
func (Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (Tx) Conn() *pgx.Conn { return nil }

// Store holds all tables. The zero value is not usable; call New.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	wallets     map[uuid.UUID]*models.Wallet // by owner
	entries     []*models.LedgerEntry
	entryByKey  map[string]*models.LedgerEntry
	escrows     map[uuid.UUID]*models.Escrow // by deal
	deals       map[uuid.UUID]*models.Deal
	gatewayTxs  map[string]*models.GatewayTransaction // by provider id
	responses   map[uuid.UUID]*models.Response
	requests    map[uuid.UUID]*models.ServiceRequest
	disputes    map[uuid.UUID]*models.Dispute
	commissions map[uuid.UUID]*models.CommissionCode
}

func New() *Store {
	return &Store{
		now:         time.Now,
		wallets:     make(map[uuid.UUID]*models.Wallet),
		entryByKey:  make(map[string]*models.LedgerEntry),
		escrows:     make(map[uuid.UUID]*models.Escrow),
		deals:       make(map[uuid.UUID]*models.Deal),
		gatewayTxs:  make(map[string]*models.GatewayTransaction),
		responses:   make(map[uuid.UUID]*models.Response),
		requests:    make(map[uuid.UUID]*models.ServiceRequest),
		disputes:    make(map[uuid.UUID]*models.Dispute),
		commissions: make(map[uuid.UUID]*models.CommissionCode),
	}
}

// SetClock replaces the clock used for created_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) { return Tx{}, nil }

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (s *Store) GetByOwner(_ context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) GetOrCreateForUpdate(_ context.Context, _ pgx.Tx, ownerID uuid.UUID, currency string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		now := s.now()
		w = &models.Wallet{ID: uuid.New(), OwnerID: ownerID, Currency: currency, CreatedAt: now, UpdatedAt: now}
		s.wallets[ownerID] = w
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateBalanceTx(_ context.Context, _ pgx.Tx, walletID uuid.UUID, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.ID == walletID {
			w.Balance = balance
			w.UpdatedAt = s.now()
			return nil
		}
	}
	return repository.ErrNotFound
}

// ---------------------------------------------------------------------------
// Ledger entries
// ---------------------------------------------------------------------------

func (s *Store) GetByIdempotencyKey(_ context.Context, key string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entryByKey[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetByIdempotencyKeyTx(ctx context.Context, _ pgx.Tx, key string) (*models.LedgerEntry, error) {
	return s.GetByIdempotencyKey(ctx, key)
}

func (s *Store) CreateTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entryByKey[e.IdempotencyKey]; ok {
		return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	e.CreatedAt = s.now()
	cp := *e
	s.entries = append(s.entries, &cp)
	s.entryByKey[e.IdempotencyKey] = &cp
	return nil
}

func (s *Store) ListByOwner(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []*models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].OwnerID == ownerID {
			cp := *s.entries[i]
			mine = append(mine, &cp)
		}
	}
	total := len(mine)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return mine[offset:end], total, nil
}

func (s *Store) SumByOwner(_ context.Context, ownerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, e := range s.entries {
		if e.OwnerID == ownerID {
			sum += e.Amount
		}
	}
	return sum, nil
}

// Entries returns a copy of every entry in append order.
func (s *Store) Entries() []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LedgerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Balance returns the owner's balance, zero when no wallet exists.
func (s *Store) Balance(ownerID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[ownerID]; ok {
		return w.Balance
	}
	return 0
}

// ---------------------------------------------------------------------------
// Escrows
// ---------------------------------------------------------------------------

// Escrows is the escrow table view.
type Escrows struct{ s *Store }

func (s *Store) Escrows() Escrows { return Escrows{s} }

func (r Escrows) GetByDeal(_ context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.escrows[dealID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r Escrows) GetByDealForUpdate(ctx context.Context, _ pgx.Tx, dealID uuid.UUID) (*models.Escrow, error) {
	return r.GetByDeal(ctx, dealID)
}

func (r Escrows) CreateTx(_ context.Context, _ pgx.Tx, e *models.Escrow) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.escrows[e.DealID]; ok {
		return false, nil
	}
	now := r.s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	r.s.escrows[e.DealID] = &cp
	return true, nil
}

func (r Escrows) UpdateStateTx(_ context.Context, _ pgx.Tx, e *models.Escrow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.escrows[e.DealID]
	if !ok {
		return repository.ErrNotFound
	}
	cp := *e
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = r.s.now()
	r.s.escrows[e.DealID] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Deals
// ---------------------------------------------------------------------------

// Deals is the deal table view.
type Deals struct{ s *Store }

func (s *Store) Deals() Deals { return Deals{s} }

// Put inserts or replaces a deal.
func (r Deals) Put(d *models.Deal) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *d
	r.s.deals[d.ID] = &cp
}

func (r Deals) GetByID(_ context.Context, id uuid.UUID) (*models.Deal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deals[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r Deals) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	return r.GetByID(ctx, id)
}

func (r Deals) UpdateStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deals[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = r.s.now()
	return nil
}

// ---------------------------------------------------------------------------
// Gateway transactions
// ---------------------------------------------------------------------------

// GatewayTxs is the gateway transaction table view.
type GatewayTxs struct{ s *Store }

func (s *Store) GatewayTxs() GatewayTxs { return GatewayTxs{s} }

func (r GatewayTxs) GetByProviderID(_ context.Context, providerID string) (*models.GatewayTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.gatewayTxs[providerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r GatewayTxs) GetByProviderIDForUpdate(ctx context.Context, _ pgx.Tx, providerID string) (*models.GatewayTransaction, error) {
	return r.GetByProviderID(ctx, providerID)
}

func (r GatewayTxs) FindActiveByDealTx(_ context.Context, _ pgx.Tx, dealID uuid.UUID) (*models.GatewayTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *models.GatewayTransaction
	for _, t := range r.s.gatewayTxs {
		if t.DealID != dealID {
			continue
		}
		if t.State != models.GatewayStatePending && t.State != models.GatewayStatePerformed {
			continue
		}
		if found == nil || t.CreateTime > found.CreateTime {
			found = t
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r GatewayTxs) CreateTx(_ context.Context, _ pgx.Tx, t *models.GatewayTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.gatewayTxs[t.ProviderID]; ok {
		return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	t.CreatedAt = r.s.now()
	cp := *t
	r.s.gatewayTxs[t.ProviderID] = &cp
	return nil
}

func (r GatewayTxs) UpdateTx(_ context.Context, _ pgx.Tx, t *models.GatewayTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.gatewayTxs[t.ProviderID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.State = t.State
	cur.Reason = t.Reason
	cur.PerformTime = t.PerformTime
	cur.CancelTime = t.CancelTime
	return nil
}

func (r GatewayTxs) ListByCreateTime(_ context.Context, from, to int64) ([]*models.GatewayTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.GatewayTransaction
	for _, t := range r.s.gatewayTxs {
		if t.CreateTime >= from && t.CreateTime <= to {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime < out[j].CreateTime })
	return out, nil
}

// Count returns the number of stored gateway transactions.
func (r GatewayTxs) Count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.gatewayTxs)
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// Responses is the response table view.
type Responses struct{ s *Store }

func (s *Store) Responses() Responses { return Responses{s} }

// Put inserts or replaces a response, keeping its CreatedAt.
func (r Responses) Put(resp *models.Response) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *resp
	r.s.responses[resp.ID] = &cp
}

func (r Responses) CreateTx(_ context.Context, _ pgx.Tx, resp *models.Response) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.responses {
		if existing.RequestID == resp.RequestID && existing.SpecialistID == resp.SpecialistID {
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	resp.CreatedAt = r.s.now()
	cp := *resp
	r.s.responses[resp.ID] = &cp
	return nil
}

func (r Responses) GetByID(_ context.Context, id uuid.UUID) (*models.Response, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	resp, ok := r.s.responses[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *resp
	return &cp, nil
}

func (r Responses) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Response, error) {
	return r.GetByID(ctx, id)
}

func (r Responses) MarkViewed(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	resp, ok := r.s.responses[id]
	if !ok {
		return repository.ErrNotFound
	}
	if resp.ViewedAt == nil {
		resp.ViewedAt = &at
	}
	return nil
}

func (r Responses) ListRefundCandidates(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Response
	for _, resp := range r.s.responses {
		if resp.TariffType == models.ChargeTypeResponse && resp.ViewedAt == nil && !resp.RefundProcessed &&
			resp.PricePaid > 0 && resp.CreatedAt.Before(cutoff) {
			list = append(list, resp)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].RefundAttemptedAt, list[j].RefundAttemptedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if len(list) > limit {
		list = list[:limit]
	}
	ids := make([]uuid.UUID, 0, len(list))
	for _, resp := range list {
		ids = append(ids, resp.ID)
	}
	return ids, nil
}

func (r Responses) MarkRefundedTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	resp, ok := r.s.responses[id]
	if !ok {
		return repository.ErrNotFound
	}
	resp.RefundProcessed = true
	return nil
}

func (r Responses) CountByRequestTx(_ context.Context, _ pgx.Tx, requestID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, resp := range r.s.responses {
		if resp.RequestID == requestID {
			n++
		}
	}
	return n, nil
}

func (r Responses) MarkRefundAttempted(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	resp, ok := r.s.responses[id]
	if !ok {
		return repository.ErrNotFound
	}
	resp.RefundAttemptedAt = &at
	return nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Requests is the client request table view.
type Requests struct{ s *Store }

func (s *Store) Requests() Requests { return Requests{s} }

// Put inserts or replaces a request.
func (r Requests) Put(req *models.ServiceRequest) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *req
	r.s.requests[req.ID] = &cp
}

func (r Requests) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.ServiceRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

// Disputes is the dispute table view.
type Disputes struct{ s *Store }

func (s *Store) Disputes() Disputes { return Disputes{s} }

func (r Disputes) CreateTx(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.disputes {
		if existing.DealID == d.DealID && existing.Status == models.DisputeOpen {
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	d.CreatedAt = r.s.now()
	cp := *d
	r.s.disputes[d.ID] = &cp
	return nil
}

func (r Disputes) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.disputes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r Disputes) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	return r.GetByID(ctx, id)
}

func (r Disputes) ResolveTx(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.disputes[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Status = d.Status
	cur.Decision = d.Decision
	cur.ResolvedBy = d.ResolvedBy
	cur.ResolvedAt = d.ResolvedAt
	return nil
}

// ---------------------------------------------------------------------------
// Commission codes
// ---------------------------------------------------------------------------

// Commissions is the commission code table view.
type Commissions struct{ s *Store }

func (s *Store) Commissions() Commissions { return Commissions{s} }

func (r Commissions) GetByDealForUpdate(_ context.Context, _ pgx.Tx, dealID uuid.UUID) (*models.CommissionCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.commissions[dealID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r Commissions) UpsertTx(_ context.Context, _ pgx.Tx, c *models.CommissionCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cur, ok := r.s.commissions[c.DealID]; ok && cur.ConfirmedAt != nil {
		return repository.ErrNotFound
	}
	c.CreatedAt = r.s.now()
	cp := *c
	r.s.commissions[c.DealID] = &cp
	return nil
}

func (r Commissions) ConfirmTx(_ context.Context, _ pgx.Tx, c *models.CommissionCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.commissions[c.DealID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Amount = c.Amount
	cur.EntryID = c.EntryID
	cur.ConfirmedAt = c.ConfirmedAt
	return nil
}
