package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/lock"
	"github.com/profimatch/backend/internal/metrics"
	"github.com/profimatch/backend/internal/models"
	"github.com/profimatch/backend/internal/repository"
)

var (
	// ErrInsufficientFunds is returned when a debit would take the balance below zero
	// without overdraft permission. Nothing is written.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be non-zero")
	ErrInvalidKind       = errors.New("unknown entry kind")
	ErrMissingKey        = errors.New("idempotency key is required")
	ErrMissingOwner      = errors.New("wallet owner is required")
	// ErrReconciliation means a wallet balance disagrees with the sum of its entries.
	ErrReconciliation = errors.New("balance does not match ledger entries")
)

// History page bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// ApplyRequest describes one balance change. Amount is signed: positive credits, negative debits.
type ApplyRequest struct {
	OwnerID        uuid.UUID
	Amount         int64
	Kind           string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
	AllowOverdraft bool
}

func (r ApplyRequest) validate() error {
	switch {
	case r.OwnerID == uuid.Nil:
		return ErrMissingOwner
	case r.Amount == 0:
		return ErrInvalidAmount
	case !models.ValidEntryKind(r.Kind):
		return fmt.Errorf("%w: %q", ErrInvalidKind, r.Kind)
	case r.IdempotencyKey == "":
		return ErrMissingKey
	}
	return nil
}

// Statement is one page of a wallet's history, newest first.
type Statement struct {
	Entries []*models.LedgerEntry `json:"entries"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

type Service interface {
	// Apply changes the owner's balance once per idempotency key. A reused key returns
	// the entry written by the first call and changes nothing.
	Apply(ctx context.Context, req ApplyRequest) (*models.LedgerEntry, error)
	// ApplyTx is Apply inside the caller's transaction. The caller commits.
	ApplyTx(ctx context.Context, tx pgx.Tx, req ApplyRequest) (*models.LedgerEntry, error)
	Balance(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	History(ctx context.Context, ownerID uuid.UUID, limit, offset int) (*Statement, error)
	Reconcile(ctx context.Context, ownerID uuid.UUID) error
}

type service struct {
	db       TxBeginner
	wallets  WalletRepo
	entries  EntryRepo
	locker   lock.Locker
	currency string
	log      *slog.Logger
}

func NewService(db TxBeginner, wallets WalletRepo, entries EntryRepo, locker lock.Locker, currency string, log *slog.Logger) Service {
	if currency == "" {
		currency = models.DefaultCurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{db: db, wallets: wallets, entries: entries, locker: locker, currency: currency, log: log}
}

var _ Service = (*service)(nil)

func (s *service) Apply(ctx context.Context, req ApplyRequest) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		metrics.LedgerApplies.WithLabelValues(req.Kind, "invalid").Inc()
		return nil, err
	}
	if existing, err := s.entries.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		metrics.LedgerApplies.WithLabelValues(req.Kind, "replay").Inc()
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.ApplyTx(ctx, tx, req)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		// Same key committed by a racer on another wallet: the unique index rejected ours.
		if repository.IsUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			metrics.LedgerApplies.WithLabelValues(req.Kind, "replay").Inc()
			return s.entries.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}
	return entry, nil
}

func (s *service) ApplyTx(ctx context.Context, tx pgx.Tx, req ApplyRequest) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.LedgerApplyDuration.Observe(time.Since(start).Seconds()) }()

	key := lock.WalletKey(req.OwnerID)
	if err := s.locker.Acquire(ctx, key); err != nil {
		return nil, err
	}
	defer s.locker.Release(key)

	if existing, err := s.entries.GetByIdempotencyKeyTx(ctx, tx, req.IdempotencyKey); err == nil {
		metrics.LedgerApplies.WithLabelValues(req.Kind, "replay").Inc()
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	w, err := s.wallets.GetOrCreateForUpdate(ctx, tx, req.OwnerID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	balance := w.Balance + req.Amount
	if balance < 0 && !req.AllowOverdraft {
		metrics.LedgerApplies.WithLabelValues(req.Kind, "insufficient_funds").Inc()
		return nil, ErrInsufficientFunds
	}
	if err := s.wallets.UpdateBalanceTx(ctx, tx, w.ID, balance); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		WalletID:       w.ID,
		OwnerID:        req.OwnerID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		Description:    req.Description,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		BalanceAfter:   balance,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	metrics.LedgerApplies.WithLabelValues(req.Kind, "applied").Inc()
	s.log.Debug("ledger entry applied", "owner_id", req.OwnerID, "kind", req.Kind, "amount", req.Amount, "balance", balance)
	return entry, nil
}

// Balance returns the owner's wallet. An owner with no financial history gets a zero
// wallet that is not persisted.
func (s *service) Balance(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	w, err := s.wallets.GetByOwner(ctx, ownerID)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.Wallet{OwnerID: ownerID, Currency: s.currency}, nil
	}
	return w, err
}

func (s *service) History(ctx context.Context, ownerID uuid.UUID, limit, offset int) (*Statement, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	entries, total, err := s.entries.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return &Statement{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// Reconcile checks that the wallet balance equals the sum of its entries.
func (s *service) Reconcile(ctx context.Context, ownerID uuid.UUID) error {
	w, err := s.Balance(ctx, ownerID)
	if err != nil {
		return err
	}
	sum, err := s.entries.SumByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if sum != w.Balance {
		s.log.Error("ledger reconciliation failed", "owner_id", ownerID, "balance", w.Balance, "entries_sum", sum)
		return fmt.Errorf("%w: balance %d, entries %d", ErrReconciliation, w.Balance, sum)
	}
	return nil
}
