package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/profimatch/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WalletRepo is the wallet storage the ledger needs.
type WalletRepo interface {
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID, currency string) (*models.Wallet, error)
	UpdateBalanceTx(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, balance int64) error
}

// EntryRepo is the append-only entry storage the ledger needs.
type EntryRepo interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.LedgerEntry, error)
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int, error)
	SumByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)
}
