package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type WalletRepo struct {
	pool *pgxpool.Pool
}

func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

func (r *WalletRepo) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, balance, currency, created_at, updated_at
		FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// GetOrCreateForUpdate ensures the owner's wallet exists and locks its row. Call within a transaction.
func (r *WalletRepo) GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID, currency string) (*models.Wallet, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, owner_id, balance, currency)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (owner_id) DO NOTHING
	`, uuid.New(), ownerID, currency)
	if err != nil {
		return nil, err
	}
	var w models.Wallet
	err = tx.QueryRow(ctx, `
		SELECT id, owner_id, balance, currency, created_at, updated_at
		FROM wallets WHERE owner_id = $1 FOR UPDATE
	`, ownerID).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateBalanceTx sets the wallet balance. Call after GetOrCreateForUpdate in the same tx.
func (r *WalletRepo) UpdateBalanceTx(ctx context.Context, tx pgx.Tx, walletID uuid.UUID, balance int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = $2, updated_at = now() WHERE id = $1
	`, walletID, balance)
	return err
}
