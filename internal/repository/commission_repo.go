package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type CommissionRepo struct {
	pool *pgxpool.Pool
}

func NewCommissionRepo(pool *pgxpool.Pool) *CommissionRepo {
	return &CommissionRepo{pool: pool}
}

// GetByDealForUpdate locks the deal's commission code row. Call within a transaction.
func (r *CommissionRepo) GetByDealForUpdate(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*models.CommissionCode, error) {
	var c models.CommissionCode
	err := tx.QueryRow(ctx, `
		SELECT deal_id, specialist_id, code_hash, amount, entry_id, confirmed_at, created_at
		FROM commission_codes WHERE deal_id = $1 FOR UPDATE
	`, dealID).Scan(&c.DealID, &c.SpecialistID, &c.CodeHash, &c.Amount, &c.EntryID, &c.ConfirmedAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// UpsertTx stores a fresh code hash for the deal, replacing an unconfirmed one.
// A confirmed code is left alone and ErrNotFound is returned.
func (r *CommissionRepo) UpsertTx(ctx context.Context, tx pgx.Tx, c *models.CommissionCode) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO commission_codes (deal_id, specialist_id, code_hash, amount)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (deal_id) DO UPDATE SET code_hash = EXCLUDED.code_hash, created_at = now()
		WHERE commission_codes.confirmed_at IS NULL
		RETURNING created_at
	`, c.DealID, c.SpecialistID, c.CodeHash).Scan(&c.CreatedAt)
	return notFound(err)
}

func (r *CommissionRepo) ConfirmTx(ctx context.Context, tx pgx.Tx, c *models.CommissionCode) error {
	_, err := tx.Exec(ctx, `
		UPDATE commission_codes SET amount = $2, entry_id = $3, confirmed_at = $4 WHERE deal_id = $1
	`, c.DealID, c.Amount, c.EntryID, c.ConfirmedAt)
	return err
}
