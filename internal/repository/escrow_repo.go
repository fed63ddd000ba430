package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type EscrowRepo struct {
	pool *pgxpool.Pool
}

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool}
}

const escrowColumns = `id, deal_id, payer_id, recipient_id, amount, commission, state, reserved_at, locked_at, released_at, refunded_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	if err := row.Scan(&e.ID, &e.DealID, &e.PayerID, &e.RecipientID, &e.Amount, &e.Commission, &e.State,
		&e.ReservedAt, &e.LockedAt, &e.ReleasedAt, &e.RefundedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EscrowRepo) GetByDeal(ctx context.Context, dealID uuid.UUID) (*models.Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE deal_id = $1`, dealID))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// GetByDealForUpdate locks the deal's escrow row. Call within a transaction.
func (r *EscrowRepo) GetByDealForUpdate(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*models.Escrow, error) {
	e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE deal_id = $1 FOR UPDATE`, dealID))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// CreateTx inserts a PENDING escrow unless the deal already has one.
// Reports whether a row was inserted.
func (r *EscrowRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Escrow) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO escrows (id, deal_id, payer_id, recipient_id, amount, commission, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (deal_id) DO NOTHING
	`, e.ID, e.DealID, e.PayerID, e.RecipientID, e.Amount, e.Commission, e.State)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStateTx persists state, commission and transition timestamps.
func (r *EscrowRepo) UpdateStateTx(ctx context.Context, tx pgx.Tx, e *models.Escrow) error {
	_, err := tx.Exec(ctx, `
		UPDATE escrows
		SET state = $2, commission = $3, reserved_at = $4, locked_at = $5, released_at = $6, refunded_at = $7, updated_at = now()
		WHERE id = $1
	`, e.ID, e.State, e.Commission, e.ReservedAt, e.LockedAt, e.ReleasedAt, e.RefundedAt)
	return err
}
