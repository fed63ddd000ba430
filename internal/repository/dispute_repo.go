package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type DisputeRepo struct {
	pool *pgxpool.Pool
}

func NewDisputeRepo(pool *pgxpool.Pool) *DisputeRepo {
	return &DisputeRepo{pool: pool}
}

const disputeColumns = `id, deal_id, opened_by, reason, status, decision, resolved_by, resolved_at, created_at`

func scanDispute(row pgx.Row) (*models.Dispute, error) {
	var d models.Dispute
	if err := row.Scan(&d.ID, &d.DealID, &d.OpenedBy, &d.Reason, &d.Status, &d.Decision, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DisputeRepo) CreateTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	return tx.QueryRow(ctx, `
		INSERT INTO disputes (id, deal_id, opened_by, reason, status, decision)
		VALUES ($1, $2, $3, $4, $5, '')
		RETURNING created_at
	`, d.ID, d.DealID, d.OpenedBy, d.Reason, d.Status).Scan(&d.CreatedAt)
}

func (r *DisputeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// GetByIDForUpdate locks the dispute row. Call within a transaction.
func (r *DisputeRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (r *DisputeRepo) ResolveTx(ctx context.Context, tx pgx.Tx, d *models.Dispute) error {
	_, err := tx.Exec(ctx, `
		UPDATE disputes SET status = $2, decision = $3, resolved_by = $4, resolved_at = $5 WHERE id = $1
	`, d.ID, d.Status, d.Decision, d.ResolvedBy, d.ResolvedAt)
	return err
}
