package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type GatewayRepo struct {
	pool *pgxpool.Pool
}

func NewGatewayRepo(pool *pgxpool.Pool) *GatewayRepo {
	return &GatewayRepo{pool: pool}
}

const gatewayColumns = `id, provider_id, provider_time, amount, account, deal_id, state, reason, create_time, perform_time, cancel_time, created_at`

func scanGatewayTx(row pgx.Row) (*models.GatewayTransaction, error) {
	var t models.GatewayTransaction
	if err := row.Scan(&t.ID, &t.ProviderID, &t.ProviderTime, &t.Amount, &t.Account, &t.DealID, &t.State, &t.Reason,
		&t.CreateTime, &t.PerformTime, &t.CancelTime, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *GatewayRepo) GetByProviderID(ctx context.Context, providerID string) (*models.GatewayTransaction, error) {
	t, err := scanGatewayTx(r.pool.QueryRow(ctx, `SELECT `+gatewayColumns+` FROM gateway_transactions WHERE provider_id = $1`, providerID))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// GetByProviderIDForUpdate locks the transaction row. Call within a transaction.
func (r *GatewayRepo) GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerID string) (*models.GatewayTransaction, error) {
	t, err := scanGatewayTx(tx.QueryRow(ctx, `SELECT `+gatewayColumns+` FROM gateway_transactions WHERE provider_id = $1 FOR UPDATE`, providerID))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// FindActiveByDealTx returns a pending or performed transaction for the deal, if any.
func (r *GatewayRepo) FindActiveByDealTx(ctx context.Context, tx pgx.Tx, dealID uuid.UUID) (*models.GatewayTransaction, error) {
	t, err := scanGatewayTx(tx.QueryRow(ctx, `
		SELECT `+gatewayColumns+` FROM gateway_transactions
		WHERE deal_id = $1 AND state IN (1, 2)
		ORDER BY create_time DESC LIMIT 1
	`, dealID))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (r *GatewayRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO gateway_transactions (id, provider_id, provider_time, amount, account, deal_id, state, reason, create_time, perform_time, cancel_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, t.ID, t.ProviderID, t.ProviderTime, t.Amount, t.Account, t.DealID, t.State, t.Reason, t.CreateTime, t.PerformTime, t.CancelTime).Scan(&t.CreatedAt)
}

func (r *GatewayRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.GatewayTransaction) error {
	_, err := tx.Exec(ctx, `
		UPDATE gateway_transactions
		SET state = $2, reason = $3, perform_time = $4, cancel_time = $5
		WHERE id = $1
	`, t.ID, t.State, t.Reason, t.PerformTime, t.CancelTime)
	return err
}

// ListByCreateTime returns transactions with from <= create_time <= to, oldest first.
func (r *GatewayRepo) ListByCreateTime(ctx context.Context, from, to int64) ([]*models.GatewayTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+gatewayColumns+` FROM gateway_transactions
		WHERE create_time BETWEEN $1 AND $2
		ORDER BY create_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.GatewayTransaction
	for rows.Next() {
		t, err := scanGatewayTx(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
