package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

// RequestRepo reads client requests. They are written by the marketplace side.
type RequestRepo struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{pool: pool}
}

const requestColumns = `id, client_id, category_id, district, budget, tariff_type, status, created_at`

func scanRequest(row pgx.Row) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	if err := row.Scan(&r.ID, &r.ClientID, &r.CategoryID, &r.District, &r.Budget, &r.TariffType, &r.Status, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetByIDForUpdate locks the request row so responses to it are counted one at a time.
func (r *RequestRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ServiceRequest, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return req, nil
}
