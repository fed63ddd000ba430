package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type ResponseRepo struct {
	pool *pgxpool.Pool
}

func NewResponseRepo(pool *pgxpool.Pool) *ResponseRepo {
	return &ResponseRepo{pool: pool}
}

const responseColumns = `id, request_id, client_id, specialist_id, tariff_type, price_paid, viewed_at, refund_processed, refund_attempted_at, created_at`

func scanResponse(row pgx.Row) (*models.Response, error) {
	var r models.Response
	if err := row.Scan(&r.ID, &r.RequestID, &r.ClientID, &r.SpecialistID, &r.TariffType, &r.PricePaid, &r.ViewedAt, &r.RefundProcessed, &r.RefundAttemptedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *ResponseRepo) CreateTx(ctx context.Context, tx pgx.Tx, resp *models.Response) error {
	return tx.QueryRow(ctx, `
		INSERT INTO responses (id, request_id, client_id, specialist_id, tariff_type, price_paid)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, resp.ID, resp.RequestID, resp.ClientID, resp.SpecialistID, resp.TariffType, resp.PricePaid).Scan(&resp.CreatedAt)
}

func (r *ResponseRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Response, error) {
	resp, err := scanResponse(r.pool.QueryRow(ctx, `SELECT `+responseColumns+` FROM responses WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return resp, nil
}

// GetByIDForUpdate locks the response row. Call within a transaction.
func (r *ResponseRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Response, error) {
	resp, err := scanResponse(tx.QueryRow(ctx, `SELECT `+responseColumns+` FROM responses WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return resp, nil
}

// MarkViewed stamps viewed_at once; later calls keep the first timestamp.
func (r *ResponseRepo) MarkViewed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE responses SET viewed_at = COALESCE(viewed_at, $2) WHERE id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByRequestTx counts the responses already recorded for a request.
func (r *ResponseRepo) CountByRequestTx(ctx context.Context, tx pgx.Tx, requestID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM responses WHERE request_id = $1`, requestID).Scan(&n)
	return n, err
}

// ListRefundCandidates returns ids of paid RESPONSE-tariff responses created before
// cutoff that were never viewed and not yet refunded. Never-attempted responses come
// first, then the ones whose last failed attempt is oldest.
func (r *ResponseRepo) ListRefundCandidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM responses
		WHERE tariff_type = $1
		  AND viewed_at IS NULL
		  AND refund_processed = false
		  AND price_paid > 0
		  AND created_at < $2
		ORDER BY refund_attempted_at NULLS FIRST, created_at
		LIMIT $3
	`, models.ChargeTypeResponse, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ResponseRepo) MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE responses SET refund_processed = true WHERE id = $1`, id)
	return err
}

// MarkRefundAttempted records a failed refund so the next sweep tries it last.
func (r *ResponseRepo) MarkRefundAttempted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE responses SET refund_attempted_at = $2 WHERE id = $1`, id, at)
	return err
}
