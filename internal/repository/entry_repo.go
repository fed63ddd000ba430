package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/profimatch/backend/internal/models"
)

type EntryRepo struct {
	pool *pgxpool.Pool
}

func NewEntryRepo(pool *pgxpool.Pool) *EntryRepo {
	return &EntryRepo{pool: pool}
}

const entryColumns = `id, wallet_id, owner_id, amount, kind, description, metadata, idempotency_key, balance_after, created_at`

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := row.Scan(&e.ID, &e.WalletID, &e.OwnerID, &e.Amount, &e.Kind, &e.Description, &e.Metadata, &e.IdempotencyKey, &e.BalanceAfter, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EntryRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (r *EntryRepo) GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.LedgerEntry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// CreateTx appends an entry inside the given transaction. A reused idempotency key
// fails with a unique violation.
func (r *EntryRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, wallet_id, owner_id, amount, kind, description, metadata, idempotency_key, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, e.ID, e.WalletID, e.OwnerID, e.Amount, e.Kind, e.Description, metadata, e.IdempotencyKey, e.BalanceAfter).Scan(&e.CreatedAt)
}

// ListByOwner returns a page of the owner's entries, newest first, and the total count.
func (r *EntryRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM ledger_entries WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, e)
	}
	return list, total, rows.Err()
}

// SumByOwner returns the sum of all signed entry amounts for the owner.
func (r *EntryRepo) SumByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(sum(amount), 0)::bigint FROM ledger_entries WHERE owner_id = $1`, ownerID).Scan(&sum)
	return sum, err
}
