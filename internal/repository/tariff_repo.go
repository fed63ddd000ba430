package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/profimatch/backend/internal/models"
)

type TariffRepo struct {
	pool *pgxpool.Pool
}

func NewTariffRepo(pool *pgxpool.Pool) *TariffRepo {
	return &TariffRepo{pool: pool}
}

// ListActive returns every active tariff rule. budget_tiers and competition are JSONB.
func (r *TariffRepo) ListActive(ctx context.Context) ([]models.TariffRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, category_id, district, charge_type, base_price::text, min_price::text, max_price::text, budget_tiers, competition, active
		FROM tariff_rules WHERE active
		ORDER BY category_id, district NULLS LAST
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.TariffRule
	for rows.Next() {
		var t models.TariffRule
		var base, minP, maxP string
		if err := rows.Scan(&t.ID, &t.CategoryID, &t.District, &t.ChargeType, &base, &minP, &maxP, &t.BudgetTiers, &t.Competition, &t.Active); err != nil {
			return nil, err
		}
		if t.BasePrice, err = decimal.NewFromString(base); err != nil {
			return nil, fmt.Errorf("tariff %s base_price: %w", t.ID, err)
		}
		if t.MinPrice, err = decimal.NewFromString(minP); err != nil {
			return nil, fmt.Errorf("tariff %s min_price: %w", t.ID, err)
		}
		if t.MaxPrice, err = decimal.NewFromString(maxP); err != nil {
			return nil, fmt.Errorf("tariff %s max_price: %w", t.ID, err)
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
