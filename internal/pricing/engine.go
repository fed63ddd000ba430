// Package pricing computes charges from tariff rules. Price is a pure function of its
// input and a rule snapshot.
package pricing

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/profimatch/backend/internal/models"
)

// SafetyNetPrice is charged when no rule covers the request.
const SafetyNetPrice int64 = 5000

var tierCoefficients = map[string]decimal.Decimal{
	models.TierNew:      decimal.RequireFromString("1.00"),
	models.TierVerified: decimal.RequireFromString("0.95"),
	models.TierPro:      decimal.RequireFromString("0.90"),
	models.TierTop:      decimal.RequireFromString("0.85"),
}

// TierCoefficient returns the discount multiplier for an actor tier; unknown tiers pay full price.
func TierCoefficient(tier string) decimal.Decimal {
	if c, ok := tierCoefficients[tier]; ok {
		return c
	}
	return decimal.NewFromInt(1)
}

// Input is everything a price depends on besides the rules.
type Input struct {
	CategoryID string  `json:"category_id"`
	District   *string `json:"district,omitempty"`
	ChargeType string  `json:"charge_type"`
	Budget     int64   `json:"budget"`
	Competing  int     `json:"competing_responses"`
	Tier       string  `json:"tier"`
}

// Price evaluates rules for in. Rounding is half away from zero to whole currency units.
func Price(rules *Rules, in Input) int64 {
	rule, ok := rules.Lookup(in.CategoryID, in.District, in.ChargeType)
	if !ok {
		return SafetyNetPrice
	}
	price := rule.BasePrice.
		Mul(budgetMultiplier(rule.BudgetTiers, decimal.NewFromInt(in.Budget))).
		Mul(competitionMultiplier(rule.Competition, in.Competing)).
		Mul(TierCoefficient(in.Tier))

	if price.LessThan(rule.MinPrice) {
		price = rule.MinPrice
	}
	if price.GreaterThan(rule.MaxPrice) {
		price = rule.MaxPrice
	}
	return price.Round(0).IntPart()
}

// budgetMultiplier expects tiers sorted ascending with the unbounded tier last.
func budgetMultiplier(tiers []models.BudgetTier, budget decimal.Decimal) decimal.Decimal {
	for _, t := range tiers {
		if t.Threshold == nil || budget.LessThanOrEqual(*t.Threshold) {
			return t.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

func competitionMultiplier(c models.CompetitionConfig, competing int) decimal.Decimal {
	if competing < 0 {
		competing = 0
	}
	m := c.Base.Add(c.Step.Mul(decimal.NewFromInt(int64(competing))))
	if m.GreaterThan(c.Cap) {
		return c.Cap
	}
	return m
}

// Source supplies tariff rules, e.g. the tariff_rules table.
type Source interface {
	ListActive(ctx context.Context) ([]models.TariffRule, error)
}

// Engine serves prices from the current rule snapshot. Reload swaps the snapshot
// atomically; a quote and a charge that share a snapshot agree.
type Engine struct {
	rules atomic.Pointer[Rules]
}

func NewEngine(rules *Rules) *Engine {
	e := &Engine{}
	if rules == nil {
		rules = &Rules{byScope: map[scope]models.TariffRule{}}
	}
	e.rules.Store(rules)
	return e
}

func (e *Engine) Price(in Input) int64 {
	return Price(e.rules.Load(), in)
}

// Snapshot returns the rule set currently in use.
func (e *Engine) Snapshot() *Rules {
	return e.rules.Load()
}

func (e *Engine) Swap(rules *Rules) {
	e.rules.Store(rules)
}

// Reload replaces the snapshot with the source's active rules. On error the
// current snapshot stays.
func (e *Engine) Reload(ctx context.Context, src Source) error {
	list, err := src.ListActive(ctx)
	if err != nil {
		return err
	}
	rules, err := NewRules(list)
	if err != nil {
		return err
	}
	e.Swap(rules)
	return nil
}
