package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profimatch/backend/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func strp(s string) *string { return &s }

func plumbingRule() models.TariffRule {
	return models.TariffRule{
		CategoryID: "plumbing",
		ChargeType: models.ChargeTypeResponse,
		BasePrice:  d("10000"),
		MinPrice:   d("0"),
		MaxPrice:   d("1000000"),
		BudgetTiers: []models.BudgetTier{
			{Threshold: nil, Multiplier: d("2.0")},
			{Threshold: dp("500000"), Multiplier: d("1.5")},
			{Threshold: dp("100000"), Multiplier: d("1.0")},
		},
		Competition: models.CompetitionConfig{Base: d("1.0"), Step: d("0.1"), Cap: d("1.5")},
		Active:      true,
	}
}

func TestPrice_WorkedExample(t *testing.T) {
	rules, err := NewRules([]models.TariffRule{plumbingRule()})
	require.NoError(t, err)

	got := Price(rules, Input{
		CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse,
		Budget: 50000, Competing: 3, Tier: models.TierNew,
	})
	assert.Equal(t, int64(13000), got)
}

func TestPrice_BudgetTiers(t *testing.T) {
	rules, err := NewRules([]models.TariffRule{plumbingRule()})
	require.NoError(t, err)

	cases := []struct {
		budget int64
		want   int64
	}{
		{0, 10000},
		{100000, 10000},
		{100001, 15000},
		{500000, 15000},
		{500001, 20000},
	}
	for _, tc := range cases {
		got := Price(rules, Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: tc.budget, Tier: models.TierNew})
		assert.Equal(t, tc.want, got, "budget %d", tc.budget)
	}
}

func TestPrice_NoMatchingTierUsesOne(t *testing.T) {
	rule := plumbingRule()
	rule.BudgetTiers = []models.BudgetTier{{Threshold: dp("1000"), Multiplier: d("3")}}
	rules, err := NewRules([]models.TariffRule{rule})
	require.NoError(t, err)

	got := Price(rules, Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: 5000})
	assert.Equal(t, int64(10000), got)
}

func TestPrice_DistrictFallbackAndSafetyNet(t *testing.T) {
	city := plumbingRule()
	district := plumbingRule()
	district.District = strp("yunusabad")
	district.BasePrice = d("20000")
	rules, err := NewRules([]models.TariffRule{city, district})
	require.NoError(t, err)

	in := Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: 1}

	in.District = strp("yunusabad")
	assert.Equal(t, int64(20000), Price(rules, in), "district rule wins")

	in.District = strp("chilanzar")
	assert.Equal(t, int64(10000), Price(rules, in), "falls back to district-less rule")

	in.District = nil
	assert.Equal(t, int64(10000), Price(rules, in))

	in.CategoryID = "electrics"
	assert.Equal(t, SafetyNetPrice, Price(rules, in), "no rule at all")

	in.CategoryID = "plumbing"
	in.ChargeType = models.ChargeTypeCommission
	assert.Equal(t, SafetyNetPrice, Price(rules, in), "charge type is part of the scope")
}

func TestPrice_TierDiscountClampAndRounding(t *testing.T) {
	rule := plumbingRule()
	rule.BasePrice = d("10001")
	rule.MinPrice = d("9000")
	rule.MaxPrice = d("12000")
	rules, err := NewRules([]models.TariffRule{rule})
	require.NoError(t, err)

	base := Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: 1}

	in := base
	in.Tier = models.TierVerified
	// 10001 * 0.95 = 9500.95
	assert.Equal(t, int64(9501), Price(rules, in))

	in.Tier = models.TierTop
	// 10001 * 0.85 = 8500.85, clamped up to 9000
	assert.Equal(t, int64(9000), Price(rules, in))

	in = base
	in.Competing = 50
	// 10001 * 1.5 = 15001.5, clamped down to 12000
	assert.Equal(t, int64(12000), Price(rules, in))

	in = base
	in.Tier = "LEGEND"
	assert.Equal(t, int64(10001), Price(rules, in), "unknown tier pays full price")
}

func TestPrice_Deterministic(t *testing.T) {
	rules, err := NewRules([]models.TariffRule{plumbingRule()})
	require.NoError(t, err)
	in := Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: 250000, Competing: 2, Tier: models.TierPro}

	first := Price(rules, in)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, Price(rules, in))
	}
}

func TestPrice_MonotonicInCompetition(t *testing.T) {
	rules, err := NewRules([]models.TariffRule{plumbingRule()})
	require.NoError(t, err)

	prev := int64(-1)
	for n := 0; n <= 20; n++ {
		got := Price(rules, Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: 1, Competing: n, Tier: models.TierNew})
		assert.GreaterOrEqual(t, got, prev, "competing=%d", n)
		if n >= 5 {
			assert.Equal(t, int64(15000), got, "capped from competing=5 on")
		}
		prev = got
	}
}

func TestNewRules_Validation(t *testing.T) {
	cases := map[string]func(r *models.TariffRule){
		"bad charge type":      func(r *models.TariffRule) { r.ChargeType = "TIP" },
		"no category":          func(r *models.TariffRule) { r.CategoryID = "" },
		"max below min":        func(r *models.TariffRule) { r.MaxPrice = d("-1") },
		"zero multiplier":      func(r *models.TariffRule) { r.BudgetTiers[0].Multiplier = decimal.Zero },
		"two unbounded tiers":  func(r *models.TariffRule) { r.BudgetTiers[1].Threshold = nil },
		"cap below base":       func(r *models.TariffRule) { r.Competition.Cap = d("0.5") },
		"negative step":        func(r *models.TariffRule) { r.Competition.Step = d("-0.1") },
		"duplicate thresholds": func(r *models.TariffRule) { r.BudgetTiers[2].Threshold = dp("500000") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rule := plumbingRule()
			mutate(&rule)
			_, err := NewRules([]models.TariffRule{rule})
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}

	_, err := NewRules([]models.TariffRule{plumbingRule(), plumbingRule()})
	assert.ErrorIs(t, err, ErrInvalidRule, "duplicate scope")

	inactive := plumbingRule()
	inactive.Active = false
	inactive.ChargeType = "garbage"
	rules, err := NewRules([]models.TariffRule{inactive})
	require.NoError(t, err, "inactive rules are skipped")
	assert.Equal(t, 0, rules.Len())
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type stubSource struct {
	rules []models.TariffRule
	err   error
}

func (s stubSource) ListActive(context.Context) ([]models.TariffRule, error) { return s.rules, s.err }

func TestEngine_ReloadSwapsSnapshot(t *testing.T) {
	e := NewEngine(nil)
	in := Input{CategoryID: "plumbing", ChargeType: models.ChargeTypeResponse, Budget: 50000, Competing: 3, Tier: models.TierNew}
	assert.Equal(t, SafetyNetPrice, e.Price(in))

	old := e.Snapshot()
	require.NoError(t, e.Reload(context.Background(), stubSource{rules: []models.TariffRule{plumbingRule()}}))
	assert.Equal(t, int64(13000), e.Price(in))
	assert.Equal(t, SafetyNetPrice, Price(old, in), "old snapshot is unchanged")

	err := e.Reload(context.Background(), stubSource{err: errors.New("db down")})
	require.Error(t, err)
	assert.Equal(t, int64(13000), e.Price(in), "failed reload keeps the current rules")
}
