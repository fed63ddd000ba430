package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/profimatch/backend/internal/models"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid tariff rule")

type scope struct {
	category    string
	district    string
	hasDistrict bool
	chargeType  string
}

func scopeOf(category string, district *string, chargeType string) scope {
	s := scope{category: category, chargeType: chargeType}
	if district != nil {
		s.district = *district
		s.hasDistrict = true
	}
	return s
}

// Rules is an immutable, validated set of tariff rules indexed by scope.
type Rules struct {
	byScope map[scope]models.TariffRule
}

// NewRules validates every rule and indexes them. Budget tiers are sorted by threshold,
// unbounded tier last. Two active rules for one scope are rejected.
func NewRules(list []models.TariffRule) (*Rules, error) {
	r := &Rules{byScope: make(map[scope]models.TariffRule, len(list))}
	for i, rule := range list {
		if !rule.Active {
			continue
		}
		if err := Validate(&rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s/%s): %w", i, rule.CategoryID, rule.ChargeType, err)
		}
		k := scopeOf(rule.CategoryID, rule.District, rule.ChargeType)
		if _, dup := r.byScope[k]; dup {
			return nil, fmt.Errorf("%w: duplicate rule for %s/%s/%s", ErrInvalidRule, rule.CategoryID, k.district, rule.ChargeType)
		}
		rule.BudgetTiers = sortedTiers(rule.BudgetTiers)
		r.byScope[k] = rule
	}
	return r, nil
}

// Len returns the number of indexed rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byScope)
}

// Lookup returns the district rule when one exists, else the category-wide rule.
func (r *Rules) Lookup(category string, district *string, chargeType string) (models.TariffRule, bool) {
	if r == nil {
		return models.TariffRule{}, false
	}
	if district != nil {
		if rule, ok := r.byScope[scopeOf(category, district, chargeType)]; ok {
			return rule, true
		}
	}
	rule, ok := r.byScope[scopeOf(category, nil, chargeType)]
	return rule, ok
}

// Validate checks a rule's shape once, at load time.
func Validate(rule *models.TariffRule) error {
	switch {
	case rule.CategoryID == "":
		return fmt.Errorf("%w: category is required", ErrInvalidRule)
	case rule.ChargeType != models.ChargeTypeResponse && rule.ChargeType != models.ChargeTypeCommission:
		return fmt.Errorf("%w: charge type %q", ErrInvalidRule, rule.ChargeType)
	case rule.BasePrice.IsNegative():
		return fmt.Errorf("%w: negative base price", ErrInvalidRule)
	case rule.MinPrice.IsNegative():
		return fmt.Errorf("%w: negative min price", ErrInvalidRule)
	case rule.MaxPrice.LessThan(rule.MinPrice):
		return fmt.Errorf("%w: max price below min price", ErrInvalidRule)
	}

	unbounded := 0
	seen := map[string]bool{}
	for _, t := range rule.BudgetTiers {
		if !t.Multiplier.IsPositive() {
			return fmt.Errorf("%w: budget multiplier must be positive", ErrInvalidRule)
		}
		if t.Threshold == nil {
			unbounded++
			continue
		}
		if t.Threshold.IsNegative() {
			return fmt.Errorf("%w: negative budget threshold", ErrInvalidRule)
		}
		if seen[t.Threshold.String()] {
			return fmt.Errorf("%w: duplicate budget threshold %s", ErrInvalidRule, t.Threshold)
		}
		seen[t.Threshold.String()] = true
	}
	if unbounded > 1 {
		return fmt.Errorf("%w: more than one unbounded budget tier", ErrInvalidRule)
	}

	c := rule.Competition
	switch {
	case !c.Base.IsPositive():
		return fmt.Errorf("%w: competition base must be positive", ErrInvalidRule)
	case c.Step.IsNegative():
		return fmt.Errorf("%w: competition step must not be negative", ErrInvalidRule)
	case c.Cap.LessThan(c.Base):
		return fmt.Errorf("%w: competition cap below base", ErrInvalidRule)
	}
	return nil
}

func sortedTiers(tiers []models.BudgetTier) []models.BudgetTier {
	out := make([]models.BudgetTier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Threshold, out[j].Threshold
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.LessThan(*b)
	})
	return out
}

// defaultCompetition leaves the price unchanged regardless of competition.
var defaultCompetition = models.CompetitionConfig{
	Base: decimal.NewFromInt(1),
	Step: decimal.Zero,
	Cap:  decimal.NewFromInt(1),
}
