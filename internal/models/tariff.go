package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Charge types a tariff rule can price.
const (
	ChargeTypeResponse   = "RESPONSE"
	ChargeTypeCommission = "COMMISSION"
)

// Actor tiers used for the tier discount.
const (
	TierNew      = "NEW"
	TierVerified = "VERIFIED"
	TierPro      = "PRO"
	TierTop      = "TOP"
)

// BudgetTier applies Multiplier to budgets up to Threshold. A nil Threshold has no upper bound.
type BudgetTier struct {
	Threshold  *decimal.Decimal `json:"threshold"`
	Multiplier decimal.Decimal  `json:"multiplier"`
}

// CompetitionConfig yields min(Base + n*Step, Cap) for n competing responses.
type CompetitionConfig struct {
	Base decimal.Decimal `json:"base"`
	Step decimal.Decimal `json:"step"`
	Cap  decimal.Decimal `json:"cap"`
}

type TariffRule struct {
	ID          uuid.UUID         `json:"id"`
	CategoryID  string            `json:"category_id"`
	District    *string           `json:"district"`
	ChargeType  string            `json:"charge_type"`
	BasePrice   decimal.Decimal   `json:"base_price"`
	MinPrice    decimal.Decimal   `json:"min_price"`
	MaxPrice    decimal.Decimal   `json:"max_price"`
	BudgetTiers []BudgetTier      `json:"budget_tiers"`
	Competition CompetitionConfig `json:"competition"`
	Active      bool              `json:"active"`
}
