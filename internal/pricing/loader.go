package pricing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/profimatch/backend/internal/models"
)

const rulesSchemaURL = "https://profimatch.uz/schemas/tariff-rules.json"

const rulesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["category_id", "charge_type", "base_price"],
    "additionalProperties": false,
    "properties": {
      "id": {"type": "string", "format": "uuid"},
      "category_id": {"type": "string", "minLength": 1},
      "district": {"type": ["string", "null"]},
      "charge_type": {"enum": ["RESPONSE", "COMMISSION"]},
      "base_price": {"$ref": "#/definitions/amount"},
      "min_price": {"$ref": "#/definitions/amount"},
      "max_price": {"$ref": "#/definitions/amount"},
      "active": {"type": "boolean"},
      "budget_tiers": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["threshold", "multiplier"],
          "additionalProperties": false,
          "properties": {
            "threshold": {"oneOf": [{"$ref": "#/definitions/amount"}, {"type": "null"}]},
            "multiplier": {"$ref": "#/definitions/factor"}
          }
        }
      },
      "competition": {
        "type": "object",
        "required": ["base", "step", "cap"],
        "additionalProperties": false,
        "properties": {
          "base": {"$ref": "#/definitions/factor"},
          "step": {"$ref": "#/definitions/amount"},
          "cap": {"$ref": "#/definitions/factor"}
        }
      }
    }
  },
  "definitions": {
    "amount": {
      "oneOf": [
        {"type": "number", "minimum": 0},
        {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
      ]
    },
    "factor": {
      "oneOf": [
        {"type": "number", "exclusiveMinimum": 0},
        {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
      ]
    }
  }
}`

var compiledRulesSchema = jsonschema.MustCompileString(rulesSchemaURL, rulesSchema)

// Defaults for clamps a rule document leaves out.
var (
	DefaultMinPrice = decimal.Zero
	DefaultMaxPrice = decimal.NewFromInt(1_000_000)
)

type ruleDoc struct {
	ID          *uuid.UUID                `json:"id"`
	CategoryID  string                    `json:"category_id"`
	District    *string                   `json:"district"`
	ChargeType  string                    `json:"charge_type"`
	BasePrice   decimal.Decimal           `json:"base_price"`
	MinPrice    *decimal.Decimal          `json:"min_price"`
	MaxPrice    *decimal.Decimal          `json:"max_price"`
	Active      *bool                     `json:"active"`
	BudgetTiers []models.BudgetTier       `json:"budget_tiers"`
	Competition *models.CompetitionConfig `json:"competition"`
}

func (d ruleDoc) rule() models.TariffRule {
	r := models.TariffRule{
		CategoryID:  d.CategoryID,
		District:    d.District,
		ChargeType:  d.ChargeType,
		BasePrice:   d.BasePrice,
		MinPrice:    DefaultMinPrice,
		MaxPrice:    DefaultMaxPrice,
		BudgetTiers: d.BudgetTiers,
		Competition: defaultCompetition,
		Active:      true,
	}
	if d.ID != nil {
		r.ID = *d.ID
	} else {
		r.ID = uuid.New()
	}
	if d.MinPrice != nil {
		r.MinPrice = *d.MinPrice
	}
	if d.MaxPrice != nil {
		r.MaxPrice = *d.MaxPrice
	}
	if d.Active != nil {
		r.Active = *d.Active
	}
	if d.Competition != nil {
		r.Competition = *d.Competition
	}
	return r
}

// ParseRules validates a JSON array of rule documents against the rule schema and
// builds the rule set.
func ParseRules(data []byte) (*Rules, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tariff rules: %w", err)
	}
	if err := compiledRulesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	var docs []ruleDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode tariff rules: %w", err)
	}
	list := make([]models.TariffRule, 0, len(docs))
	for _, d := range docs {
		list = append(list, d.rule())
	}
	return NewRules(list)
}

// LoadFile reads and parses a tariff rule file.
func LoadFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return ParseRules(data)
}
