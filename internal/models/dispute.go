package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Dispute decisions.
const (
	DecisionRefundPayer  = "refund_payer"
	DecisionPayRecipient = "pay_recipient"
)

type Dispute struct {
	ID         uuid.UUID  `json:"id"`
	DealID     uuid.UUID  `json:"deal_id"`
	OpenedBy   uuid.UUID  `json:"opened_by"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	Decision   string     `json:"decision,omitempty"`
	ResolvedBy *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
