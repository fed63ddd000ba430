package models

import (
	"time"

	"github.com/google/uuid"
)

// Deal statuses.
const (
	DealPendingPayment = "pending_payment"
	DealPaid           = "paid"
	DealInProgress     = "in_progress"
	DealCompleted      = "completed"
	DealDisputed       = "disputed"
	DealCancelled      = "cancelled"
)

// Deal is the agreed job between a client (payer) and a specialist (recipient).
// Only the fields money movement needs are mirrored here.
type Deal struct {
	ID           uuid.UUID `json:"id"`
	ClientID     uuid.UUID `json:"client_id"`
	SpecialistID uuid.UUID `json:"specialist_id"`
	CategoryID   string    `json:"category_id"`
	District     *string   `json:"district,omitempty"`
	Budget       int64     `json:"budget"`
	Price        int64     `json:"price"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
