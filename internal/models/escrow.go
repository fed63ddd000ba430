package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow states.
const (
	EscrowPending  = "PENDING"
	EscrowReserved = "RESERVED"
	EscrowLocked   = "LOCKED"
	EscrowReleased = "RELEASED"
	EscrowRefunded = "REFUNDED"
)

// Escrow holds a deal's funds between payment and settlement. One per deal.
type Escrow struct {
	ID          uuid.UUID  `json:"id"`
	DealID      uuid.UUID  `json:"deal_id"`
	PayerID     uuid.UUID  `json:"payer_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	Amount      int64      `json:"amount"`
	Commission  int64      `json:"commission"`
	State       string     `json:"state"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the escrow has been released or refunded.
func (e *Escrow) IsTerminal() bool {
	return e.State == EscrowReleased || e.State == EscrowRefunded
}
