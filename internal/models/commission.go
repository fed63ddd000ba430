package models

import (
	"time"

	"github.com/google/uuid"
)

// CommissionCode is the confirmation code a specialist hands to the client when the
// job is done. Only the bcrypt hash is stored.
type CommissionCode struct {
	DealID       uuid.UUID  `json:"deal_id"`
	SpecialistID uuid.UUID  `json:"specialist_id"`
	CodeHash     string     `json:"-"`
	Amount       int64      `json:"amount"`
	EntryID      *uuid.UUID `json:"entry_id,omitempty"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
