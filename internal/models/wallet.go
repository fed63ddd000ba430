package models

import (
	"time"

	"github.com/google/uuid"
)

// PlatformOwnerID owns the wallet that collects escrow commissions.
var PlatformOwnerID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// DefaultCurrency is the wallet currency when none is configured. UZS has no minor unit
// in wallet balances; the payment provider counts in tiyin (1/100).
const DefaultCurrency = "UZS"

type Wallet struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
