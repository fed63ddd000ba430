package models

import (
	"time"

	"github.com/google/uuid"
)

// Response is a specialist's reply to a client's request. Under the RESPONSE tariff the
// specialist pays to respond; the charge is refunded if the client never looks at it.
type Response struct {
	ID                uuid.UUID  `json:"id"`
	RequestID         uuid.UUID  `json:"request_id"`
	ClientID          uuid.UUID  `json:"client_id"`
	SpecialistID      uuid.UUID  `json:"specialist_id"`
	TariffType        string     `json:"tariff_type"`
	PricePaid         int64      `json:"price_paid"`
	ViewedAt          *time.Time `json:"viewed_at,omitempty"`
	RefundProcessed   bool       `json:"refund_processed"`
	RefundAttemptedAt *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
}
