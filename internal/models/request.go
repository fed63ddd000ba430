package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RequestOpen   = "open"
	RequestClosed = "closed"
)

// ServiceRequest is a client's published job. The money core only reads it: responses
// are priced from its category, district, budget and tariff type.
type ServiceRequest struct {
	ID         uuid.UUID `json:"id"`
	ClientID   uuid.UUID `json:"client_id"`
	CategoryID string    `json:"category_id"`
	District   *string   `json:"district,omitempty"`
	Budget     int64     `json:"budget"`
	TariffType string    `json:"tariff_type"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}
