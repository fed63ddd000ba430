package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider transaction states, as the provider numbers them.
const (
	GatewayStatePending                = 1
	GatewayStatePerformed              = 2
	GatewayStateCancelledBeforePerform = -1
	GatewayStateCancelledAfterPerform  = -2
)

// GatewayReasonTimeout is the cancel reason recorded when a pending transaction expires.
const GatewayReasonTimeout = 4

// GatewayTransaction mirrors a provider-side transaction. Times are Unix milliseconds;
// zero means the event has not happened.
type GatewayTransaction struct {
	ID           uuid.UUID         `json:"id"`
	ProviderID   string            `json:"provider_id"`
	ProviderTime int64             `json:"provider_time"`
	Amount       int64             `json:"amount"`
	Account      map[string]string `json:"account"`
	DealID       uuid.UUID         `json:"deal_id"`
	State        int               `json:"state"`
	Reason       *int              `json:"reason,omitempty"`
	CreateTime   int64             `json:"create_time"`
	PerformTime  int64             `json:"perform_time"`
	CancelTime   int64             `json:"cancel_time"`
	CreatedAt    time.Time         `json:"created_at"`
}
