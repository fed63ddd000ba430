package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	EntryDeposit          = "deposit"
	EntryWithdrawal       = "withdrawal"
	EntryChargeResponse   = "charge_response"
	EntryChargeCommission = "charge_commission"
	EntryRefund           = "refund"
	EntryEscrowLock       = "escrow_lock"
	EntryEscrowRelease    = "escrow_release"
	EntryEscrowRefund     = "escrow_refund"
	EntryGatewayTopup     = "gateway_topup"
	EntryPlatformFee      = "platform_fee"
)

var entryKinds = map[string]bool{
	EntryDeposit:          true,
	EntryWithdrawal:       true,
	EntryChargeResponse:   true,
	EntryChargeCommission: true,
	EntryRefund:           true,
	EntryEscrowLock:       true,
	EntryEscrowRelease:    true,
	EntryEscrowRefund:     true,
	EntryGatewayTopup:     true,
	EntryPlatformFee:      true,
}

// ValidEntryKind reports whether kind is a known ledger entry kind.
func ValidEntryKind(kind string) bool {
	return entryKinds[kind]
}

// LedgerEntry is one applied balance change. Rows are never updated or deleted.
type LedgerEntry struct {
	ID             uuid.UUID         `json:"id"`
	WalletID       uuid.UUID         `json:"wallet_id"`
	OwnerID        uuid.UUID         `json:"owner_id"`
	Amount         int64             `json:"amount"`
	Kind           string            `json:"kind"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	BalanceAfter   int64             `json:"balance_after"`
	CreatedAt      time.Time         `json:"created_at"`
}
