package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow account statuses
const (
	EscrowAccountActive = "active"
	EscrowAccountFrozen = "frozen"
	EscrowAccountClosed = "closed"
)

// Escrow transaction types
const (
	EscrowTxFund       = "fund"
	EscrowTxRelease    = "release"
	EscrowTxRefund     = "refund"
	EscrowTxAdjustment = "adjustment"
)

// Escrow transaction statuses
const (
	EscrowTxPending = "pending"
	EscrowTxSuccess = "success"
	EscrowTxFailed  = "failed"
)

// EscrowAccount holds a contract's funds. The three totals are monotone
// non-decreasing; funded_total >= released_total + refunded_total at all
// times, and each total must reconcile with the sum of successful ledger
// rows of the corresponding type.
type EscrowAccount struct {
	ID            uuid.UUID `json:"id"`
	ContractID    uuid.UUID `json:"contract_id"`
	Currency      string    `json:"currency"`
	FundedTotal   int64     `json:"funded_total"`
	ReleasedTotal int64     `json:"released_total"`
	RefundedTotal int64     `json:"refunded_total"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available is the balance still held in escrow.
func (a *EscrowAccount) Available() int64 {
	return a.FundedTotal - a.ReleasedTotal - a.RefundedTotal
}

// EscrowTransaction is one immutable ledger row. Rows are never updated
// except for the pending -> success/failed settlement of externally
// initiated movements, and never deleted.
type EscrowTransaction struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   uuid.UUID  `json:"account_id"`
	ContractID  uuid.UUID  `json:"contract_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	Type        string     `json:"type"`
	Amount      int64      `json:"amount"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	ProviderRef *string    `json:"provider_ref,omitempty"`
	Status      string     `json:"status"`
	Note        *string    `json:"note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// Ledger endpoints for Source/Destination fields.
const (
	LedgerPartyClient    = "client"
	LedgerPartyDeveloper = "developer"
	LedgerPartyEscrow    = "escrow"
	LedgerPartyPlatform  = "platform"
)
