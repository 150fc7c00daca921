package models

import (
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/google/uuid"
)

// Contract statuses
const (
	ContractStatusDraft             = "draft"
	ContractStatusPendingAcceptance = "pending_developer_acceptance"
	ContractStatusActiveUnfunded    = "active_unfunded"
	ContractStatusActiveFunded      = "active_funded"
	ContractStatusPaused            = "paused"
	ContractStatusCompleted         = "completed"
	ContractStatusCancelled         = "cancelled"
	ContractStatusTerminated        = "terminated"
)

// Funding modes
const (
	FundingModeNextMilestone = "next_milestone_required"
	FundingModeFullUpfront   = "full_upfront"
)

// Valid contract state transitions: from -> []to
var ValidContractTransitions = map[string][]string{
	ContractStatusDraft:             {ContractStatusPendingAcceptance, ContractStatusCancelled},
	ContractStatusPendingAcceptance: {ContractStatusActiveUnfunded, ContractStatusCancelled},
	ContractStatusActiveUnfunded:    {ContractStatusActiveFunded, ContractStatusPaused, ContractStatusCancelled, ContractStatusTerminated},
	ContractStatusActiveFunded:      {ContractStatusPaused, ContractStatusCompleted, ContractStatusCancelled, ContractStatusTerminated},
	ContractStatusPaused:            {ContractStatusActiveUnfunded, ContractStatusActiveFunded, ContractStatusCancelled, ContractStatusTerminated},
	ContractStatusCompleted:         {},
	ContractStatusCancelled:         {},
	ContractStatusTerminated:        {},
}

func IsValidContractTransition(from, to string) bool {
	allowed, ok := ValidContractTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminalContractStatus(status string) bool {
	allowed, ok := ValidContractTransitions[status]
	return ok && len(allowed) == 0
}

func IsActiveContractStatus(status string) bool {
	return status == ContractStatusActiveUnfunded || status == ContractStatusActiveFunded
}

func IsValidFundingMode(mode string) bool {
	return mode == FundingModeNextMilestone || mode == FundingModeFullUpfront
}

// Contract is the top-level client/developer agreement. Amounts are in the
// smallest unit of Currency. Cancellation is a soft delete: the row is a
// financial record and is never physically removed.
type Contract struct {
	ID           uuid.UUID      `json:"id"`
	ClientID     uuid.UUID      `json:"client_id"`
	DeveloperID  *uuid.UUID     `json:"developer_id,omitempty"`
	Title        string         `json:"title"`
	Description  *string        `json:"description,omitempty"`
	Currency     string         `json:"currency"`
	TotalAmount  int64          `json:"total_amount"`
	Status       string         `json:"status"`
	FundingMode  string         `json:"funding_mode"`
	StartDate    *time.Time     `json:"start_date,omitempty"`
	TermsVersion int            `json:"terms_version"`
	PausedFrom   *string        `json:"paused_from,omitempty"`
	PauseReason  *string        `json:"pause_reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CancelledAt  *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ValidateMilestonePlan checks the invariants a contract's milestone list
// must satisfy at creation and after every accepted restructuring: amounts
// positive and summing to the contract total, due dates strictly increasing
// in order-index order.
func ValidateMilestonePlan(totalAmount int64, milestones []*Milestone) error {
	if len(milestones) == 0 {
		return apperr.Validation("contract requires at least one milestone")
	}
	var sum int64
	var prevDue time.Time
	for i, m := range milestones {
		if m.Amount <= 0 {
			return apperr.Validation("milestone %d amount must be positive", i)
		}
		if m.OrderIndex != i {
			return apperr.Validation("milestone order indexes must be contiguous from 0")
		}
		if i > 0 && !m.DueAt.After(prevDue) {
			return apperr.Validation("milestone due dates must be strictly increasing")
		}
		prevDue = m.DueAt
		sum += m.Amount
	}
	if sum != totalAmount {
		return apperr.Validation("milestone amounts sum to %d, contract total is %d", sum, totalAmount)
	}
	return nil
}
