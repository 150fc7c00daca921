package models

import (
	"time"

	"github.com/google/uuid"
)

// Milestone statuses
const (
	MilestoneStatusNotStarted       = "not_started"
	MilestoneStatusInProgress       = "in_progress"
	MilestoneStatusSubmitted        = "submitted"
	MilestoneStatusInReview         = "in_review"
	MilestoneStatusApproved         = "approved"
	MilestoneStatusRejected         = "rejected"
	MilestoneStatusChangesRequested = "changes_requested"
	MilestoneStatusReleased         = "released"
)

// Valid milestone state transitions: from -> []to
var ValidMilestoneTransitions = map[string][]string{
	MilestoneStatusNotStarted:       {MilestoneStatusInProgress},
	MilestoneStatusInProgress:       {MilestoneStatusSubmitted},
	MilestoneStatusSubmitted:        {MilestoneStatusInReview},
	MilestoneStatusInReview:         {MilestoneStatusApproved, MilestoneStatusRejected, MilestoneStatusChangesRequested},
	MilestoneStatusChangesRequested: {MilestoneStatusInProgress, MilestoneStatusSubmitted},
	MilestoneStatusApproved:         {MilestoneStatusReleased},
	MilestoneStatusRejected:         {},
	MilestoneStatusReleased:         {},
}

func IsValidMilestoneTransition(from, to string) bool {
	allowed, ok := ValidMilestoneTransitions[from]
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

func IsTerminalMilestoneStatus(status string) bool {
	allowed, ok := ValidMilestoneTransitions[status]
	return ok && len(allowed) == 0
}

// Milestone is one discretely payable unit of a contract. Amount is in the
// contract currency's smallest unit and is immutable once funding has begun
// except through an accepted change request.
type Milestone struct {
	ID                 uuid.UUID  `json:"id"`
	ContractID         uuid.UUID  `json:"contract_id"`
	OrderIndex         int        `json:"order_index"`
	Title              string     `json:"title"`
	Amount             int64      `json:"amount"`
	DueAt              time.Time  `json:"due_at"`
	AcceptanceCriteria string     `json:"acceptance_criteria"`
	Status             string     `json:"status"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
	OverdueNotifiedAt  *time.Time `json:"overdue_notified_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Review decisions
const (
	ReviewDecisionApprove        = "approve"
	ReviewDecisionReject         = "reject"
	ReviewDecisionRequestChanges = "request_changes"
)

// ReviewDecisionStatus maps a review decision to the resulting milestone
// status. Unknown decisions map to "".
func ReviewDecisionStatus(decision string) string {
	switch decision {
	case ReviewDecisionApprove:
		return MilestoneStatusApproved
	case ReviewDecisionReject:
		return MilestoneStatusRejected
	case ReviewDecisionRequestChanges:
		return MilestoneStatusChangesRequested
	}
	return ""
}

// MilestoneReview is a client (or admin) verdict on one submission.
// Append-only; one review closes one review cycle.
type MilestoneReview struct {
	ID           uuid.UUID `json:"id"`
	MilestoneID  uuid.UUID `json:"milestone_id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	ReviewerID   uuid.UUID `json:"reviewer_id"`
	Decision     string    `json:"decision"`
	ReasonCode   *string   `json:"reason_code,omitempty"`
	Comments     *string   `json:"comments,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// FundingCovers reports whether the escrow account's balance satisfies the
// contract's funding-mode policy for working on milestone m: full-upfront
// contracts need the whole total escrowed, otherwise the available balance
// must cover this milestone's tranche.
func FundingCovers(c *Contract, m *Milestone, acct *EscrowAccount) bool {
	if c.FundingMode == FundingModeFullUpfront {
		return acct.FundedTotal >= c.TotalAmount
	}
	return acct.Available() >= m.Amount
}
