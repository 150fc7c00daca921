package models

import (
	"time"

	"github.com/google/uuid"
)

// Dispute statuses
const (
	DisputeStatusOpen              = "open"
	DisputeStatusResolvedClient    = "resolved_client"
	DisputeStatusResolvedDeveloper = "resolved_developer"
	DisputeStatusResolvedAdmin     = "resolved_admin"
	DisputeStatusWithdrawn         = "withdrawn"
)

// Fund dispositions a resolution must state explicitly.
const (
	DisputeDispositionRelease = "release"
	DisputeDispositionRefund  = "refund"
	DisputeDispositionSplit   = "split"
)

var ValidDisputeTransitions = map[string][]string{
	DisputeStatusOpen: {
		DisputeStatusResolvedClient,
		DisputeStatusResolvedDeveloper,
		DisputeStatusResolvedAdmin,
		DisputeStatusWithdrawn,
	},
	DisputeStatusResolvedClient:    {},
	DisputeStatusResolvedDeveloper: {},
	DisputeStatusResolvedAdmin:     {},
	DisputeStatusWithdrawn:         {},
}

func IsValidDisputeTransition(from, to string) bool {
	allowed, ok := ValidDisputeTransitions[from]
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

// Dispute is a formal conflict on a contract. Opening one freezes the
// escrow account and pauses the contract; only resolution or withdrawal
// reverses that.
type Dispute struct {
	ID             uuid.UUID  `json:"id"`
	ContractID     uuid.UUID  `json:"contract_id"`
	MilestoneID    *uuid.UUID `json:"milestone_id,omitempty"`
	RaisedBy       uuid.UUID  `json:"raised_by"`
	Reason         string     `json:"reason"`
	Description    *string    `json:"description,omitempty"`
	Status         string     `json:"status"`
	Disposition    *string    `json:"disposition,omitempty"`
	ReleaseAmount  int64      `json:"release_amount"`
	RefundAmount   int64      `json:"refund_amount"`
	ResolutionNote *string    `json:"resolution_note,omitempty"`
	ResolvedBy     *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
