package models

import (
	"time"

	"github.com/devsoko/escrow-engine/internal/apperr"
	"github.com/google/uuid"
)

// Change request kinds
const (
	ChangeKindScope = "scope"
	ChangeKindCost  = "cost"
	ChangeKindTime  = "time"
	ChangeKindSplit = "split"
	ChangeKindMerge = "merge"
)

// Change request statuses
const (
	ChangeRequestPending   = "pending"
	ChangeRequestAccepted  = "accepted"
	ChangeRequestRejected  = "rejected"
	ChangeRequestCancelled = "cancelled"
)

var ValidChangeRequestTransitions = map[string][]string{
	ChangeRequestPending:   {ChangeRequestAccepted, ChangeRequestRejected, ChangeRequestCancelled},
	ChangeRequestAccepted:  {},
	ChangeRequestRejected:  {},
	ChangeRequestCancelled: {},
}

func IsValidChangeRequestTransition(from, to string) bool {
	allowed, ok := ValidChangeRequestTransitions[from]
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

// ChangeRequest proposes a modification to a contract's milestone plan.
// Exactly one ChangeSet member matching Kind must be populated.
type ChangeRequest struct {
	ID          uuid.UUID  `json:"id"`
	ContractID  uuid.UUID  `json:"contract_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	ProposedBy  uuid.UUID  `json:"proposed_by"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Changes     ChangeSet  `json:"changes"`
	Note        *string    `json:"note,omitempty"`
	ResolvedBy  *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ChangeSet is the typed payload of a change request, keyed by Kind.
type ChangeSet struct {
	Scope *ScopeChange `json:"scope,omitempty"`
	Cost  *CostChange  `json:"cost,omitempty"`
	Time  *TimeChange  `json:"time,omitempty"`
	Split *SplitChange `json:"split,omitempty"`
	Merge *MergeChange `json:"merge,omitempty"`
}

type ScopeChange struct {
	Title              *string `json:"title,omitempty"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
}

// CostChange sets a new milestone amount. The contract total moves by the
// same delta so the sum invariant holds by construction.
type CostChange struct {
	NewAmount int64 `json:"new_amount"`
}

type TimeChange struct {
	NewDueAt time.Time `json:"new_due_at"`
}

// SplitChange replaces one unstarted milestone with Parts, which must sum
// to the original amount.
type SplitChange struct {
	Parts []SplitPart `json:"parts"`
}

type SplitPart struct {
	Title              string    `json:"title"`
	Amount             int64     `json:"amount"`
	DueAt              time.Time `json:"due_at"`
	AcceptanceCriteria string    `json:"acceptance_criteria"`
}

// MergeChange collapses the named unstarted milestones into the one the
// request references, summing amounts and keeping the latest due date.
type MergeChange struct {
	MilestoneIDs []uuid.UUID `json:"milestone_ids"`
}

// Validate checks that the change set matches the kind discriminant and
// that exactly one member is populated.
func (cr *ChangeRequest) Validate() error {
	populated := 0
	if cr.Changes.Scope != nil {
		populated++
	}
	if cr.Changes.Cost != nil {
		populated++
	}
	if cr.Changes.Time != nil {
		populated++
	}
	if cr.Changes.Split != nil {
		populated++
	}
	if cr.Changes.Merge != nil {
		populated++
	}
	if populated != 1 {
		return apperr.Validation("change request must carry exactly one change payload")
	}

	switch cr.Kind {
	case ChangeKindScope:
		s := cr.Changes.Scope
		if s == nil {
			return apperr.Validation("scope change requires scope payload")
		}
		if s.Title == nil && s.AcceptanceCriteria == nil {
			return apperr.Validation("scope change must alter title or acceptance criteria")
		}
	case ChangeKindCost:
		if cr.Changes.Cost == nil {
			return apperr.Validation("cost change requires cost payload")
		}
		if cr.Changes.Cost.NewAmount <= 0 {
			return apperr.Validation("cost change amount must be positive")
		}
	case ChangeKindTime:
		if cr.Changes.Time == nil || cr.Changes.Time.NewDueAt.IsZero() {
			return apperr.Validation("time change requires new due date")
		}
	case ChangeKindSplit:
		sp := cr.Changes.Split
		if sp == nil || len(sp.Parts) < 2 {
			return apperr.Validation("split change requires at least two parts")
		}
		for i, p := range sp.Parts {
			if p.Amount <= 0 {
				return apperr.Validation("split part %d amount must be positive", i)
			}
			if p.DueAt.IsZero() {
				return apperr.Validation("split part %d requires a due date", i)
			}
		}
	case ChangeKindMerge:
		mg := cr.Changes.Merge
		if mg == nil || len(mg.MilestoneIDs) < 1 {
			return apperr.Validation("merge change requires milestones to absorb")
		}
	default:
		return apperr.Validation("unknown change kind %q", cr.Kind)
	}

	if cr.Kind != ChangeKindMerge && cr.MilestoneID == nil {
		return apperr.Validation("%s change must reference a milestone", cr.Kind)
	}
	if cr.Kind == ChangeKindMerge && cr.MilestoneID == nil {
		return apperr.Validation("merge change must reference the surviving milestone")
	}
	return nil
}
