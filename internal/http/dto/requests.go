package dto

import (
	"time"

	"github.com/devsoko/escrow-engine/internal/models"
)

type CreateContractRequest struct {
	Title       string             `json:"title"`
	Description *string            `json:"description,omitempty"`
	Currency    string             `json:"currency"`
	DeveloperID *string            `json:"developer_id,omitempty"`
	FundingMode string             `json:"funding_mode,omitempty"`
	Milestones  []MilestoneRequest `json:"milestones"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

type MilestoneRequest struct {
	Title              string    `json:"title"`
	Amount             int64     `json:"amount"`
	DueAt              time.Time `json:"due_at"`
	AcceptanceCriteria string    `json:"acceptance_criteria"`
}

type SendContractRequest struct {
	DeveloperID string `json:"developer_id"`
}

type PauseContractRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type CancelContractRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type FundEscrowRequest struct {
	Amount int64 `json:"amount"`
}

type SubmitMilestoneRequest struct {
	Summary string                `json:"summary"`
	Items   []EvidenceItemRequest `json:"items"`
}

type EvidenceItemRequest struct {
	Kind      string  `json:"kind"`
	URL       *string `json:"url,omitempty"`
	FileRef   *string `json:"file_ref,omitempty"`
	Body      *string `json:"body,omitempty"`
	CommitSHA *string `json:"commit_sha,omitempty"`
}

type ReviewMilestoneRequest struct {
	Decision   string  `json:"decision"`
	ReasonCode *string `json:"reason_code,omitempty"`
	Comments   *string `json:"comments,omitempty"`
}

type CreateChangeRequestRequest struct {
	MilestoneID *string          `json:"milestone_id,omitempty"`
	Kind        string           `json:"kind"`
	Changes     models.ChangeSet `json:"changes"`
	Note        *string          `json:"note,omitempty"`
}

type OpenDisputeRequest struct {
	MilestoneID *string `json:"milestone_id,omitempty"`
	Reason      string  `json:"reason"`
	Description *string `json:"description,omitempty"`
}

type ResolveDisputeRequest struct {
	Disposition   string  `json:"disposition"`
	ReleaseAmount int64   `json:"release_amount"`
	RefundAmount  int64   `json:"refund_amount"`
	Note          *string `json:"note,omitempty"`
}

// FundingWebhookRequest is the provider's settlement callback body. The
// whole payload is HMAC-signed; see the webhook handler.
type FundingWebhookRequest struct {
	ContractID string `json:"contract_id"`
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
}
