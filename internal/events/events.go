package events

import "context"

// Streams
const (
	StreamContract = "events:contract"
)

// Event types
const (
	EventContractStatusChanged  = "contract_status_changed"
	EventMilestoneStatusChanged = "milestone_status_changed"
	EventEscrowFunded           = "escrow_funded"
	EventMilestoneReleased      = "milestone_released"
	EventDisputeOpened          = "dispute_opened"
	EventDisputeResolved        = "dispute_resolved"
	EventChangeRequestResolved  = "change_request_resolved"
	EventMilestoneOverdue       = "milestone_overdue"
	EventReviewReminder         = "review_reminder"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
