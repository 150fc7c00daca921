package models

import (
	"time"

	"github.com/google/uuid"
)

// Actor types for activity entries.
const (
	ActorTypeUser   = "user"
	ActorTypeAdmin  = "admin"
	ActorTypeSystem = "system"
)

// ActivityEntry is one immutable audit record. Entries are written inside
// the same transaction as the state change they describe: a logged event is
// never observable without its state change having committed, and vice
// versa. The engine only appends; reporting and the notification bridge
// read.
type ActivityEntry struct {
	ID         uuid.UUID      `json:"id"`
	ContractID uuid.UUID      `json:"contract_id"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	ActorType  string         `json:"actor_type"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
