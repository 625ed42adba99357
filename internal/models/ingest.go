package models

import "time"

// Delivery statuses for the ingestion ledger.
const (
	DeliveryReceived = "received"
	DeliveryDone     = "done"
	DeliveryFailed   = "failed"
)

// Delivery is one row of the inbound delivery ledger. The provider-supplied
// delivery id is a natural idempotency key per source: redelivery of the
// same id never creates a second row.
type Delivery struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	DeliveryID string    `json:"delivery_id"`
	Event      string    `json:"event"`
	Payload    []byte    `json:"payload"`
	Status     string    `json:"status"`
	LastError  *string   `json:"last_error,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WorkItem is the canonical, provider-agnostic record produced by the
// normalizer. Ref is source-qualified ("source:project#id") so external ids
// from different providers or projects never collide.
type WorkItem struct {
	Ref        string    `json:"ref"`
	System     string    `json:"system"`
	ExternalID string    `json:"external_id"`
	Project    string    `json:"project"`
	Title      string    `json:"title"`
	State      string    `json:"state"`
	Assignee   *string   `json:"assignee,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
