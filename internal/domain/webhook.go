package domain

import "time"

type WebhookStatus string

const (
	WebhookPending          WebhookStatus = "pending"
	WebhookApplied          WebhookStatus = "applied"
	WebhookIgnoredDuplicate WebhookStatus = "ignored-duplicate"
	WebhookFailed           WebhookStatus = "failed"
)

// WebhookEvent is the durable record of one inbound gateway notification.
// EventID is the gateway event identifier and is the primary dedup key; rows
// are never deleted, only their processing status changes.
type WebhookEvent struct {
	ID            string        `json:"id"`
	EventID       string        `json:"event_id"`
	Payload       []byte        `json:"-"`
	ReceivedAt    time.Time     `json:"received_at"`
	Status        WebhookStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"` // empty until matched
	Note          string        `json:"note,omitempty"`
}
