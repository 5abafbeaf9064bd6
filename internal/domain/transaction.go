package domain

import "time"

type State string

const (
	StateCreated               State = "created"
	StateAwaitingAuthorization State = "awaiting_authorization"
	StateAuthorized            State = "authorized"
	StateCapturing             State = "capturing"
	StateCaptured              State = "captured"
	StateRefunding             State = "refunding"
	StateRefunded              State = "refunded"
	StatePartiallyRefunded     State = "partially_refunded"
	StateCancelled             State = "cancelled"
	StateFailed                State = "failed"
)

// IsTerminal reports whether no further transition is legal from s. Captured
// is not terminal here because a refund may still follow.
func (s State) IsTerminal() bool {
	switch s {
	case StateRefunded, StateCancelled, StateFailed:
		return true
	}
	return false
}

type EventType string

const (
	EventAuthorize    EventType = "authorize"
	EventCapture      EventType = "capture"
	EventRefund       EventType = "refund"
	EventCancel       EventType = "cancel"
	EventStatusChange EventType = "status_change"
)

type EventSource string

const (
	SourceClient  EventSource = "client"
	SourceWebhook EventSource = "webhook"
)

// Event is one entry in a transaction's append-only history. The current
// state of a transaction is a pure function of its ordered events.
type Event struct {
	ID           string      `json:"id"`
	Type         EventType   `json:"type"`
	Outcome      Outcome     `json:"outcome"`
	Amount       int64       `json:"amount,omitempty"` // minor units, capture/refund only
	ResponseCode string      `json:"response_code,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Source       EventSource `json:"source"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Transaction is the authoritative model of a single payment attempt. The ID
// is assigned by the gateway; OrderRef is the merchant order reference and is
// unique per attempt.
type Transaction struct {
	ID             string    `json:"id"`
	OrderRef       string    `json:"order_ref"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"` // minor units
	State          State     `json:"state"`
	MID            string    `json:"mid"`
	Route          string    `json:"route"`
	CapturedAmount int64     `json:"captured_amount"`
	RefundedAmount int64     `json:"refunded_amount"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	History        []Event   `json:"history,omitempty"`
}
