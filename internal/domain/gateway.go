package domain

import "encoding/json"

// Outcome is the closed set of results a gateway call can produce. Response
// shapes are classified once, in the gateway client, rather than inspected
// ad hoc at call sites.
type Outcome string

const (
	OutcomeApproved      Outcome = "approved"
	OutcomeDeclined      Outcome = "declined"
	OutcomePending       Outcome = "pending"
	OutcomeNetworkError  Outcome = "network_error"
	OutcomeProtocolError Outcome = "protocol_error"
)

// Final reports whether the gateway actually ruled on the operation. Network
// and protocol failures leave the remote outcome unknown and must not move
// transaction state.
func (o Outcome) Final() bool {
	return o == OutcomeApproved || o == OutcomeDeclined || o == OutcomePending
}

// CallResult is the typed outcome of a single gateway operation. Decline
// codes are preserved verbatim as reported by the gateway.
type CallResult struct {
	Outcome          Outcome         `json:"outcome"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	OrderID          string          `json:"order_id,omitempty"`
	ResponseCode     string          `json:"response_code,omitempty"`
	ResponseMessage  string          `json:"response_message,omitempty"`
	BankResponseCode string          `json:"bank_response_code,omitempty"`
	DeclineReason    string          `json:"decline_reason,omitempty"`
	HTTPStatus       int             `json:"http_status,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// Retryable reports whether the caller may safely retry the operation.
// Only transient transport failures qualify; operations are idempotent at
// the gateway-identifier level.
func (r *CallResult) Retryable() bool {
	return r.Outcome == OutcomeNetworkError
}
