package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used by session-init gateway calls so the waterfall can
// classify why a step failed.
var (
	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("unexpected gateway response")
	ErrRejected = errors.New("rejected by gateway")
)

// ValidationError reports malformed or out-of-range input, caught before any
// external call is made.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// ConsistencyError reports an event that matches no legal transition for the
// transaction's current state. It is always surfaced, never swallowed.
type ConsistencyError struct {
	TransactionID string
	State         State
	Event         EventType
	Outcome       Outcome
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("transaction %s: event %s/%s not legal in state %s",
		e.TransactionID, e.Event, e.Outcome, e.State)
}

// SessionInitError reports waterfall exhaustion, carrying the full per-step
// attempt trail for diagnosis.
type SessionInitError struct {
	Attempts   []WaterfallAttempt
	Diagnostic string
}

func (e *SessionInitError) Error() string {
	codes := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		codes = append(codes, fmt.Sprintf("%d:%s=%s", a.Step, a.Strategy, a.ErrorCode))
	}
	return "session init failed after " + fmt.Sprint(len(e.Attempts)) +
		" attempts [" + strings.Join(codes, " ") + "]"
}
