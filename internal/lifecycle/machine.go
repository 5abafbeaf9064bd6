package lifecycle

import (
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
)

// Apply validates ev against the transaction's current state, advances the
// state, updates captured/refunded totals and appends ev to the history.
// An illegal transition returns a ConsistencyError and leaves the
// transaction untouched.
func Apply(tx *domain.Transaction, ev domain.Event) error {
	next, ok := transition(tx, ev)
	if !ok {
		return &domain.ConsistencyError{
			TransactionID: tx.ID,
			State:         tx.State,
			Event:         ev.Type,
			Outcome:       ev.Outcome,
		}
	}

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	if ev.Outcome == domain.OutcomeApproved {
		switch ev.Type {
		case domain.EventCapture:
			tx.CapturedAmount += captureAmount(tx, ev)
		case domain.EventRefund:
			tx.RefundedAmount += refundAmount(tx, ev)
		}
	}

	tx.State = next
	tx.History = append(tx.History, ev)
	tx.UpdatedAt = ev.OccurredAt
	return nil
}

// Replay folds the transaction's event history from the initial state and
// returns the resulting state. For any transaction mutated only through
// Apply, the result equals the stored state.
func Replay(tx *domain.Transaction) (domain.State, error) {
	r := domain.Transaction{
		ID:       tx.ID,
		OrderRef: tx.OrderRef,
		Currency: tx.Currency,
		Amount:   tx.Amount,
		State:    domain.StateCreated,
	}
	for _, ev := range tx.History {
		if err := Apply(&r, ev); err != nil {
			return r.State, err
		}
	}
	return r.State, nil
}

// IsDuplicateConfirmation reports whether ev merely confirms a transition the
// transaction has already made, e.g. a webhook-delivered authorize
// confirmation racing the direct call result. Such events are ignored as
// duplicates instead of being treated as consistency failures.
func IsDuplicateConfirmation(state domain.State, ev domain.Event) bool {
	if ev.Outcome != domain.OutcomeApproved {
		return false
	}
	switch ev.Type {
	case domain.EventAuthorize:
		return state == domain.StateAuthorized || state == domain.StateCapturing ||
			state == domain.StateCaptured
	case domain.EventCapture:
		return state == domain.StateCaptured || state == domain.StateRefunding ||
			state == domain.StateRefunded || state == domain.StatePartiallyRefunded
	case domain.EventRefund:
		return state == domain.StateRefunded
	case domain.EventCancel:
		return state == domain.StateCancelled
	}
	return false
}

// transition returns the next state for ev, or ok=false when the event is
// not legal in the current state.
func transition(tx *domain.Transaction, ev domain.Event) (domain.State, bool) {
	s := tx.State

	switch ev.Type {
	case domain.EventAuthorize:
		if s != domain.StateCreated && s != domain.StateAwaitingAuthorization {
			return s, false
		}
		switch ev.Outcome {
		case domain.OutcomeApproved:
			return domain.StateAuthorized, true
		case domain.OutcomeDeclined:
			return domain.StateFailed, true
		case domain.OutcomePending:
			return domain.StateAwaitingAuthorization, true
		}
		return s, false

	case domain.EventCapture:
		if s != domain.StateAuthorized && s != domain.StateCapturing {
			return s, false
		}
		switch ev.Outcome {
		case domain.OutcomeApproved:
			if tx.CapturedAmount+captureAmount(tx, ev) < tx.Amount {
				// Partial capture: the authorization stays open, the amount
				// is recorded on the transaction.
				return domain.StateAuthorized, true
			}
			return domain.StateCaptured, true
		case domain.OutcomeDeclined:
			return domain.StateAuthorized, true
		case domain.OutcomePending:
			return domain.StateCapturing, true
		}
		return s, false

	case domain.EventRefund:
		if s != domain.StateCaptured && s != domain.StatePartiallyRefunded && s != domain.StateRefunding {
			return s, false
		}
		switch ev.Outcome {
		case domain.OutcomeApproved:
			if tx.RefundedAmount+refundAmount(tx, ev) < tx.CapturedAmount {
				return domain.StatePartiallyRefunded, true
			}
			return domain.StateRefunded, true
		case domain.OutcomeDeclined:
			if tx.RefundedAmount > 0 {
				return domain.StatePartiallyRefunded, true
			}
			return domain.StateCaptured, true
		case domain.OutcomePending:
			return domain.StateRefunding, true
		}
		return s, false

	case domain.EventCancel:
		// A captured transaction cannot be cancelled, only refunded.
		if s != domain.StateCreated && s != domain.StateAwaitingAuthorization && s != domain.StateAuthorized {
			return s, false
		}
		switch ev.Outcome {
		case domain.OutcomeApproved:
			return domain.StateCancelled, true
		case domain.OutcomeDeclined:
			return s, true
		}
		return s, false

	case domain.EventStatusChange:
		switch ev.Outcome {
		case domain.OutcomePending:
			if s == domain.StateCreated {
				return domain.StateAwaitingAuthorization, true
			}
			if s.IsTerminal() {
				return s, false
			}
			return s, true
		case domain.OutcomeDeclined:
			if s.IsTerminal() || s == domain.StateCaptured || s == domain.StatePartiallyRefunded {
				return s, false
			}
			return domain.StateFailed, true
		}
		return s, false
	}

	return s, false
}

// captureAmount resolves the effective amount of a capture event; a zero
// amount means a full capture of the remaining authorized total.
func captureAmount(tx *domain.Transaction, ev domain.Event) int64 {
	if ev.Amount > 0 {
		return ev.Amount
	}
	return tx.Amount - tx.CapturedAmount
}

// refundAmount resolves the effective amount of a refund event; a zero
// amount means a full refund of the remaining captured total. Webhooks do
// not always carry an amount field.
func refundAmount(tx *domain.Transaction, ev domain.Event) int64 {
	if ev.Amount > 0 {
		return ev.Amount
	}
	return tx.CapturedAmount - tx.RefundedAmount
}
