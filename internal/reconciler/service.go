package reconciler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/currency"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/lifecycle"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/metrics"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/repository"
)

// ErrUnmatched marks a webhook that names no transaction known to this
// service. The delivery must be rejected so the gateway redelivers it after
// the direct call result lands.
var ErrUnmatched = errors.New("webhook matches no known transaction")

// Service ingests gateway webhooks: it stores every delivery exactly once,
// maps the notification type onto a lifecycle event and applies it to the
// matched transaction under the same per-transaction lock the orchestrator
// uses.
type Service struct {
	webhooks *repository.WebhookRepo
	txs      *repository.TransactionRepo
	locks    *lifecycle.TxLocks
}

func NewService(webhooks *repository.WebhookRepo, txs *repository.TransactionRepo, locks *lifecycle.TxLocks) *Service {
	return &Service{webhooks: webhooks, txs: txs, locks: locks}
}

// Ack is what the webhook endpoint reports back to the gateway.
type Ack struct {
	Status        domain.WebhookStatus `json:"status"`
	EventID       string               `json:"event_id"`
	TransactionID string               `json:"transaction_id,omitempty"`
	State         domain.State         `json:"state,omitempty"`
	Note          string               `json:"note,omitempty"`
}

// payload is the loosely-shaped notification body. The gateway is not
// consistent about field casing or nesting, so everything is optional and
// probed by alias.
type payload struct {
	Type            string
	EventID         string
	TransactionID   string
	OrderRef        string
	Amount          int64 // minor units
	ResponseCode    string
	ResponseMessage string
}

// Ingest processes one webhook delivery. Redeliveries of an already handled
// event are acknowledged without reapplying; an event that cannot be matched
// or legally applied is recorded as failed and rejected with ErrUnmatched or
// the consistency error so the gateway retries later.
func (s *Service) Ingest(raw []byte) (*Ack, error) {
	p, err := parsePayload(raw)
	if err != nil {
		return nil, &domain.ValidationError{Field: "payload", Msg: err.Error()}
	}

	rec := &domain.WebhookEvent{
		ID:         uuid.NewString(),
		EventID:    p.EventID,
		Payload:    raw,
		ReceivedAt: time.Now().UTC(),
		Status:     domain.WebhookPending,
	}

	if err := s.webhooks.Insert(rec); err != nil {
		if !errors.Is(err, repository.ErrDuplicateEvent) {
			return nil, fmt.Errorf("store webhook: %w", err)
		}
		prior, err := s.webhooks.GetByEventID(p.EventID)
		if err != nil {
			return nil, fmt.Errorf("load prior webhook: %w", err)
		}
		if prior.Status != domain.WebhookFailed {
			// Applied or already ignored: acknowledge and do nothing.
			metrics.IncWebhook(string(domain.WebhookIgnoredDuplicate))
			log.Printf("[reconciler] duplicate delivery of %s (prior status %s)", p.EventID, prior.Status)
			return &Ack{
				Status:        domain.WebhookIgnoredDuplicate,
				EventID:       p.EventID,
				TransactionID: prior.TransactionID,
			}, nil
		}
		// Prior processing failed; retry against current state.
		rec = prior
	}

	return s.process(rec, p)
}

// ListFailed returns stored webhooks whose processing failed, for operator
// review and replay.
func (s *Service) ListFailed(limit int) ([]domain.WebhookEvent, error) {
	return s.webhooks.ListByStatus(domain.WebhookFailed, limit)
}

// --- internals ---

func (s *Service) process(rec *domain.WebhookEvent, p payload) (*Ack, error) {
	evType, outcome, ok := mapNotification(p.Type)
	if !ok {
		s.finish(rec, domain.WebhookFailed, "", "unsupported notification type: "+p.Type)
		// Unsupported types will never become processable; acknowledge so the
		// gateway stops redelivering.
		return &Ack{Status: domain.WebhookFailed, EventID: p.EventID,
			Note: "unsupported notification type"}, nil
	}

	tx, err := s.locate(p)
	if errors.Is(err, ErrUnmatched) {
		s.finish(rec, domain.WebhookFailed, "", err.Error())
		return &Ack{Status: domain.WebhookFailed, EventID: p.EventID}, err
	}
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(tx.ID)
	defer release()

	// Reload under the lock; a direct call may have advanced the state since
	// the lookup.
	tx, err = s.txs.GetByID(tx.ID)
	if err != nil {
		return nil, fmt.Errorf("reload transaction: %w", err)
	}

	ev := domain.Event{
		Type:         evType,
		Outcome:      outcome,
		Amount:       p.Amount,
		ResponseCode: p.ResponseCode,
		Reason:       p.ResponseMessage,
		Source:       domain.SourceWebhook,
		OccurredAt:   time.Now().UTC(),
	}

	if err := lifecycle.Apply(tx, ev); err != nil {
		if lifecycle.IsDuplicateConfirmation(tx.State, ev) {
			s.finish(rec, domain.WebhookIgnoredDuplicate, tx.ID,
				fmt.Sprintf("already in state %s", tx.State))
			return &Ack{Status: domain.WebhookIgnoredDuplicate, EventID: p.EventID,
				TransactionID: tx.ID, State: tx.State}, nil
		}
		s.finish(rec, domain.WebhookFailed, tx.ID, err.Error())
		return &Ack{Status: domain.WebhookFailed, EventID: p.EventID,
			TransactionID: tx.ID, State: tx.State}, err
	}

	if err := s.txs.SaveWithEvent(tx, ev); err != nil {
		return nil, fmt.Errorf("persist webhook event: %w", err)
	}

	s.finish(rec, domain.WebhookApplied, tx.ID, "")
	log.Printf("[reconciler] applied %s/%s to %s, now %s", ev.Type, ev.Outcome, tx.ID, tx.State)
	return &Ack{Status: domain.WebhookApplied, EventID: p.EventID,
		TransactionID: tx.ID, State: tx.State}, nil
}

func (s *Service) locate(p payload) (*domain.Transaction, error) {
	if p.TransactionID != "" {
		tx, err := s.txs.GetByID(p.TransactionID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup transaction: %w", err)
		}
	}
	if p.OrderRef != "" {
		tx, err := s.txs.GetByOrderRef(p.OrderRef)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup by order ref: %w", err)
		}
	}
	return nil, ErrUnmatched
}

// finish updates the stored record's status and bumps the counter. A failure
// to update the status is logged, not propagated; the lifecycle outcome has
// already been decided.
func (s *Service) finish(rec *domain.WebhookEvent, status domain.WebhookStatus, txID, note string) {
	metrics.IncWebhook(string(status))
	if err := s.webhooks.UpdateStatus(rec.ID, status, txID, note); err != nil {
		log.Printf("[reconciler] update status for %s: %v", rec.EventID, err)
	}
}

// mapNotification maps the gateway's notification type string onto a
// lifecycle event. Matching is by keyword; the gateway prefixes types
// inconsistently ("payment.captured", "transaction_captured", "CAPTURED").
func mapNotification(typ string) (domain.EventType, domain.Outcome, bool) {
	t := strings.ToLower(typ)
	switch {
	case strings.Contains(t, "authorized"):
		return domain.EventAuthorize, domain.OutcomeApproved, true
	case strings.Contains(t, "captured"), strings.Contains(t, "paid"):
		return domain.EventCapture, domain.OutcomeApproved, true
	case strings.Contains(t, "refunded"):
		return domain.EventRefund, domain.OutcomeApproved, true
	case strings.Contains(t, "pending"),
		strings.Contains(t, "requires_more"),
		strings.Contains(t, "action_required"):
		return domain.EventStatusChange, domain.OutcomePending, true
	case strings.Contains(t, "failed"), strings.Contains(t, "declined"):
		return domain.EventStatusChange, domain.OutcomeDeclined, true
	case strings.Contains(t, "canceled"), strings.Contains(t, "cancelled"):
		return domain.EventCancel, domain.OutcomeApproved, true
	}
	return "", "", false
}

// parsePayload extracts the fields of interest from the raw notification,
// probing the aliases the gateway is known to use.
func parsePayload(raw []byte) (payload, error) {
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return payload{}, fmt.Errorf("not a JSON object: %v", err)
	}

	// Some deliveries nest the interesting part under "data".
	if nested, ok := m["data"].(map[string]any); ok {
		for k, v := range nested {
			if _, exists := m[k]; !exists {
				m[k] = v
			}
		}
	}

	p := payload{
		Type:            probe(m, "type", "event", "eventType", "event_type"),
		EventID:         probe(m, "event_id", "eventId", "id", "session_id", "sessionId"),
		TransactionID:   probe(m, "transactionID", "transactionId", "transaction_id"),
		OrderRef:        probe(m, "clientOrderId", "client_order_id", "orderId", "order_id", "orderRef"),
		ResponseCode:    probe(m, "responseCode", "response_code"),
		ResponseMessage: probe(m, "responseMessage", "response_message", "message"),
	}
	if p.Type == "" {
		return p, errors.New("missing notification type")
	}
	if p.EventID == "" {
		return p, errors.New("missing event identifier")
	}
	p.Amount = probeAmount(m, "amount", probe(m, "currency"))
	return p, nil
}

func probe(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// probeAmount reads a decimal major-unit amount and converts it to minor
// units.
func probeAmount(m map[string]any, key, cur string) int64 {
	switch v := m[key].(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return currency.ToMinor(f, cur)
		}
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return currency.ToMinor(f, cur)
		}
	}
	return 0
}
