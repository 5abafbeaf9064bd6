package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
)

// ErrDuplicateEvent is returned by Insert when a webhook with the same
// gateway event identifier has already been stored.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

type WebhookRepo struct {
	db *sql.DB
}

func NewWebhookRepo(db *sql.DB) *WebhookRepo {
	return &WebhookRepo{db: db}
}

// Insert stores an inbound webhook. Deduplication rides on the UNIQUE
// constraint on event_id: INSERT OR IGNORE affects zero rows for a
// redelivery, which is reported as ErrDuplicateEvent. This is atomic under
// concurrent deliveries of the same event.
func (r *WebhookRepo) Insert(ev *domain.WebhookEvent) error {
	res, err := r.db.Exec(
		`INSERT OR IGNORE INTO webhook_events
		(id, event_id, payload, received_at, status, transaction_id, note)
		VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.EventID, ev.Payload, ev.ReceivedAt.Format(time.RFC3339Nano),
		string(ev.Status), nullable(ev.TransactionID), nullable(ev.Note),
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// GetByEventID returns the stored record for a gateway event identifier.
func (r *WebhookRepo) GetByEventID(eventID string) (*domain.WebhookEvent, error) {
	row := r.db.QueryRow(
		`SELECT id, event_id, payload, received_at, status, transaction_id, note
		 FROM webhook_events WHERE event_id = ?`,
		eventID,
	)
	return scanWebhookEvent(row)
}

// UpdateStatus sets the processing status (and optional link/note) of a
// stored webhook. Rows are never deleted; this is the only mutation allowed.
func (r *WebhookRepo) UpdateStatus(id string, status domain.WebhookStatus, transactionID, note string) error {
	_, err := r.db.Exec(
		`UPDATE webhook_events SET status = ?, transaction_id = ?, note = ? WHERE id = ?`,
		string(status), nullable(transactionID), nullable(note), id,
	)
	if err != nil {
		return fmt.Errorf("update webhook status: %w", err)
	}
	return nil
}

// ListByStatus returns stored webhooks with the given processing status,
// oldest first. Used to surface failed events for review.
func (r *WebhookRepo) ListByStatus(status domain.WebhookStatus, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT id, event_id, payload, received_at, status, transaction_id, note
		 FROM webhook_events WHERE status = ? ORDER BY received_at LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		var receivedAt, status string
		var txID, note sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Payload, &receivedAt, &status, &txID, &note); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		ev.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		ev.Status = domain.WebhookStatus(status)
		ev.TransactionID = txID.String
		ev.Note = note.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *WebhookRepo) Count() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM webhook_events").Scan(&count)
	return count, err
}

// --- helpers ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanWebhookEvent(row *sql.Row) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var receivedAt, status string
	var txID, note sql.NullString

	err := row.Scan(&ev.ID, &ev.EventID, &ev.Payload, &receivedAt, &status, &txID, &note)
	if err != nil {
		return nil, err
	}

	ev.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	ev.Status = domain.WebhookStatus(status)
	ev.TransactionID = txID.String
	ev.Note = note.String
	return &ev, nil
}
