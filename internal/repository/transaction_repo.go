package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/domain"
)

type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Insert(tx *domain.Transaction) error {
	_, err := r.db.Exec(
		`INSERT INTO transactions
		(id, order_ref, currency, amount, state, mid, route,
		 captured_amount, refunded_amount, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		tx.ID, tx.OrderRef, tx.Currency, tx.Amount, string(tx.State),
		tx.MID, tx.Route, tx.CapturedAmount, tx.RefundedAmount,
		tx.CreatedAt.Format(time.RFC3339), tx.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID loads a transaction and its full event history by gateway
// transaction ID. Returns sql.ErrNoRows when unknown.
func (r *TransactionRepo) GetByID(id string) (*domain.Transaction, error) {
	row := r.db.QueryRow("SELECT * FROM transactions WHERE id = ?", id)
	return r.scanWithHistory(row)
}

// GetByOrderRef loads a transaction by its merchant order reference.
func (r *TransactionRepo) GetByOrderRef(ref string) (*domain.Transaction, error) {
	row := r.db.QueryRow("SELECT * FROM transactions WHERE order_ref = ?", ref)
	return r.scanWithHistory(row)
}

// SaveWithEvent persists the transaction's current state together with the
// newly appended event in a single SQL transaction, keeping the stored state
// and the stored history consistent.
func (r *TransactionRepo) SaveWithEvent(tx *domain.Transaction, ev domain.Event) error {
	sqlTx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.Exec(
		`UPDATE transactions
		 SET state = ?, captured_amount = ?, refunded_amount = ?, updated_at = ?
		 WHERE id = ?`,
		string(tx.State), tx.CapturedAmount, tx.RefundedAmount,
		tx.UpdatedAt.Format(time.RFC3339), tx.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}

	evID := ev.ID
	if evID == "" {
		evID = uuid.NewString()
	}

	_, err = sqlTx.Exec(
		`INSERT INTO transaction_events
		(id, transaction_id, seq, type, outcome, amount, response_code, reason, source, occurred_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		evID, tx.ID, len(tx.History), string(ev.Type), string(ev.Outcome),
		ev.Amount, ev.ResponseCode, ev.Reason, string(ev.Source),
		ev.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListEvents returns the ordered event history of a transaction.
func (r *TransactionRepo) ListEvents(txID string) ([]domain.Event, error) {
	rows, err := r.db.Query(
		`SELECT id, type, outcome, amount, response_code, reason, source, occurred_at
		 FROM transaction_events WHERE transaction_id = ? ORDER BY seq`,
		txID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ, outcome, source, occurredAt string
		var respCode, reason sql.NullString
		if err := rows.Scan(&ev.ID, &typ, &outcome, &ev.Amount, &respCode, &reason, &source, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.Outcome = domain.Outcome(outcome)
		ev.ResponseCode = respCode.String
		ev.Reason = reason.String
		ev.Source = domain.EventSource(source)
		ev.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *TransactionRepo) Count() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&count)
	return count, err
}

func (r *TransactionRepo) scanWithHistory(row *sql.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var state, createdAt, updatedAt string

	err := row.Scan(
		&tx.ID, &tx.OrderRef, &tx.Currency, &tx.Amount, &state,
		&tx.MID, &tx.Route, &tx.CapturedAmount, &tx.RefundedAmount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.State = domain.State(state)
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	tx.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	tx.History, err = r.ListEvents(tx.ID)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
