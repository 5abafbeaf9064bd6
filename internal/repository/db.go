package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY and keeps ":memory:" databases from splitting per
	// connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			order_ref TEXT NOT NULL UNIQUE,
			currency TEXT NOT NULL,
			amount INTEGER NOT NULL,
			state TEXT NOT NULL,
			mid TEXT NOT NULL DEFAULT '',
			route TEXT NOT NULL DEFAULT '',
			captured_amount INTEGER NOT NULL DEFAULT 0,
			refunded_amount INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)`,

		// Append-only event history; (transaction_id, seq) fixes the order
		// used by replay.
		`CREATE TABLE IF NOT EXISTS transaction_events (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			amount INTEGER NOT NULL DEFAULT 0,
			response_code TEXT,
			reason TEXT,
			source TEXT NOT NULL,
			occurred_at DATETIME NOT NULL,
			UNIQUE(transaction_id, seq),
			FOREIGN KEY (transaction_id) REFERENCES transactions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transaction_events_txn ON transaction_events(transaction_id)`,

		// UNIQUE(event_id) is the dedup mechanism for redelivered webhooks;
		// a duplicate insert must fail atomically, not be detected by a
		// prior read.
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			payload BLOB NOT NULL,
			received_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			note TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
