package trust

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the eval_signals table if it does not already
// exist. Callers provisioning a fresh trust store (the CLI's `serve`
// and `trust show` entry points) should call this once before handing
// the *sql.DB to NewStore.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS eval_signals (
			message_id   TEXT PRIMARY KEY,
			task_type    TEXT NOT NULL,
			model_id     TEXT NOT NULL,
			worker_type  TEXT NOT NULL,
			satisfaction INTEGER NOT NULL DEFAULT 0,
			cost         REAL,
			created_at   DATETIME NOT NULL,
			synced       INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("trust: ensure schema: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_eval_signals_task_model ON eval_signals (task_type, model_id)
	`)
	if err != nil {
		return fmt.Errorf("trust: ensure index: %w", err)
	}
	return nil
}
