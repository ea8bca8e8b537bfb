package snapshots

import (
	"context"
	"database/sql"
	"fmt"
)

// Snapshots are append-only; the index serves the per-counter MAX lookup.
const schema = `
CREATE TABLE IF NOT EXISTS queue_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    counter_id INTEGER NOT NULL,
    latest_called INTEGER NOT NULL,
    observed_at INTEGER NOT NULL -- unix milliseconds, UTC
);

CREATE INDEX IF NOT EXISTS idx_queue_snapshots_counter
    ON queue_snapshots(counter_id, latest_called DESC);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
