// Package snapshots stores observations of the latest called queue number per counter
// and answers "what was last called at counter N".
package snapshots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"queue-notifier/pkg/notifier"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Store is an append-only snapshot table in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the snapshot database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection keeps the pragmas in effect for every query.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("Snapshot store opened", "path", path)
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one snapshot. A zero ObservedAt is stamped with the current time.
func (s *Store) Append(ctx context.Context, snap notifier.Snapshot) error {
	if snap.CounterID <= 0 {
		return fmt.Errorf("invalid counter id %d", snap.CounterID)
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_snapshots (counter_id, latest_called, observed_at) VALUES (?, ?, ?)`,
		snap.CounterID, snap.LatestCalled, snap.ObservedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	s.logger.Debug("Snapshot appended", "counter_id", snap.CounterID, "latest_called", snap.LatestCalled)
	return nil
}

// LatestCalled returns the highest number called at a counter.
// found is false when the counter has no snapshots yet.
func (s *Store) LatestCalled(ctx context.Context, counterID int) (latest int, found bool, err error) {
	var v sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(latest_called) FROM queue_snapshots WHERE counter_id = ?`, counterID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query latest called: %w", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return int(v.Int64), true, nil
}

// Latest returns the newest snapshot of every counter, ordered by counter.
func (s *Store) Latest(ctx context.Context) ([]notifier.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT counter_id, MAX(latest_called), MAX(observed_at)
		FROM queue_snapshots
		GROUP BY counter_id
		ORDER BY counter_id`)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notifier.Snapshot
	for rows.Next() {
		var snap notifier.Snapshot
		var observedMilli int64
		if err := rows.Scan(&snap.CounterID, &snap.LatestCalled, &observedMilli); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.ObservedAt = time.UnixMilli(observedMilli).UTC()
		out = append(out, snap)
	}
	return out, rows.Err()
}
