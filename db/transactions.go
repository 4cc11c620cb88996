package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction. It is a no-op after commit.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

func InsertChannelEvent(db *sql.DB, c model.ChannelChange) error {
	_, err := db.Exec(`INSERT INTO channel_events (device, channel, previous, current, source, at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Device, c.Channel, int(c.Previous), int(c.Current), c.Source, c.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert channel event: %w", err)
	}
	return nil
}

func RecordValveState(db *sql.DB, name string, open bool, at time.Time) error {
	res, err := db.Exec(`UPDATE valves SET last_open = ?, last_changed = ? WHERE name = ?`, open, at.UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("update valve state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update valve state: valve %s not found", name)
	}
	return nil
}

// PruneChannelEvents deletes journal entries older than before and returns how many were removed.
func PruneChannelEvents(db *sql.DB, before time.Time) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}
	defer RollbackTransaction(tx)

	res, err := tx.Exec(`DELETE FROM channel_events WHERE at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune channel events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, CommitTransaction(tx)
}

func durationMillis(d time.Duration) int64 {
	if d <= 0 {
		return -1
	}
	return d.Milliseconds()
}
