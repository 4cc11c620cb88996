package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	channel INTEGER NOT NULL,
	previous INTEGER NOT NULL,
	current INTEGER NOT NULL,
	source TEXT NOT NULL,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channel_events_device_channel ON channel_events (device, channel, id);
CREATE TABLE IF NOT EXISTS valves (
	name TEXT PRIMARY KEY,
	relay TEXT NOT NULL,
	channel INTEGER NOT NULL,
	normally_open BOOLEAN NOT NULL,
	low_power_after_ms INTEGER NOT NULL DEFAULT -1,
	last_open BOOLEAN DEFAULT NULL,
	last_changed TEXT DEFAULT NULL
);`

// Open opens the sqlite database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:" databases intact.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}

// SeedValves upserts the configured valve bindings. Last known state is kept.
func SeedValves(db *sql.DB, valves []model.ValveBinding) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	defer RollbackTransaction(tx)

	for _, v := range valves {
		_, err = tx.Exec(`INSERT INTO valves (name, relay, channel, normally_open, low_power_after_ms) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET relay = excluded.relay, channel = excluded.channel,
				normally_open = excluded.normally_open, low_power_after_ms = excluded.low_power_after_ms`,
			v.Name, v.RelayRef, v.Channel, v.NormallyOpen, durationMillis(v.LowPowerAfter))
		if err != nil {
			return fmt.Errorf("failed to insert valve %s: %w", v.Name, err)
		}
	}

	if err := CommitTransaction(tx); err != nil {
		return err
	}

	log.Info().Int("valves", len(valves)).Msg("Valve bindings seeded")
	return nil
}
