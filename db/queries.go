package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

type ValveRecord struct {
	model.ValveBinding
	LastOpen    *bool
	LastChanged time.Time
}

// GetValves retrieves every stored valve binding ordered by name.
func GetValves(db *sql.DB) ([]ValveRecord, error) {
	rows, err := db.Query(`SELECT name, relay, channel, normally_open, low_power_after_ms, last_open, last_changed FROM valves ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valves: %w", err)
	}
	defer rows.Close()

	var valves []ValveRecord
	for rows.Next() {
		var v ValveRecord
		var afterMS int64
		var lastOpen sql.NullBool
		var lastChanged sql.NullString
		err = rows.Scan(&v.Name, &v.RelayRef, &v.Channel, &v.NormallyOpen, &afterMS, &lastOpen, &lastChanged)
		if err != nil {
			return nil, fmt.Errorf("failed to scan valve: %w", err)
		}
		v.LowPowerAfter = -1
		if afterMS > 0 {
			v.LowPowerAfter = time.Duration(afterMS) * time.Millisecond
		}
		if lastOpen.Valid {
			open := lastOpen.Bool
			v.LastOpen = &open
		}
		if lastChanged.Valid {
			v.LastChanged, _ = time.Parse(time.RFC3339Nano, lastChanged.String)
		}
		valves = append(valves, v)
	}
	return valves, rows.Err()
}

// GetChannelEvents returns the newest events for one relay channel, newest first.
func GetChannelEvents(db *sql.DB, device string, channel, limit int) ([]model.ChannelChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT device, channel, previous, current, source, at FROM channel_events
		WHERE device = ? AND channel = ? ORDER BY id DESC LIMIT ?`, device, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel events: %w", err)
	}
	defer rows.Close()

	var events []model.ChannelChange
	for rows.Next() {
		var c model.ChannelChange
		var at string
		if err := rows.Scan(&c.Device, &c.Channel, &c.Previous, &c.Current, &c.Source, &at); err != nil {
			return nil, fmt.Errorf("failed to scan channel event: %w", err)
		}
		c.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, c)
	}
	return events, rows.Err()
}
