package db

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/switchbox-controller/internal/model"
)

// Journal persists relay channel transitions and valve actuations.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

func (j *Journal) ObserveChange(c model.ChannelChange) {
	if err := InsertChannelEvent(j.db, c); err != nil {
		log.Error().Err(err).Str("device", c.Device).Int("channel", c.Channel).Msg("Failed to journal channel change")
	}
}

func (j *Journal) ObserveValve(name string, open bool) {
	if err := RecordValveState(j.db, name, open, j.now()); err != nil {
		log.Error().Err(err).Str("valve", name).Msg("Failed to record valve state")
	}
}
